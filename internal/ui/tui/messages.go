// Package tui provides a Bubble Tea-based terminal UI for provisioning runs.
package tui

import "github.com/camforge/camforge/internal/progress"

// EventMsg wraps one progress event from the run's subscription.
type EventMsg struct {
	Event progress.Event
}

// StreamClosedMsg signals that the event subscription ended.
type StreamClosedMsg struct{}

// TickMsg is sent periodically to refresh the display.
type TickMsg struct{}

// ErrMsg carries an error.
type ErrMsg struct{ Err error }
