// Package progress carries run and step progress events from the
// orchestration engine to whoever is watching: the terminal UI, the
// plain log printer, or an SSE stream.
package progress

import "time"

// Status mirrors the lifecycle of a run or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is a single progress update. Step-level events leave Sub empty;
// run-level events leave Step empty as well.
type Event struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"runId"`
	Step      string    `json:"step,omitempty"`
	Sub       string    `json:"sub,omitempty"`
	Status    Status    `json:"status"`
	Percent   int       `json:"percent"`
	Attempt   int       `json:"attempt,omitempty"`
	Warn      bool      `json:"warn,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event marks a step or run reaching a
// final state. Terminal events must reach every subscriber; percentage
// chatter may be dropped under backpressure.
func (e Event) Terminal() bool {
	if e.Sub != "" {
		return false
	}
	return e.Status == StatusCompleted || e.Status == StatusFailed || e.Status == StatusPaused
}
