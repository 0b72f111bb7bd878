package tui

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/state"
)

// IsInteractive reports whether stdout is a terminal worth drawing on.
func IsInteractive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Run drives the dashboard for one run until the run reaches a final
// state, the event stream closes, or the operator detaches with q.
// Detaching never touches the run; it keeps executing.
func Run(ctx context.Context, hub *progress.Hub, run *state.Run) error {
	m := NewRunModel(run)

	p := tea.NewProgram(m, tea.WithAltScreen())

	// Pump the subscription into the program. Subscribing from zero
	// replays the run's buffered history, so a dashboard attached to a
	// resumed run catches up instantly.
	sub := hub.Subscribe(ctx, run.ID, 0)
	go func() {
		for ev := range sub.C {
			p.Send(EventMsg{Event: ev})
		}
		p.Send(StreamClosedMsg{})
	}()

	finalModel, err := p.Run()
	sub.Close()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	fm := finalModel.(Model)
	if fm.Err != nil {
		return fm.Err
	}
	return nil
}
