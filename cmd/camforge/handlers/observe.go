package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/camforge/camforge/internal/cloud"
	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/server"
	"github.com/camforge/camforge/internal/state"
	"github.com/camforge/camforge/internal/ui/tui"
)

// Factory function variables - can be replaced in tests for dependency injection.
var (
	// newServer creates the local observation surface.
	newServer = server.New

	// runDashboard drives the interactive progress UI.
	runDashboard = tui.Run

	// isInteractive reports whether stdout is a terminal.
	isInteractive = tui.IsInteractive
)

// buildServer creates the loopback observation surface, or nil when no
// --listen address was given.
func buildServer(hub *progress.Hub, st *state.Store, addr string) (*server.Server, error) {
	if addr == "" {
		return nil, nil
	}
	srv, err := newServer(server.Config{Hub: hub, Store: st})
	if err != nil {
		return nil, fmt.Errorf("failed to build observation surface: %w", err)
	}
	return srv, nil
}

// observeRun renders a running deploy until it reaches a final state,
// then prints the outcome. When a server was built it serves alongside
// whichever renderer is active.
func observeRun(ctx context.Context, eng *orchestrator.Engine, srv *server.Server, runID string, opts RunOptions) error {
	if srv != nil {
		go func() {
			if err := srv.Start(ctx, opts.ListenAddr); err != nil {
				log.Printf("observation surface failed: %v", err)
			}
		}()
		srv.WatchRun(ctx, runID)
	}

	if isInteractive() && !opts.Plain {
		run, err := eng.State(ctx, runID)
		if err != nil {
			return err
		}
		if err := runDashboard(ctx, eng.Hub(), run); err != nil {
			// The run is untouched; fall through to waiting on it.
			log.Printf("dashboard failed, waiting on the run: %v", err)
		}
	} else {
		sub := eng.Hub().Subscribe(ctx, runID, 0)
		progress.Tail(sub)
		sub.Close()
	}

	waitErr := eng.Wait(runID)
	return printRunSummary(ctx, eng, runID, waitErr)
}

// printRunSummary loads the final run document and reports it the way
// an operator reads it: outcome first, then what to do next.
func printRunSummary(ctx context.Context, eng *orchestrator.Engine, runID string, waitErr error) error {
	run, err := eng.State(ctx, runID)
	if err != nil {
		if waitErr != nil {
			return waitErr
		}
		return err
	}

	fmt.Println()
	switch run.Status {
	case state.StatusCompleted:
		fmt.Println("Provisioning complete!")
		printProducedValues(run)
	case state.StatusPaused:
		fmt.Println("Run paused.")
		fmt.Println()
		fmt.Printf("  Continue with: camforge resume %s\n", run.ID)
	default:
		fmt.Printf("Run %s %s.\n", run.ID, run.Status)
		if run.Error != "" {
			fmt.Printf("  %s\n", run.Error)
		}
		fmt.Println()
		fmt.Printf("  Completed steps are kept; retry with: camforge resume %s\n", run.ID)
	}

	printDevices(run)
	printWarnings(run)

	return waitErr
}

// printProducedValues shows the endpoints a completed run stood up.
func printProducedValues(run *state.Run) {
	host := run.Values[cloud.KeyGatewayHost]
	deviceAuth := run.Values[cloud.KeyDeviceAuthURL]
	if host == "" && deviceAuth == "" {
		return
	}
	fmt.Println()
	if host != "" {
		fmt.Printf("  Gateway:     https://%s\n", host)
	}
	if deviceAuth != "" {
		fmt.Printf("  Device auth: %s\n", deviceAuth)
	}
}

func printDevices(run *state.Run) {
	if len(run.Devices) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Devices")
	fmt.Println("-------")
	for _, d := range run.Devices {
		detail := d.Model
		if d.License != "" {
			detail = fmt.Sprintf("%s  license %s", detail, d.License)
		}
		if d.Error != "" {
			detail = fmt.Sprintf("%s  %s", detail, d.Error)
		}
		fmt.Printf("  %-15s %-12s %s\n", d.Address, d.Status, detail)
	}
}

func printWarnings(run *state.Run) {
	if len(run.Warnings) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Warnings")
	fmt.Println("--------")
	for _, w := range run.Warnings {
		fmt.Printf("  - %s\n", w)
	}
}
