package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camforge/camforge/internal/state"
)

// cancelMessage mirrors what the engine records when it consumes a
// cancel request, so a directly-finalized paused run reads the same.
const cancelMessage = "cancelled by operator"

// Runs lists every persisted run, newest first.
func Runs(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	runs, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet. Start one with 'camforge deploy'.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-10s  %s\n", "RUN", "PROJECT", "STATUS", "UPDATED")
	for _, r := range runs {
		fmt.Printf("%-36s  %-20s  %-10s  %s\n",
			r.ID, r.Project, r.Status, r.UpdatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

// Status prints one run's persisted document: overall state, per-step
// progress, device outcomes, and warnings.
func Status(ctx context.Context, runID, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	run, err := st.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Project: %s\n", run.Project)
	fmt.Printf("  Status:  %s\n", run.Status)
	fmt.Printf("  Created: %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Updated: %s\n", run.UpdatedAt.Local().Format(time.RFC3339))
	if run.Error != "" {
		fmt.Printf("  Error:   %s\n", run.Error)
	}

	fmt.Println()
	fmt.Println("Steps")
	fmt.Println("-----")
	for _, step := range run.Steps {
		fmt.Printf("  %-12s %-10s %s\n", step.Key, step.Status, stepDetail(step))
	}

	printDevices(run)
	printWarnings(run)
	return nil
}

// stepDetail renders the interesting remainder of a step line:
// progress while running, duration when done, the error when failed.
func stepDetail(step state.StepState) string {
	switch step.Status {
	case state.StepRunning:
		detail := fmt.Sprintf("%d%%", step.Percent)
		if step.Attempts > 1 {
			detail = fmt.Sprintf("%s (attempt %d)", detail, step.Attempts)
		}
		return detail
	case state.StepCompleted:
		if step.StartedAt != nil && step.FinishedAt != nil {
			return step.FinishedAt.Sub(*step.StartedAt).Round(time.Second).String()
		}
	case state.StepFailed:
		if step.LastError != "" {
			return fmt.Sprintf("after %d attempts: %s", step.Attempts, step.LastError)
		}
	}
	return ""
}

// Pause asks a running deploy to halt at the next step boundary.
func Pause(ctx context.Context, runID, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.RequestPause(ctx, runID); err != nil {
		return err
	}
	fmt.Printf("Pause requested. Run %s stops after the current step; continue with 'camforge resume %s'.\n", runID, runID)
	return nil
}

// Cancel stops a run. A running deploy consumes the request between
// retry attempts; a paused or pending run with no executor watching
// the control column is finalized directly.
func Cancel(ctx context.Context, runID, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	err = st.RequestCancel(ctx, runID)
	if err == nil {
		fmt.Printf("Cancellation requested. Run %s stops between attempts.\n", runID)
		return nil
	}
	if !errors.Is(err, state.ErrNotActive) {
		return err
	}

	run, lerr := st.Load(ctx, runID)
	if lerr != nil {
		return err
	}
	if run.Status != state.StatusPaused {
		return err
	}
	run.Status = state.StatusFailed
	run.Error = cancelMessage
	if serr := st.Save(ctx, run); serr != nil {
		return serr
	}
	fmt.Printf("Run %s cancelled.\n", runID)
	return nil
}
