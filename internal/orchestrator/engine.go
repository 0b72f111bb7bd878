// Package orchestrator drives provisioning runs through their step
// graph. One goroutine per run walks the plan in order, persisting
// state at every boundary so the run can be paused, cancelled, or
// resumed after a crash. Step handlers do the actual work and must be
// idempotent: a resumed run may re-invoke a step whose remote side
// effect partially occurred.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camforge/camforge/internal/orchestrator/plan"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
	"github.com/camforge/camforge/internal/state"
)

const cancelMessage = "cancelled by operator"

var (
	// ErrRunActive is returned when a run is already executing in this
	// process.
	ErrRunActive = errors.New("run is already executing")

	// ErrRunCompleted is returned when resuming a run that already
	// finished successfully.
	ErrRunCompleted = errors.New("run already completed")

	// ErrCancelled is the terminal error of a run stopped by operator
	// request.
	ErrCancelled = errors.New(cancelMessage)
)

// Handler executes one plan step. Run is invoked with the shared run
// context and a step-scoped progress reporter; it is retried according
// to the handler's classification, so it must be safe to re-run.
type Handler interface {
	Key() string
	Run(ctx context.Context, rc *RunContext, reporter *progress.Reporter) error
}

// Classifier is implemented by handlers that can tell transient
// failures from fatal ones. A handler without it fails fast on the
// first error.
type Classifier interface {
	Classify(err error) retry.Class
}

// RetryConfigurer is implemented by handlers that need their own retry
// envelope, such as a long propagation wait.
type RetryConfigurer interface {
	RetryOptions() []retry.Option
}

// Config holds engine configuration.
type Config struct {
	Store    *state.Store
	Hub      *progress.Hub
	Handlers []Handler

	// RetryOptions apply to every step before handler-specific options.
	RetryOptions []retry.Option
}

// Engine executes provisioning runs.
type Engine struct {
	store     *state.Store
	hub       *progress.Hub
	handlers  map[string]Handler
	retryOpts []retry.Option

	mu     sync.Mutex
	active map[string]*execution
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (ex *execution) running() bool {
	select {
	case <-ex.done:
		return false
	default:
		return true
	}
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("config store cannot be nil")
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("config handlers cannot be empty")
	}
	if cfg.Hub == nil {
		cfg.Hub = progress.NewHub()
	}

	handlers := make(map[string]Handler, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		if _, ok := handlers[h.Key()]; ok {
			return nil, fmt.Errorf("duplicate handler for step %q", h.Key())
		}
		handlers[h.Key()] = h
	}

	return &Engine{
		store:     cfg.Store,
		hub:       cfg.Hub,
		handlers:  handlers,
		retryOpts: cfg.RetryOptions,
		active:    make(map[string]*execution),
	}, nil
}

// Hub returns the progress hub runs publish into.
func (e *Engine) Hub() *progress.Hub {
	return e.hub
}

// Start persists a new pending run and begins executing it in the
// background. The returned run ID identifies the run for Wait, State,
// Pause, and Cancel. ctx governs the whole execution.
func (e *Engine) Start(ctx context.Context, p *plan.Plan, rc *RunContext) (string, error) {
	if rc == nil {
		rc = NewRunContext()
	}
	for _, spec := range p.Steps() {
		if _, ok := e.handlers[spec.Key]; !ok {
			return "", fmt.Errorf("no handler registered for step %q", spec.Key)
		}
	}

	run := &state.Run{
		ID:      uuid.NewString(),
		Project: rc.Value(ProjectKey),
		Status:  state.StatusPending,
		Plan:    planToState(p),
		Steps:   stepsFromPlan(p),
		Values:  rc.Values(),
		Secrets: rc.Secrets(),
	}
	if err := e.store.Create(ctx, run); err != nil {
		return "", err
	}

	if err := e.launch(ctx, run, p, rc); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Resume reloads a persisted run and continues it from the first step
// that has not completed. Completed runs cannot be resumed; paused,
// failed, and crash-interrupted runs can.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == state.StatusCompleted {
		return fmt.Errorf("run %s: %w", runID, ErrRunCompleted)
	}

	specs := make([]plan.StepSpec, len(run.Plan))
	for i, ps := range run.Plan {
		specs[i] = plan.StepSpec{
			Key:            ps.Key,
			Label:          ps.Label,
			DependsOn:      ps.DependsOn,
			Parallelizable: ps.Parallelizable,
		}
	}
	p, err := plan.New(specs)
	if err != nil {
		return fmt.Errorf("run %s has an unusable persisted plan: %w", runID, err)
	}
	for _, spec := range p.Steps() {
		if _, ok := e.handlers[spec.Key]; !ok {
			return fmt.Errorf("no handler registered for step %q", spec.Key)
		}
	}

	rc := NewRunContextFrom(run.Values, run.Secrets)
	for _, w := range run.Warnings {
		rc.AddWarning(w)
	}
	rc.SetDevices(run.Devices)

	return e.launch(ctx, run, p, rc)
}

// Wait blocks until the run's execution in this process finishes and
// returns its terminal error. A pause counts as a clean finish.
func (e *Engine) Wait(runID string) error {
	e.mu.Lock()
	ex, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not executing in this process", runID)
	}
	<-ex.done
	return ex.err
}

// Pause asks an active run to halt at the next step boundary. The
// current step finishes first; a paused run is resumed with Resume.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	return e.store.RequestPause(ctx, runID)
}

// Cancel stops a run. An executing run is interrupted between (or
// inside) retry attempts and recorded as failed; a paused run is
// finalized directly.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	err := e.store.RequestCancel(ctx, runID)
	if errors.Is(err, state.ErrNotActive) {
		// A paused run has no executor watching the control column.
		run, lerr := e.store.Load(ctx, runID)
		if lerr != nil {
			return err
		}
		if run.Status == state.StatusPaused {
			run.Status = state.StatusFailed
			run.Error = cancelMessage
			if serr := e.store.Save(ctx, run); serr != nil {
				return serr
			}
			e.publishRun(runID, progress.StatusFailed, cancelMessage)
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	e.cancelActive(runID)
	return nil
}

// State reads the current persisted state of a run.
func (e *Engine) State(ctx context.Context, runID string) (*state.Run, error) {
	return e.store.Load(ctx, runID)
}

func (e *Engine) launch(ctx context.Context, run *state.Run, p *plan.Plan, rc *RunContext) error {
	e.mu.Lock()
	if ex, ok := e.active[run.ID]; ok && ex.running() {
		e.mu.Unlock()
		return fmt.Errorf("run %s: %w", run.ID, ErrRunActive)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{cancel: cancel, done: make(chan struct{})}
	e.active[run.ID] = ex
	e.mu.Unlock()

	go func() {
		defer close(ex.done)
		defer cancel()
		ex.err = e.execute(runCtx, run, p, rc)
	}()
	return nil
}

func (e *Engine) cancelActive(runID string) {
	e.mu.Lock()
	ex, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		ex.cancel()
	}
}

// execute walks the plan on a single goroutine. Persistence calls use
// the background context: a cancelled run must still record its fate.
func (e *Engine) execute(ctx context.Context, run *state.Run, p *plan.Plan, rc *RunContext) error {
	resuming := run.FirstIncomplete() != nil && run.FirstIncomplete().Key != run.Steps[0].Key

	run.Status = state.StatusRunning
	run.Error = ""
	if err := e.save(run); err != nil {
		return err
	}
	if resuming {
		e.publishRun(run.ID, progress.StatusRunning, fmt.Sprintf("resuming from step %s", run.FirstIncomplete().Key))
	} else {
		e.publishRun(run.ID, progress.StatusRunning, "provisioning started")
	}

	for _, spec := range p.Steps() {
		step := run.Step(spec.Key)
		if step == nil {
			return e.fail(run, fmt.Errorf("run has no state for step %q", spec.Key))
		}
		if step.Status == state.StepCompleted {
			continue
		}

		for _, dep := range spec.DependsOn {
			depState := run.Step(dep)
			if depState == nil || depState.Status != state.StepCompleted {
				return e.fail(run, fmt.Errorf("step %s: dependency %s has not completed", spec.Key, dep))
			}
		}

		ctrl, err := e.store.Control(context.Background(), run.ID)
		if err != nil {
			return e.fail(run, err)
		}
		switch ctrl {
		case state.ControlPause:
			_ = e.store.ClearControl(context.Background(), run.ID)
			run.Status = state.StatusPaused
			if err := e.save(run); err != nil {
				return err
			}
			e.publishRun(run.ID, progress.StatusPaused, fmt.Sprintf("paused before step %s", spec.Key))
			return nil
		case state.ControlCancel:
			_ = e.store.ClearControl(context.Background(), run.ID)
			return e.failCancelled(run)
		}
		if ctx.Err() != nil {
			return e.failCancelled(run)
		}

		// The context syncs into the run document on failure too: a
		// step that half-finished may have recorded device outcomes or
		// warnings the operator needs to triage the run.
		err = e.runStep(ctx, run, spec, rc)
		run.Values = rc.Values()
		run.Secrets = rc.Secrets()
		run.Warnings = rc.Warnings()
		run.Devices = rc.Devices()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_ = e.store.ClearControl(context.Background(), run.ID)
				return e.failCancelled(run)
			}
			return e.fail(run, err)
		}
		if err := e.save(run); err != nil {
			return err
		}
	}

	run.Status = state.StatusCompleted
	if err := e.save(run); err != nil {
		return err
	}
	e.publishRun(run.ID, progress.StatusCompleted, "provisioning completed")
	return nil
}

func (e *Engine) runStep(ctx context.Context, run *state.Run, spec plan.StepSpec, rc *RunContext) error {
	step := run.Step(spec.Key)
	started := time.Now().UTC()
	step.Status = state.StepRunning
	step.StartedAt = &started
	step.LastError = ""
	if err := e.save(run); err != nil {
		return err
	}

	handler := e.handlers[spec.Key]
	reporter := e.hub.Reporter(run.ID, spec.Key)
	reporter.Progress(0, spec.Label)

	classify := func(error) retry.Class { return retry.Fatal }
	if c, ok := handler.(Classifier); ok {
		classify = c.Classify
	}

	opts := append([]retry.Option{}, e.retryOpts...)
	if rcfg, ok := handler.(RetryConfigurer); ok {
		opts = append(opts, rcfg.RetryOptions()...)
	}
	opts = append(opts, retry.WithOnAttempt(func(attempt int, err error) {
		step.Attempts = attempt
		step.LastError = err.Error()
		_ = e.save(run)
		reporter.WithAttempt(attempt).Warn(fmt.Sprintf("attempt %d failed: %v", attempt, err))
		// An out-of-process cancel request lands between attempts.
		if ctrl, cerr := e.store.Control(context.Background(), run.ID); cerr == nil && ctrl == state.ControlCancel {
			e.cancelActive(run.ID)
		}
	}))

	invocations := 0
	err := retry.Do(ctx, func(ctx context.Context) error {
		invocations++
		step.Attempts = invocations
		return handler.Run(ctx, rc, reporter.WithAttempt(invocations))
	}, classify, opts...)

	finished := time.Now().UTC()
	step.FinishedAt = &finished
	if err != nil {
		step.Status = state.StepFailed
		step.LastError = err.Error()
		_ = e.save(run)
		e.publishStep(run.ID, spec.Key, progress.StatusFailed, step.Percent, err.Error())
		return fmt.Errorf("step %s failed after %d attempts: %w", spec.Key, step.Attempts, err)
	}

	step.Status = state.StepCompleted
	step.Percent = 100
	step.LastError = ""
	if err := e.save(run); err != nil {
		return err
	}
	e.publishStep(run.ID, spec.Key, progress.StatusCompleted, 100, spec.Label+" completed")
	return nil
}

func (e *Engine) fail(run *state.Run, err error) error {
	run.Status = state.StatusFailed
	run.Error = err.Error()
	_ = e.save(run)
	e.publishRun(run.ID, progress.StatusFailed, err.Error())
	return err
}

func (e *Engine) failCancelled(run *state.Run) error {
	run.Status = state.StatusFailed
	run.Error = cancelMessage
	_ = e.save(run)
	e.publishRun(run.ID, progress.StatusFailed, cancelMessage)
	return ErrCancelled
}

func (e *Engine) save(run *state.Run) error {
	return e.store.Save(context.Background(), run)
}

func (e *Engine) publishRun(runID string, status progress.Status, message string) {
	e.hub.Publish(progress.Event{RunID: runID, Status: status, Message: message})
}

func (e *Engine) publishStep(runID, stepKey string, status progress.Status, percent int, message string) {
	e.hub.Publish(progress.Event{RunID: runID, Step: stepKey, Status: status, Percent: percent, Message: message})
}

func planToState(p *plan.Plan) []state.PlanStep {
	steps := p.Steps()
	out := make([]state.PlanStep, len(steps))
	for i, spec := range steps {
		out[i] = state.PlanStep{
			Key:            spec.Key,
			Label:          spec.Label,
			DependsOn:      spec.DependsOn,
			Parallelizable: spec.Parallelizable,
		}
	}
	return out
}

func stepsFromPlan(p *plan.Plan) []state.StepState {
	steps := p.Steps()
	out := make([]state.StepState, len(steps))
	for i, spec := range steps {
		out[i] = state.StepState{Key: spec.Key, Status: state.StepPending}
	}
	return out
}
