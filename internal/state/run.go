// Package state persists provisioning runs. A run is a JSON document
// keyed by run ID in a local SQLite database; device credentials inside
// it are sealed with an authenticated cipher before they touch disk.
//
// The document is the source of truth for resume: after a crash or an
// operator pause, the engine reloads the run and continues from the
// first step that has not completed.
package state

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Control is an operator request recorded out-of-band of the run
// document, consumed by the engine at the next safe point. Keeping it
// in its own column means a pause request can never be clobbered by a
// concurrent document save from the engine process.
type Control string

const (
	ControlNone   Control = ""
	ControlPause  Control = "pause"
	ControlCancel Control = "cancel"
)

// PlanStep is the persisted shape of one plan entry. The run document
// carries its whole plan so a resume rebuilds the exact graph the run
// started with; the plan is immutable once the run exists.
type PlanStep struct {
	Key            string   `json:"key"`
	Label          string   `json:"label"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	Parallelizable bool     `json:"parallelizable,omitempty"`
}

// StepState is the persisted state of one step of a run.
type StepState struct {
	Key        string     `json:"key"`
	Status     StepStatus `json:"status"`
	Percent    int        `json:"percent"`
	Sub        string     `json:"sub,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// DeviceOutcome records the final disposition of one device in the
// fleet configuration step, kept in the run document for audit.
type DeviceOutcome struct {
	Address  string `json:"address"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Status   string `json:"status"`
	License  string `json:"license,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run is a provisioning run. Values is the append-only shared context
// steps use to pass produced identifiers (account emails, endpoint
// hosts, datastore names) to later steps. Secrets is the confidential
// part of that context; it is sealed at rest and never serialized in
// clear.
type Run struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Status    Status            `json:"status"`
	Plan      []PlanStep        `json:"plan"`
	Steps     []StepState       `json:"steps"`
	Values    map[string]string `json:"values,omitempty"`
	Secrets   map[string]string `json:"-"`
	Devices   []DeviceOutcome   `json:"devices,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Step returns the step with the given key, or nil.
func (r *Run) Step(key string) *StepState {
	for i := range r.Steps {
		if r.Steps[i].Key == key {
			return &r.Steps[i]
		}
	}
	return nil
}

// FirstIncomplete returns the first step that has not completed, which
// is where a resumed run picks up. Returns nil when every step is done.
func (r *Run) FirstIncomplete() *StepState {
	for i := range r.Steps {
		if r.Steps[i].Status != StepCompleted {
			return &r.Steps[i]
		}
	}
	return nil
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string
	Project   string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
