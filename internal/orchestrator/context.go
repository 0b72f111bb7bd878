package orchestrator

import (
	"fmt"
	"sync"

	"github.com/camforge/camforge/internal/state"
)

// ProjectKey is the context key whose value is mirrored into the run
// record for listing. Callers seed it before Start.
const ProjectKey = "project"

// RunContext is the shared context steps use to pass produced
// identifiers to later steps. It is append-only: a key, once written,
// cannot change. Values persist with the run and survive restarts;
// Secrets persist sealed and never serialize in clear.
type RunContext struct {
	mu       sync.Mutex
	values   map[string]string
	secrets  map[string]string
	warnings []string
	devices  []state.DeviceOutcome
}

// NewRunContext creates an empty run context.
func NewRunContext() *RunContext {
	return &RunContext{
		values:  make(map[string]string),
		secrets: make(map[string]string),
	}
}

// NewRunContextFrom restores a run context from persisted maps.
func NewRunContextFrom(values, secrets map[string]string) *RunContext {
	rc := NewRunContext()
	for k, v := range values {
		rc.values[k] = v
	}
	for k, v := range secrets {
		rc.secrets[k] = v
	}
	return rc
}

// Put records a value. Writing an existing key with a different value
// is an error: steps downstream may already have read the old one, and
// a resumed run must see exactly what the original run produced.
// Re-putting the identical value is a no-op, which is what an
// idempotent handler does on re-run.
func (rc *RunContext) Put(key, value string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if existing, ok := rc.values[key]; ok && existing != value {
		return fmt.Errorf("context key %q already set to a different value", key)
	}
	rc.values[key] = value
	return nil
}

// Get returns a value and whether it was set.
func (rc *RunContext) Get(key string) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.values[key]
	return v, ok
}

// Value returns a value, empty when unset.
func (rc *RunContext) Value(key string) string {
	v, _ := rc.Get(key)
	return v
}

// PutSecret records a confidential value under the same append-only
// rule. Secrets are sealed at rest and excluded from every
// clear-text serialization.
func (rc *RunContext) PutSecret(key, value string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if existing, ok := rc.secrets[key]; ok && existing != value {
		return fmt.Errorf("context secret %q already set to a different value", key)
	}
	rc.secrets[key] = value
	return nil
}

// Secret returns a confidential value, empty when unset.
func (rc *RunContext) Secret(key string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.secrets[key]
}

// Values returns a copy of the plain values for persistence.
func (rc *RunContext) Values() map[string]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]string, len(rc.values))
	for k, v := range rc.values {
		out[k] = v
	}
	return out
}

// Secrets returns a copy of the confidential values for sealing.
func (rc *RunContext) Secrets() map[string]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]string, len(rc.secrets))
	for k, v := range rc.secrets {
		out[k] = v
	}
	return out
}

// AddWarning records an operator-visible warning on the run. Exact
// duplicates collapse, so an idempotent handler re-run does not stack
// the same warning twice.
func (rc *RunContext) AddWarning(w string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, existing := range rc.warnings {
		if existing == w {
			return
		}
	}
	rc.warnings = append(rc.warnings, w)
}

// Warnings returns a copy of the accumulated warnings.
func (rc *RunContext) Warnings() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, len(rc.warnings))
	copy(out, rc.warnings)
	return out
}

// SetDevices replaces the recorded device outcomes. The device phase
// recomputes the full set on every run, so replacement (not append) is
// what keeps a resumed run free of stale entries.
func (rc *RunContext) SetDevices(devices []state.DeviceOutcome) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.devices = make([]state.DeviceOutcome, len(devices))
	copy(rc.devices, devices)
}

// Devices returns a copy of the recorded device outcomes.
func (rc *RunContext) Devices() []state.DeviceOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]state.DeviceOutcome, len(rc.devices))
	copy(out, rc.devices)
	return out
}
