// Package benchmarks provides timing estimates for provisioning steps.
package benchmarks

import (
	"time"

	"github.com/camforge/camforge/internal/state"
)

// DefaultTimings are median step durations from full deployments
// against a fresh project (seconds). Gateway assembly dominates; the
// managed gateway rollout alone routinely takes several minutes.
var DefaultTimings = map[string]int{
	"apis":        45,
	"accounts":    10,
	"roles":       15,
	"propagation": 150,
	"functions":   240,
	"gateway":     300,
	"federation":  40,
	"datastore":   60,
	"devices":     180,
}

// EstimateRemaining calculates the estimated time remaining from the
// run's step states, using recorded durations where steps finished and
// benchmark timings for everything still ahead.
func EstimateRemaining(steps []state.StepState, now time.Time) time.Duration {
	return EstimateRemainingWithScale(steps, now, PerformanceScale(steps, now))
}

// EstimateRemainingWithScale calculates ETA while applying a
// performance scale factor.
func EstimateRemainingWithScale(steps []state.StepState, now time.Time, scale float64) time.Duration {
	var remaining time.Duration

	for _, st := range steps {
		if st.Status == state.StepCompleted {
			continue
		}
		expectedSecs, ok := DefaultTimings[st.Key]
		if !ok {
			continue
		}
		expected := time.Duration(expectedSecs) * time.Second
		expected = time.Duration(float64(expected) * scale)

		if st.Status == state.StepRunning && st.StartedAt != nil {
			elapsed := now.Sub(*st.StartedAt)
			if expected > elapsed {
				remaining += expected - elapsed
			}
			continue
		}
		remaining += expected
	}

	return remaining
}

// PerformanceScale derives a speed multiplier from observed-vs-expected
// step durations. Example: expected 3m, observed 4m30s => scale=1.5
// (future ETAs are stretched by 50%).
func PerformanceScale(steps []state.StepState, now time.Time) float64 {
	var expectedTotal time.Duration
	var actualTotal time.Duration

	for _, st := range steps {
		expectedSecs, ok := DefaultTimings[st.Key]
		if !ok {
			continue
		}
		expected := time.Duration(expectedSecs) * time.Second

		switch {
		case st.Status == state.StepCompleted && st.StartedAt != nil && st.FinishedAt != nil:
			expectedTotal += expected
			actualTotal += st.FinishedAt.Sub(*st.StartedAt)
		case st.Status == state.StepRunning && st.StartedAt != nil:
			// Fold an overrunning step in immediately so the ETA
			// adapts before it finishes.
			if elapsed := now.Sub(*st.StartedAt); elapsed > expected {
				expectedTotal += expected
				actualTotal += elapsed
			}
		}
	}

	if expectedTotal == 0 || actualTotal == 0 {
		return 1.0
	}

	scale := float64(actualTotal) / float64(expectedTotal)
	if scale < 0.6 {
		return 0.6
	}
	if scale > 3.0 {
		return 3.0
	}
	return scale
}

// TotalEstimate returns the total estimated duration of a plan, given
// its step keys.
func TotalEstimate(keys []string) time.Duration {
	var total time.Duration
	for _, key := range keys {
		if secs, ok := DefaultTimings[key]; ok {
			total += time.Duration(secs) * time.Second
		}
	}
	return total
}
