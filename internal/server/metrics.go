package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/camforge/camforge/internal/cloud"
	"github.com/camforge/camforge/internal/device/scan"
	"github.com/camforge/camforge/internal/progress"
)

// Metrics derives Prometheus counters from the run event stream. It
// owns a private registry so a test (or a second server) never trips
// over duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	stepsStarted  prometheus.Counter
	stepsTotal    *prometheus.CounterVec
	retryAttempts prometheus.Counter
	devicesTotal  *prometheus.CounterVec
	scanProbes    prometheus.Counter

	mu sync.Mutex
	// attempt watermark per run/step, so replayed or duplicate events
	// never double-count retries
	attempts map[stepKey]int
	running  map[stepKey]bool
}

type stepKey struct {
	runID string
	step  string
}

// NewMetrics builds the collector and registers its counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "run",
				Name:      "runs_total",
				Help:      "Total number of runs reaching a terminal or paused state",
			},
			[]string{"status"},
		),
		stepsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "run",
				Name:      "steps_started_total",
				Help:      "Total number of step executions begun",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "run",
				Name:      "steps_total",
				Help:      "Total number of step executions finished by status",
			},
			[]string{"status"},
		),
		retryAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "run",
				Name:      "step_retry_attempts_total",
				Help:      "Total number of step attempts beyond each step's first",
			},
		),
		devicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "device",
				Name:      "devices_total",
				Help:      "Total number of devices reaching a terminal configuration status",
			},
			[]string{"status"},
		),
		scanProbes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "camforge",
				Subsystem: "scan",
				Name:      "probes_total",
				Help:      "Total number of host probes attempted during discovery scans",
			},
		),
		attempts: make(map[stepKey]int),
		running:  make(map[stepKey]bool),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.stepsStarted,
		m.stepsTotal,
		m.retryAttempts,
		m.devicesTotal,
		m.scanProbes,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe folds one progress event into the counters.
func (m *Metrics) Observe(ev progress.Event) {
	// Run-level events carry no step.
	if ev.Step == "" {
		if ev.Terminal() {
			m.runsTotal.WithLabelValues(string(ev.Status)).Inc()
		}
		return
	}

	// Device sub-steps reach a terminal status exactly once per device.
	if ev.Sub != "" {
		if ev.Step == cloud.StepDevices && (ev.Status == progress.StatusCompleted || ev.Status == progress.StatusFailed) {
			m.devicesTotal.WithLabelValues(string(ev.Status)).Inc()
		}
		return
	}

	key := stepKey{runID: ev.RunID, step: ev.Step}

	m.mu.Lock()
	switch ev.Status {
	case progress.StatusRunning:
		if !m.running[key] {
			m.running[key] = true
			m.stepsStarted.Inc()
		}
		if ev.Attempt > 0 {
			prev := m.attempts[key]
			if prev == 0 {
				prev = 1
			}
			if ev.Attempt > prev {
				m.retryAttempts.Add(float64(ev.Attempt - prev))
			}
			if ev.Attempt > m.attempts[key] {
				m.attempts[key] = ev.Attempt
			}
		}
	case progress.StatusCompleted, progress.StatusFailed:
		m.running[key] = false
		m.attempts[key] = 0
		m.stepsTotal.WithLabelValues(string(ev.Status)).Inc()
	case progress.StatusPaused:
		// A paused step resumes as a fresh execution.
		m.running[key] = false
		m.attempts[key] = 0
	}
	m.mu.Unlock()
}

// ObserveScan folds one scanner event into the probe counter.
func (m *Metrics) ObserveScan(ev scan.Event) {
	if ev.Type == scan.EventScanning {
		m.scanProbes.Inc()
	}
}
