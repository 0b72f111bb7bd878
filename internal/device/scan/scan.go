// Package scan discovers fleet devices on local networks. It expands
// address ranges into candidate hosts, probes them with a bounded
// worker pool, and fingerprints responsive hosts through the device
// protocol.
package scan

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/camforge/camforge/internal/device"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/util/async"
	"github.com/camforge/camforge/internal/util/netutil"
)

const (
	// DefaultConcurrency caps simultaneous probes. The device pipeline
	// shares this bound for per-device work.
	DefaultConcurrency = 50

	DefaultProbeTimeout = 1 * time.Second
	DefaultBudget       = 120 * time.Second
	DefaultMaxResults   = 1000
	DefaultPort         = 80

	minProbeTimeout = 100 * time.Millisecond
	maxProbeTimeout = 10 * time.Second
)

// EventType names a scan progress event.
type EventType string

const (
	// EventTotal announces the candidate count before probing starts.
	EventTotal EventType = "total"
	// EventScanning marks the start of one host's probe.
	EventScanning EventType = "scanning"
	// EventFound marks a host confirmed as a fleet device.
	EventFound EventType = "found"
	// EventError marks a probed host that is not a usable device.
	EventError EventType = "error"
	// EventNotScanned marks a host abandoned when the scan budget ran out.
	EventNotScanned EventType = "not_scanned"
)

// Event is one scan progress notification.
type Event struct {
	Type    EventType
	Address string
	Total   int
	Message string
}

// Options configures a Scanner. Zero values pick the defaults; probe
// timeouts outside [100ms, 10s] are clamped.
type Options struct {
	Port         int
	Credentials  protocol.Credentials
	ProbeTimeout time.Duration
	Budget       time.Duration
	Concurrency  int
	MaxResults   int
}

// Scanner probes address ranges for fleet devices.
type Scanner struct {
	opts Options

	// probe confirms one host. Tests replace it.
	probe func(ctx context.Context, host string) error
}

// New creates a Scanner.
func New(opts Options) (*Scanner, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if err := ValidatePort(opts.Port); err != nil {
		return nil, err
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ProbeTimeout < minProbeTimeout {
		opts.ProbeTimeout = minProbeTimeout
	}
	if opts.ProbeTimeout > maxProbeTimeout {
		opts.ProbeTimeout = maxProbeTimeout
	}
	if opts.Budget == 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxResults == 0 {
		opts.MaxResults = DefaultMaxResults
	}

	s := &Scanner{opts: opts}
	s.probe = s.defaultProbe
	return s, nil
}

func (s *Scanner) defaultProbe(ctx context.Context, host string) error {
	if err := netutil.ProbePort(host, s.opts.Port, s.opts.ProbeTimeout); err != nil {
		return err
	}
	return protocol.Fingerprint(ctx, host, s.opts.Port, s.opts.ProbeTimeout)
}

// Scan probes every candidate host in the given ranges and returns the
// confirmed devices, sorted by address. Probes past the scan budget are
// abandoned and reported as not_scanned; cancelling ctx aborts the scan
// with an error.
func (s *Scanner) Scan(ctx context.Context, ranges []string, onEvent func(Event)) ([]device.Target, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	hosts, err := Expand(ranges)
	if err != nil {
		return nil, err
	}
	onEvent(Event{Type: EventTotal, Total: len(hosts)})

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Budget)
	defer cancel()

	var mu sync.Mutex
	var targets []device.Target

	err = async.ForEachLimited(ctx, s.opts.Concurrency, hosts, func(_ context.Context, host string) error {
		if scanCtx.Err() != nil {
			onEvent(Event{Type: EventNotScanned, Address: host, Message: "scan budget exhausted"})
			return nil
		}
		onEvent(Event{Type: EventScanning, Address: host})

		done := make(chan error, 1)
		go func() { done <- s.probe(scanCtx, host) }()

		var probeErr error
		select {
		case probeErr = <-done:
			if scanCtx.Err() != nil && errors.Is(probeErr, context.DeadlineExceeded) {
				// The budget, not the host, killed this probe.
				onEvent(Event{Type: EventNotScanned, Address: host, Message: "scan budget exhausted"})
				return nil
			}
		case <-scanCtx.Done():
			// The probe finishes on its own timeout; its result no
			// longer matters.
			onEvent(Event{Type: EventNotScanned, Address: host, Message: "scan budget exhausted"})
			return nil
		}

		if probeErr != nil {
			onEvent(Event{Type: EventError, Address: host, Message: probeMessage(probeErr)})
			return nil
		}

		mu.Lock()
		if len(targets) >= s.opts.MaxResults {
			mu.Unlock()
			onEvent(Event{Type: EventError, Address: host, Message: "result cap reached, device ignored"})
			return nil
		}
		targets = append(targets, device.Target{
			ID:          host,
			IP:          host,
			Port:        s.opts.Port,
			Credentials: s.opts.Credentials,
			Status:      device.StatusPending,
		})
		mu.Unlock()
		onEvent(Event{Type: EventFound, Address: host})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(targets, func(i, j int) bool { return lessIP(targets[i].IP, targets[j].IP) })
	return targets, nil
}

// probeMessage maps a probe failure onto the scan vocabulary.
func probeMessage(err error) string {
	switch {
	case protocol.IsConnRefused(err):
		return "not present"
	case protocol.IsTimeout(err):
		return "unreachable or slow"
	case protocol.IsUnreachable(err):
		return "unreachable"
	case errors.Is(err, protocol.ErrNotDevice):
		return "not a managed device"
	default:
		return err.Error()
	}
}

func lessIP(a, b string) bool {
	pa, errA := parseHost(a)
	pb, errB := parseHost(b)
	if errA != nil || errB != nil {
		return a < b
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}
