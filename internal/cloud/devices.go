package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camforge/camforge/internal/device"
	"github.com/camforge/camforge/internal/device/license"
	"github.com/camforge/camforge/internal/device/pipeline"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/device/scan"
	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/state"
)

// DeviceFleet configures the rollout onto the physical fleet. The
// duration fields default to the scanner's and pipeline's own values
// when left zero.
type DeviceFleet struct {
	Ranges      []string
	Credentials protocol.Credentials
	Port        int
	LicenseKey  string
	Packages    pipeline.PackageSource
	Concurrency int

	ProbeTimeout      time.Duration
	ScanBudget        time.Duration
	SettleDelay       time.Duration
	LicenseRetryDelay time.Duration

	// ObserveScan, when set, receives every scanner event in addition
	// to the step's own progress reporting. The metrics surface hangs
	// its probe counters here.
	ObserveScan func(scan.Event)
}

// DeviceStep discovers the fleet and runs the per-device provisioning
// pipeline against it, feeding outcomes back into the run document.
//
// The step carries no classifier: the scanner and pipeline already
// retry what is worth retrying, and a failure that escapes them needs
// an operator before a re-run can succeed.
type DeviceStep struct {
	fleet   DeviceFleet
	project string

	// scanFleet and provision are replaceable for tests.
	scanFleet func(ctx context.Context, onEvent func(scan.Event)) ([]device.Target, error)
	provision func(ctx context.Context, cfg pipeline.Config, targets []*device.Target, reporter *progress.Reporter) (*pipeline.Result, error)
}

// NewDeviceStep validates the fleet configuration up front: a
// forbidden license key never starts a run, let alone reaches a
// device.
func NewDeviceStep(cfg Config, fleet DeviceFleet) (*DeviceStep, error) {
	if len(fleet.Ranges) == 0 {
		return nil, errors.New("device step needs at least one scan range")
	}
	if err := license.Validate(fleet.LicenseKey); err != nil {
		return nil, err
	}
	scanner, err := scan.New(scan.Options{
		Port:         fleet.Port,
		Credentials:  fleet.Credentials,
		Concurrency:  fleet.Concurrency,
		ProbeTimeout: fleet.ProbeTimeout,
		Budget:       fleet.ScanBudget,
	})
	if err != nil {
		return nil, err
	}

	s := &DeviceStep{fleet: fleet, project: cfg.Project}
	s.scanFleet = func(ctx context.Context, onEvent func(scan.Event)) ([]device.Target, error) {
		return scanner.Scan(ctx, fleet.Ranges, onEvent)
	}
	s.provision = func(ctx context.Context, cfg pipeline.Config, targets []*device.Target, reporter *progress.Reporter) (*pipeline.Result, error) {
		p, err := pipeline.New(cfg)
		if err != nil {
			return nil, err
		}
		return p.Provision(ctx, targets, reporter)
	}
	return s, nil
}

func (s *DeviceStep) Key() string { return StepDevices }

func (s *DeviceStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	host := rc.Value(KeyGatewayHost)
	apiKey := rc.Secret(KeyGatewayAPIKey)
	if host == "" || apiKey == "" {
		return errors.New("run context is missing gateway access; the gateway step must complete first")
	}

	reporter.Progress(0, fmt.Sprintf("scanning %s", strings.Join(s.fleet.Ranges, ", ")))
	var total, probed, found int
	targets, err := s.scanFleet(ctx, func(ev scan.Event) {
		if s.fleet.ObserveScan != nil {
			s.fleet.ObserveScan(ev)
		}
		switch ev.Type {
		case scan.EventTotal:
			total = ev.Total
			reporter.Info(fmt.Sprintf("probing %d addresses", ev.Total))
		case scan.EventFound:
			found++
			reporter.SubStep(ev.Address, progress.StatusRunning, 0, "device found")
		case scan.EventError, scan.EventNotScanned:
			probed++
			// The scan occupies the first 30 percent of the step.
			if total > 0 {
				reporter.Progress(probed*30/total, fmt.Sprintf("%d of %d addresses probed", probed, total))
			}
		}
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no devices found on %s", strings.Join(s.fleet.Ranges, ", "))
	}
	reporter.Progress(30, fmt.Sprintf("%d devices found", len(targets)))

	ptrs := make([]*device.Target, len(targets))
	for i := range targets {
		ptrs[i] = &targets[i]
	}

	settings := pipeline.Settings{
		ProjectRef:   s.project,
		GatewayURL:   "https://" + host,
		APIKey:       apiKey,
		DatastoreURL: fmt.Sprintf("https://firestore.googleapis.com/v1/projects/%s/databases/(default)/documents", s.project),
	}
	result, err := s.provision(ctx, pipeline.Config{
		Packages:          s.fleet.Packages,
		Settings:          settings,
		LicenseKey:        s.fleet.LicenseKey,
		Concurrency:       s.fleet.Concurrency,
		SettleDelay:       s.fleet.SettleDelay,
		LicenseRetryDelay: s.fleet.LicenseRetryDelay,
	}, ptrs, reporter)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		rc.AddWarning(w)
		reporter.Warn(w)
	}
	rc.SetDevices(deviceOutcomes(ptrs, result.Outcomes))

	ok, blocking := license.Summarize(result.Outcomes)
	if len(blocking) > 0 {
		return fmt.Errorf("license failures block the rollout: %s", blockingSummary(blocking))
	}
	if !ok {
		return errors.New("no device finished provisioning; see per-device outcomes")
	}

	succeeded := 0
	for _, t := range ptrs {
		if t.Status == device.StatusSuccess {
			succeeded++
		}
	}
	reporter.Progress(100, fmt.Sprintf("%d of %d devices provisioned", succeeded, len(ptrs)))
	return nil
}

// deviceOutcomes merges discovery results with license verdicts into
// the audit records kept on the run document.
func deviceOutcomes(targets []*device.Target, outcomes []license.Outcome) []state.DeviceOutcome {
	byID := make(map[string]license.Outcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.DeviceID] = o
	}

	out := make([]state.DeviceOutcome, 0, len(targets))
	for _, t := range targets {
		rec := state.DeviceOutcome{
			Address:  t.Address(),
			Model:    t.Model,
			Firmware: t.Firmware.Version,
			Status:   string(t.Status),
		}
		if o, found := byID[t.ID]; found {
			rec.License = string(o.State)
		}
		if t.Status == device.StatusError {
			rec.Error = t.LastMessage
		}
		out = append(out, rec)
	}
	return out
}

func blockingSummary(blocking []license.Outcome) string {
	parts := make([]string, len(blocking))
	for i, o := range blocking {
		parts[i] = fmt.Sprintf("%s (%s)", o.DeviceID, o.Message)
	}
	return strings.Join(parts, "; ")
}
