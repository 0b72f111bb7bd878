// Package pipeline drives devices through provisioning: push the cloud
// connection settings, deploy the matching application package, then
// activate the license. Devices advance independently through
// pending -> configuring -> deploying -> licensing -> success|error,
// with one deliberate exception: a license bound to another device
// blocks the whole phase.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/camforge/camforge/internal/artifacts"
	"github.com/camforge/camforge/internal/device"
	"github.com/camforge/camforge/internal/device/license"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
	"github.com/camforge/camforge/internal/util/async"
	"github.com/camforge/camforge/internal/util/netutil"
)

// Device management endpoints.
const (
	pathProperties = "/api/properties"
	pathSettings   = "/api/settings"
	pathInstall    = "/api/apps/install"
	pathLicense    = "/api/license"
)

const (
	// DefaultConcurrency matches the scanner's probe cap.
	DefaultConcurrency = 50

	defaultSettleDelay   = 10 * time.Second
	defaultLicenseDelay  = 10 * time.Second
	defaultUploadTimeout = 2 * time.Minute

	licenseAttempts   = 3
	configureAttempts = 3
)

// Settings is the cloud connection payload pushed to every device.
type Settings struct {
	ProjectRef   string `json:"projectRef"`
	GatewayURL   string `json:"gatewayUrl"`
	APIKey       string `json:"apiKey"`
	DatastoreURL string `json:"datastoreUrl"`
}

// PackageSource selects and reads device application packages.
type PackageSource interface {
	Select(osClass, arch string) (artifacts.Package, []byte, error)
}

// Client is the slice of the device protocol the pipeline uses.
type Client interface {
	Get(ctx context.Context, path string) (*protocol.Response, error)
	PostJSON(ctx context.Context, path string, payload any) (*protocol.Response, error)
	Upload(ctx context.Context, path string, data []byte, timeout time.Duration) (*protocol.Response, error)
}

// Config holds pipeline configuration.
type Config struct {
	Packages   PackageSource
	Settings   Settings
	LicenseKey string

	// Concurrency caps devices provisioned in parallel. If zero,
	// DefaultConcurrency is used.
	Concurrency int

	// SettleDelay is the fixed wait after an application install
	// before the device is addressed again.
	SettleDelay time.Duration

	// LicenseRetryDelay is the gap between activation attempts while a
	// device is rebooting.
	LicenseRetryDelay time.Duration
}

// Result is the aggregate of one device phase.
type Result struct {
	Outcomes []license.Outcome
	Warnings []string
}

// Pipeline provisions a fleet of devices.
type Pipeline struct {
	cfg        Config
	retryDelay time.Duration

	// newClient and waitReady are replaced by tests.
	newClient func(target *device.Target) (Client, error)
	waitReady func(ctx context.Context, target *device.Target) error
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Packages == nil {
		return nil, fmt.Errorf("config packages cannot be nil")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.LicenseRetryDelay == 0 {
		cfg.LicenseRetryDelay = defaultLicenseDelay
	}

	p := &Pipeline{cfg: cfg, retryDelay: 2 * time.Second}
	p.newClient = func(target *device.Target) (Client, error) {
		return protocol.NewClient(&protocol.Config{
			Host:        target.IP,
			Port:        target.Port,
			Credentials: target.Credentials,
		})
	}
	p.waitReady = func(ctx context.Context, target *device.Target) error {
		return netutil.WaitForPort(ctx, target.IP, target.Port, netutil.DeviceRebootWaitTimeout)
	}
	return p, nil
}

// Provision runs every target through the device state machine and
// returns per-device outcomes. Device failures land in the outcomes;
// the returned error is reserved for cancellation.
func (p *Pipeline) Provision(ctx context.Context, targets []*device.Target, reporter *progress.Reporter) (*Result, error) {
	if reporter == nil {
		reporter = progress.NewHub().Reporter("", "devices")
	}

	result := &Result{Outcomes: make([]license.Outcome, len(targets))}

	// A forbidden key must never reach a device: fail the whole batch
	// before any connection is made.
	if err := license.Validate(p.cfg.LicenseKey); err != nil {
		for i, target := range targets {
			target.Status = device.StatusError
			target.LastMessage = err.Error()
			result.Outcomes[i] = license.Resolve(target.ID, err, false)
			reporter.SubStep(target.ID, progress.StatusFailed, 100, err.Error())
		}
		return result, nil
	}

	var mu sync.Mutex
	appendWarning := func(w string) {
		mu.Lock()
		result.Warnings = append(result.Warnings, w)
		mu.Unlock()
	}

	indexes := make([]int, len(targets))
	for i := range indexes {
		indexes[i] = i
	}

	err := async.ForEachLimited(ctx, p.cfg.Concurrency, indexes, func(ctx context.Context, i int) error {
		target := targets[i]
		outcome := p.provisionOne(ctx, target, reporter, appendWarning)
		result.Outcomes[i] = outcome

		if outcome.State == license.StateFailed {
			target.Status = device.StatusError
		} else {
			target.Status = device.StatusSuccess
		}
		target.LastMessage = outcome.Message

		status := progress.StatusCompleted
		if target.Status == device.StatusError {
			status = progress.StatusFailed
		}
		reporter.SubStep(target.ID, status, 100, outcome.Message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// provisionOne walks a single device through configure, deploy, and
// license. Pre-license failures produce non-blocking failed outcomes;
// the license decision table owns everything after submission.
func (p *Pipeline) provisionOne(ctx context.Context, target *device.Target, reporter *progress.Reporter, warn func(string)) license.Outcome {
	client, err := p.newClient(target)
	if err != nil {
		return license.Outcome{
			DeviceID: target.ID,
			State:    license.StateFailed,
			Message:  fmt.Sprintf("connect: %v", err),
		}
	}

	target.Status = device.StatusConfiguring
	reporter.SubStep(target.ID, progress.StatusRunning, 10, "pushing connection settings")
	if err := p.configure(ctx, client); err != nil {
		return license.Outcome{
			DeviceID: target.ID,
			State:    license.StateFailed,
			Message:  fmt.Sprintf("configure: %v", err),
		}
	}

	target.Status = device.StatusDeploying
	reporter.SubStep(target.ID, progress.StatusRunning, 40, "deploying application package")
	if err := p.deploy(ctx, target, client, warn); err != nil {
		return license.Outcome{
			DeviceID: target.ID,
			State:    license.StateFailed,
			Message:  fmt.Sprintf("deploy: %v", err),
		}
	}

	target.Status = device.StatusLicensing
	reporter.SubStep(target.ID, progress.StatusRunning, 80, "activating license")
	activationErr := p.activate(ctx, client)
	verified := false
	if activationErr == nil {
		verified = p.verifyLicense(ctx, client)
	}
	return license.Resolve(target.ID, activationErr, verified)
}

// configure pushes the cloud connection settings.
func (p *Pipeline) configure(ctx context.Context, client Client) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		resp, err := client.PostJSON(ctx, pathSettings, p.cfg.Settings)
		if err != nil {
			return err
		}
		return resp.Err()
	}, protocol.Classify,
		retry.WithMaxAttempts(configureAttempts),
		retry.WithBaseDelay(p.retryDelay),
	)
}

// deviceProperties is the device's self-description.
type deviceProperties struct {
	Serial       string `json:"serial"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	Architecture string `json:"architecture"`
}

// deploy detects the device's firmware, selects the one matching
// package, uploads it, and waits out the install.
func (p *Pipeline) deploy(ctx context.Context, target *device.Target, client Client, warn func(string)) error {
	var props deviceProperties
	err := retry.Do(ctx, func(ctx context.Context) error {
		resp, err := client.Get(ctx, pathProperties)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return resp.JSON(&props)
	}, protocol.Classify, retry.WithMaxAttempts(configureAttempts), retry.WithBaseDelay(p.retryDelay))
	if err != nil {
		return fmt.Errorf("query properties: %w", err)
	}

	if props.Serial != "" {
		target.ID = props.Serial
	}
	target.Model = props.Model

	firmware, warnings, err := detectFirmware(props)
	if err != nil {
		return err
	}
	target.Firmware = firmware
	for _, w := range warnings {
		warn(fmt.Sprintf("%s: %s", target.ID, w))
	}

	pkg, payload, err := p.cfg.Packages.Select(firmware.OSClass, firmware.Architecture)
	if err != nil {
		return err
	}

	resp, err := client.Upload(ctx, pathInstall, payload, defaultUploadTimeout)
	if err != nil {
		return fmt.Errorf("upload %s: %w", pkg.File, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("install %s: %w", pkg.File, err)
	}

	// Fixed settle delay: the device unpacks and restarts its
	// application stack before it answers reliably again.
	select {
	case <-time.After(p.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := p.waitReady(ctx, target); err != nil {
		return fmt.Errorf("device did not come back after install: %w", err)
	}
	return nil
}

// licenseResponse is the device's answer to license operations.
type licenseResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// activate submits the license key. Transport failures retry with a
// fixed gap because the device may still be rebooting; the device's
// own verdicts are final.
func (p *Pipeline) activate(ctx context.Context, client Client) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		resp, err := client.PostJSON(ctx, pathLicense, map[string]string{"key": p.cfg.LicenseKey})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}

		var lr licenseResponse
		if err := resp.JSON(&lr); err != nil {
			return retry.MarkFatal(err)
		}
		switch lr.Code {
		case "":
		case "already_bound":
			return retry.MarkFatal(fmt.Errorf("%w: %s", license.ErrAlreadyBound, lr.Message))
		case "invalid_key":
			return retry.MarkFatal(fmt.Errorf("%w: %s", license.ErrInvalidKey, lr.Message))
		default:
			return retry.MarkFatal(fmt.Errorf("activation failed (%s): %s", lr.Code, lr.Message))
		}
		if lr.Status != "activated" && lr.Status != "ok" {
			return retry.MarkFatal(fmt.Errorf("unexpected activation status %q", lr.Status))
		}
		return nil
	}, protocol.Classify,
		retry.WithMaxAttempts(licenseAttempts),
		retry.WithBaseDelay(p.cfg.LicenseRetryDelay),
		retry.WithMaxDelay(p.cfg.LicenseRetryDelay),
	)
}

// verifyLicense confirms activation stuck. Any doubt reads as
// unverified; the outcome table turns that into "uncertain".
func (p *Pipeline) verifyLicense(ctx context.Context, client Client) bool {
	resp, err := client.Get(ctx, pathLicense)
	if err != nil || resp.Err() != nil {
		return false
	}
	var lr licenseResponse
	if err := resp.JSON(&lr); err != nil {
		return false
	}
	return lr.Status == "active" || lr.Status == "activated"
}

// modelHeuristics maps model prefixes to platform guesses for devices
// whose properties are incomplete.
var modelHeuristics = []struct {
	prefix  string
	osClass string
	arch    string
}{
	{"CF-2", "fleetos11", "aarch64"},
	{"CF-1", "fleetos10", "armv7hf"},
}

// detectFirmware resolves the platform a device runs. The firmware
// version is authoritative; the model prefix is a documented fallback
// that always produces a warning. An unresolvable device is an error,
// never a silent guess.
func detectFirmware(props deviceProperties) (device.Firmware, []string, error) {
	fw := device.Firmware{
		Version:      props.Firmware,
		Architecture: props.Architecture,
	}
	var warnings []string

	if major := majorVersion(props.Firmware); major > 0 {
		if major >= 11 {
			fw.OSClass = "fleetos11"
		} else {
			fw.OSClass = "fleetos10"
		}
	}

	if fw.OSClass == "" || fw.Architecture == "" {
		matched := false
		for _, h := range modelHeuristics {
			if strings.HasPrefix(props.Model, h.prefix) {
				if fw.OSClass == "" {
					fw.OSClass = h.osClass
					warnings = append(warnings, fmt.Sprintf("firmware version %q unusable, os class %s assumed from model %s", props.Firmware, h.osClass, props.Model))
				}
				if fw.Architecture == "" {
					fw.Architecture = h.arch
					warnings = append(warnings, fmt.Sprintf("architecture missing, %s assumed from model %s", h.arch, props.Model))
				}
				matched = true
				break
			}
		}
		if !matched && (fw.OSClass == "" || fw.Architecture == "") {
			return device.Firmware{}, nil, fmt.Errorf(
				"cannot determine platform: firmware %q, architecture %q, model %q",
				props.Firmware, props.Architecture, props.Model)
		}
	}

	return fw, warnings, nil
}

// majorVersion parses the leading number of a version string, 0 when
// unparsable.
func majorVersion(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
