// Package handlers implements the business logic for CLI commands.
//
// This package contains handler functions that are called by command
// definitions in the commands package. Handlers are framework-agnostic
// and can be tested independently of the CLI framework.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"github.com/camforge/camforge/internal/artifacts"
	"github.com/camforge/camforge/internal/cloud"
	"github.com/camforge/camforge/internal/config"
	"github.com/camforge/camforge/internal/device/license"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/device/scan"
	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
	"github.com/camforge/camforge/internal/state"
)

// Run-context secret names. Sealed into the run document so a resume
// does not need the license key or device password passed again.
const (
	secretLicenseKey     = "license.key"
	secretDevicePassword = "device.password"
)

// RunOptions carries the flags shared by deploy and resume.
type RunOptions struct {
	ConfigPath string
	LicenseKey string
	ListenAddr string
	Plain      bool
}

// Factory function variables - can be replaced in tests for dependency injection.
var (
	// loadConfigFile loads config from file.
	loadConfigFile = config.LoadFile

	// loadTimeouts loads the env-tunable timeout set.
	loadTimeouts = config.LoadTimeouts

	// openStateStore opens the run store in the state directory.
	openStateStore = state.Open

	// newControlPlane creates a cloud control-plane client from an
	// access token.
	newControlPlane = func(token string) gcloud.ControlPlane {
		return gcloud.NewClient(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	// openArtifactStore opens the local package cache.
	openArtifactStore = artifacts.Open

	// newGitHubSource creates a GitHub release artifact source.
	newGitHubSource = func(token, owner, repo, tag string) artifacts.Source {
		return artifacts.NewGitHubSource(token, owner, repo, tag)
	}

	// newS3Source creates an S3 artifact source.
	newS3Source = func(endpoint, region, accessKey, secretKey, bucket, prefix string) (artifacts.Source, error) {
		return artifacts.NewS3Source(endpoint, region, accessKey, secretKey, bucket, prefix)
	}

	// newDeviceStep builds the fleet rollout handler.
	newDeviceStep = func(cfg cloud.Config, fleet cloud.DeviceFleet) (orchestrator.Handler, error) {
		return cloud.NewDeviceStep(cfg, fleet)
	}

	// newEngine builds the run engine.
	newEngine = orchestrator.New

	// writeFile writes data to a file (for testing injection).
	writeFile = os.WriteFile
)

// Deploy provisions the cloud backend and configures the camera fleet
// as one persisted run.
//
// The workflow:
//  1. Loads and validates the fleet configuration
//  2. Resolves and vets the license key before anything runs
//  3. Opens the run store and assembles the step handlers, syncing the
//     device package cache when a remote source is configured
//  4. Starts the run and renders progress until it reaches a final
//     state (dashboard on a terminal, log lines otherwise)
//
// The run document is saved after every step, so a failed or paused
// run continues with Resume instead of starting over. Cloud calls
// authenticate with the CAMFORGE_GCP_TOKEN environment variable.
func Deploy(ctx context.Context, opts RunOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	withDevices := cfg.FeatureEnabled(config.FeatureDevices)
	licenseKey, err := resolveLicenseKey(opts.LicenseKey, withDevices)
	if err != nil {
		return err
	}

	st, err := openStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	hub := progress.NewHub()
	srv, err := buildServer(hub, st, opts.ListenAddr)
	if err != nil {
		return err
	}

	spec := engineSpec{
		withDevices:    withDevices,
		licenseKey:     licenseKey,
		devicePassword: cfg.DeviceCredentials.Password,
	}
	if srv != nil {
		spec.observeScan = srv.Metrics().ObserveScan
	}
	eng, err := buildEngine(ctx, cfg, st, hub, spec)
	if err != nil {
		return err
	}

	p, err := cloud.BuildPlanFor(cfg.FeatureEnabled)
	if err != nil {
		return err
	}
	rc, err := seedRunContext(cfg, licenseKey)
	if err != nil {
		return err
	}

	log.Printf("Deploying project %s in %s", cfg.ProjectRef, cfg.Region)
	runID, err := eng.Start(ctx, p, rc)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	log.Printf("run %s started", runID)

	return observeRun(ctx, eng, srv, runID, opts)
}

// Resume continues a persisted run from its first incomplete step.
//
// The run document carries the plan the run started with plus the
// sealed credentials, so the same handlers are rebuilt even when the
// configuration file has changed since the deploy.
func Resume(ctx context.Context, runID string, opts RunOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
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

	// The persisted plan decides whether the device step is needed, not
	// the current feature list: a resume finishes the run it was given.
	withDevices := run.Step(cloud.StepDevices) != nil

	licenseKey := run.Secrets[secretLicenseKey]
	if licenseKey == "" {
		licenseKey = os.Getenv("CAMFORGE_LICENSE_KEY")
	}
	if withDevices && licenseKey == "" {
		return fmt.Errorf("run %s has no stored license key; set CAMFORGE_LICENSE_KEY and retry", runID)
	}

	devicePassword := run.Secrets[secretDevicePassword]
	if devicePassword == "" {
		devicePassword = cfg.DeviceCredentials.Password
	}

	hub := progress.NewHub()
	srv, err := buildServer(hub, st, opts.ListenAddr)
	if err != nil {
		return err
	}

	spec := engineSpec{
		withDevices:    withDevices,
		licenseKey:     licenseKey,
		devicePassword: devicePassword,
	}
	if srv != nil {
		spec.observeScan = srv.Metrics().ObserveScan
	}
	eng, err := buildEngine(ctx, cfg, st, hub, spec)
	if err != nil {
		return err
	}

	log.Printf("Resuming run %s for project %s", runID, run.Project)
	if err := eng.Resume(ctx, runID); err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}

	return observeRun(ctx, eng, srv, runID, opts)
}

// loadConfig loads and validates the fleet configuration. If
// configPath is empty, camforge.yaml in the current directory is used.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.DefaultPath
	}
	cfg, err := loadConfigFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no config file at %s\nRun 'camforge init' to create one", configPath)
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// resolveLicenseKey picks the key from the flag or CAMFORGE_LICENSE_KEY
// and rejects placeholder keys before anything is provisioned.
func resolveLicenseKey(flagValue string, required bool) (string, error) {
	key := flagValue
	if key == "" {
		key = strings.TrimSpace(os.Getenv("CAMFORGE_LICENSE_KEY"))
	}
	if key == "" {
		if required {
			return "", fmt.Errorf("a license key is required when the devices feature is enabled; pass --license-key or set CAMFORGE_LICENSE_KEY")
		}
		return "", nil
	}
	if err := license.Validate(key); err != nil {
		return "", err
	}
	return key, nil
}

// controlPlaneFromEnv creates the cloud client using CAMFORGE_GCP_TOKEN
// from the environment.
func controlPlaneFromEnv() (gcloud.ControlPlane, error) {
	token := strings.TrimSpace(os.Getenv("CAMFORGE_GCP_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("CAMFORGE_GCP_TOKEN environment variable is required (try: gcloud auth print-access-token)")
	}
	return newControlPlane(token), nil
}

// engineSpec collects what buildEngine needs beyond the configuration
// file: per-run credentials and the optional scanner observer.
type engineSpec struct {
	withDevices    bool
	licenseKey     string
	devicePassword string
	observeScan    func(scan.Event)
}

// buildEngine assembles the run engine: the control-plane steps plus,
// when the run includes them, the device rollout.
func buildEngine(ctx context.Context, cfg *config.Config, st *state.Store, hub *progress.Hub, spec engineSpec) (*orchestrator.Engine, error) {
	cp, err := controlPlaneFromEnv()
	if err != nil {
		return nil, err
	}

	timeouts := loadTimeouts()
	cloudCfg := cloud.Config{
		Project:         cfg.ProjectRef,
		Region:          cfg.Region,
		PropagationPoll: timeouts.PropagationPoll,
		PropagationWait: timeouts.PropagationWait,
	}
	handlers := cloud.Steps(cp, cloudCfg)

	if spec.withDevices {
		packages, err := prepareArtifacts(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deviceStep, err := newDeviceStep(cloudCfg, cloud.DeviceFleet{
			Ranges: cfg.ScanRanges,
			Credentials: protocol.Credentials{
				Username: cfg.DeviceCredentials.Username,
				Password: spec.devicePassword,
			},
			Port:              cfg.DevicePort,
			LicenseKey:        spec.licenseKey,
			Packages:          packages,
			ProbeTimeout:      timeouts.ProbeTimeout,
			ScanBudget:        timeouts.ScanBudget,
			SettleDelay:       timeouts.SettleDelay,
			LicenseRetryDelay: timeouts.LicenseRetryDelay,
			ObserveScan:       spec.observeScan,
		})
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, deviceStep)
	}

	return newEngine(orchestrator.Config{
		Store:    st,
		Hub:      hub,
		Handlers: handlers,
		RetryOptions: []retry.Option{
			retry.WithMaxAttempts(timeouts.RetryMaxAttempts),
			retry.WithBaseDelay(timeouts.RetryInitialDelay),
		},
	})
}

// prepareArtifacts opens the device package cache, syncing it from the
// configured remote source first. A hand-managed cache just needs its
// manifest present.
func prepareArtifacts(ctx context.Context, cfg *config.Config) (*artifacts.Store, error) {
	src, err := packageSource(cfg)
	if err != nil {
		return nil, err
	}

	dir := cfg.Artifacts.CacheDir
	if src != nil {
		if err := fetchManifest(ctx, src, dir); err != nil {
			return nil, err
		}
	}

	store, err := openArtifactStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact cache: %w\nPopulate %s or configure artifacts.source", err, dir)
	}
	if src != nil {
		if err := store.Sync(ctx, src); err != nil {
			return nil, fmt.Errorf("failed to sync artifacts: %w", err)
		}
	}
	return store, nil
}

// packageSource builds the remote artifact source named in the
// configuration, or nil when the cache is managed by hand.
func packageSource(cfg *config.Config) (artifacts.Source, error) {
	switch cfg.Artifacts.Source {
	case "github":
		gh := cfg.Artifacts.GitHub
		return newGitHubSource(os.Getenv("GITHUB_TOKEN"), gh.Owner, gh.Repo, gh.Tag), nil
	case "s3":
		s3 := cfg.Artifacts.S3
		return newS3Source(s3.Endpoint, s3.Region,
			os.Getenv("CAMFORGE_S3_ACCESS_KEY"), os.Getenv("CAMFORGE_S3_SECRET_KEY"),
			s3.Bucket, s3.Prefix)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown artifact source %q", cfg.Artifacts.Source)
}

// fetchManifest pulls the package manifest from the source into the
// cache directory, so a fresh cache can bootstrap itself.
func fetchManifest(ctx context.Context, src artifacts.Source, dir string) error {
	body, err := src.Fetch(ctx, artifacts.ManifestFileName)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact cache: %w", err)
	}
	if err := writeFile(filepath.Join(dir, artifacts.ManifestFileName), raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// seedRunContext carries the configuration into the run document: the
// project for labeling, sealed credentials for resume.
func seedRunContext(cfg *config.Config, licenseKey string) (*orchestrator.RunContext, error) {
	rc := orchestrator.NewRunContext()
	if err := rc.Put(orchestrator.ProjectKey, cfg.ProjectRef); err != nil {
		return nil, err
	}
	if licenseKey != "" {
		if err := rc.PutSecret(secretLicenseKey, licenseKey); err != nil {
			return nil, err
		}
	}
	if pw := cfg.DeviceCredentials.Password; pw != "" {
		if err := rc.PutSecret(secretDevicePassword, pw); err != nil {
			return nil, err
		}
	}
	return rc, nil
}
