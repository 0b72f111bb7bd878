package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	_ "embed"
	"errors"
	"fmt"
	"text/template"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

//go:embed assets/openapi.yaml.tmpl
var openapiTemplate string

const (
	gatewayAPIID      = "camforge-api"
	gatewayInstanceID = "camforge-gateway"
	gatewayKeyID      = "camforge-gateway-key"
	gatewayKeyName    = "CamForge gateway key"
)

// openapiParams fills the bundled gateway surface definition.
type openapiParams struct {
	Title          string
	DeviceAuthURL  string
	TokenVendorURL string
}

// GatewayStep assembles the device-facing API: the managed service,
// a config revision routing to the deployed functions, the serving
// gateway, and the API key devices present. Each layer is
// check-before-create, so a resume re-enters the sequence safely.
type GatewayStep struct {
	gcpStep
	gateways gcloud.GatewayManager
	project  string
	region   string
	pollOpts []retry.Option
}

func NewGatewayStep(gateways gcloud.GatewayManager, cfg Config) *GatewayStep {
	return &GatewayStep{
		gateways: gateways,
		project:  cfg.Project,
		region:   cfg.Region,
		pollOpts: defaultPollOpts(),
	}
}

func (s *GatewayStep) Key() string { return StepGateway }

func (s *GatewayStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	deviceAuthURL := rc.Value(KeyDeviceAuthURL)
	tokenVendorURL := rc.Value(KeyTokenVendorURL)
	if deviceAuthURL == "" || tokenVendorURL == "" {
		return errors.New("run context is missing function URLs; the functions step must complete first")
	}

	reporter.SubStep("api", progress.StatusRunning, 0, "ensuring managed service")
	api, err := s.ensureAPI(ctx)
	if err != nil {
		reporter.SubStep("api", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("api", progress.StatusCompleted, 100, "ready")
	reporter.Progress(25, "managed service ready")

	doc, err := renderOpenAPI(openapiParams{
		Title:          "CamForge Device API",
		DeviceAuthURL:  deviceAuthURL,
		TokenVendorURL: tokenVendorURL,
	})
	if err != nil {
		return err
	}
	// The config ID is derived from the document, so re-running with
	// unchanged routes reuses the revision instead of stacking one per
	// attempt.
	configID := configIDFor(doc)

	reporter.SubStep("config", progress.StatusRunning, 0, "ensuring config revision "+configID)
	configName, err := s.ensureConfig(ctx, configID, doc)
	if err != nil {
		reporter.SubStep("config", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("config", progress.StatusCompleted, 100, "ready")
	reporter.Progress(50, "config revision ready")

	reporter.SubStep("gateway", progress.StatusRunning, 0, "ensuring gateway")
	host, err := s.ensureGateway(ctx, configName)
	if err != nil {
		reporter.SubStep("gateway", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("gateway", progress.StatusCompleted, 100, host)
	reporter.Progress(75, "gateway serving")

	reporter.SubStep("apikey", progress.StatusRunning, 0, "ensuring api key")
	key, err := s.ensureAPIKey(ctx, api.ManagedService)
	if err != nil {
		reporter.SubStep("apikey", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("apikey", progress.StatusCompleted, 100, "ready")

	if err := rc.Put(KeyGatewayHost, host); err != nil {
		return err
	}
	if err := rc.PutSecret(KeyGatewayAPIKey, key); err != nil {
		return err
	}
	reporter.Progress(100, "gateway reachable at "+host)
	return nil
}

func (s *GatewayStep) ensureAPI(ctx context.Context) (*gcloud.API, error) {
	api, err := s.gateways.GetAPI(ctx, s.project, gatewayAPIID)
	if err == nil {
		return api, nil
	}
	if !gcloud.IsNotFound(err) {
		return nil, err
	}

	op, err := s.gateways.CreateAPI(ctx, s.project, gatewayAPIID)
	if err != nil && !gcloud.IsAlreadyExists(err) {
		return nil, err
	}
	if op != nil {
		if err := waitOperation(ctx, s.gateways.GatewayOperation, op.Name, s.pollOpts); err != nil {
			return nil, err
		}
	}
	return s.gateways.GetAPI(ctx, s.project, gatewayAPIID)
}

func (s *GatewayStep) ensureConfig(ctx context.Context, configID string, doc []byte) (string, error) {
	configName := fmt.Sprintf("projects/%s/locations/global/apis/%s/configs/%s", s.project, gatewayAPIID, configID)

	_, err := s.gateways.GetAPIConfig(ctx, s.project, gatewayAPIID, configID)
	if err == nil {
		return configName, nil
	}
	if !gcloud.IsNotFound(err) {
		return "", err
	}

	op, err := s.gateways.CreateAPIConfig(ctx, s.project, gatewayAPIID, configID, doc)
	if err != nil && !gcloud.IsAlreadyExists(err) {
		return "", err
	}
	if op != nil {
		if err := waitOperation(ctx, s.gateways.GatewayOperation, op.Name, s.pollOpts); err != nil {
			return "", err
		}
	}
	return configName, nil
}

func (s *GatewayStep) ensureGateway(ctx context.Context, configName string) (string, error) {
	gw, err := s.gateways.GetGateway(ctx, s.project, s.region, gatewayInstanceID)
	switch {
	case err == nil:
	case gcloud.IsNotFound(err):
		op, err := s.gateways.CreateGateway(ctx, s.project, s.region, gatewayInstanceID, configName)
		if err != nil && !gcloud.IsAlreadyExists(err) {
			return "", err
		}
		if op != nil {
			if err := waitOperation(ctx, s.gateways.GatewayOperation, op.Name, s.pollOpts); err != nil {
				return "", err
			}
		}
	default:
		return "", err
	}

	// The instance can report CREATING for a while after its operation
	// finishes. Wait until it serves and has a hostname.
	err = retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		gw, err = s.gateways.GetGateway(ctx, s.project, s.region, gatewayInstanceID)
		if err != nil {
			if gcloud.Classify(err) == retry.Fatal {
				return false, retry.MarkFatal(err)
			}
			return false, err
		}
		return gw.Ready() && gw.DefaultHostname != "", nil
	}, s.pollOpts...)
	if err != nil {
		return "", fmt.Errorf("gateway %s never became ready: %w", gatewayInstanceID, err)
	}
	return gw.DefaultHostname, nil
}

func (s *GatewayStep) ensureAPIKey(ctx context.Context, managedService string) (string, error) {
	_, err := s.gateways.GetAPIKey(ctx, s.project, gatewayKeyID)
	switch {
	case err == nil:
	case gcloud.IsNotFound(err):
		op, err := s.gateways.CreateAPIKey(ctx, s.project, gatewayKeyID, gatewayKeyName, managedService)
		if err != nil && !gcloud.IsAlreadyExists(err) {
			return "", err
		}
		if op != nil {
			if err := waitOperation(ctx, s.gateways.APIKeyOperation, op.Name, s.pollOpts); err != nil {
				return "", err
			}
		}
	default:
		return "", err
	}
	return s.gateways.APIKeyString(ctx, s.project, gatewayKeyID)
}

func configIDFor(doc []byte) string {
	sum := sha256.Sum256(doc)
	return "cfg-" + hex.EncodeToString(sum[:])[:10]
}

func renderOpenAPI(p openapiParams) ([]byte, error) {
	tmpl, err := template.New("openapi").Parse(openapiTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse gateway surface template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render gateway surface: %w", err)
	}
	return buf.Bytes(), nil
}
