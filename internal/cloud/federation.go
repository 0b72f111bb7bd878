package cloud

import (
	"context"
	"fmt"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

const (
	federationPoolID     = "camforge-pool"
	federationProviderID = "camforge-firebase"
)

// FederationStep creates the workload identity pool and the provider
// that trusts device sign-in tokens, both check-before-create.
type FederationStep struct {
	gcpStep
	federation gcloud.FederationManager
	project    string
	pollOpts   []retry.Option
}

func NewFederationStep(federation gcloud.FederationManager, cfg Config) *FederationStep {
	return &FederationStep{
		federation: federation,
		project:    cfg.Project,
		pollOpts:   defaultPollOpts(),
	}
}

func (s *FederationStep) Key() string { return StepFederation }

func (s *FederationStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	reporter.SubStep("pool", progress.StatusRunning, 0, "ensuring identity pool")
	if err := s.ensurePool(ctx); err != nil {
		reporter.SubStep("pool", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("pool", progress.StatusCompleted, 100, "ready")
	reporter.Progress(50, "identity pool ready")

	reporter.SubStep("provider", progress.StatusRunning, 0, "ensuring token provider")
	if err := s.ensureProvider(ctx); err != nil {
		reporter.SubStep("provider", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("provider", progress.StatusCompleted, 100, "ready")
	reporter.Progress(100, "identity federation configured")
	return nil
}

func (s *FederationStep) ensurePool(ctx context.Context) error {
	pool, err := s.federation.GetWorkloadPool(ctx, s.project, federationPoolID)
	switch {
	case err == nil && pool.State == "ACTIVE" && !pool.Disabled:
		return nil
	case err == nil:
	case gcloud.IsNotFound(err):
		_, err := s.federation.CreateWorkloadPool(ctx, s.project, federationPoolID, "CamForge devices")
		if err != nil && !gcloud.IsAlreadyExists(err) {
			return err
		}
	default:
		return err
	}

	// The federation API has no public operation reader, so readiness
	// is observed on the resource itself.
	err = retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		pool, err := s.federation.GetWorkloadPool(ctx, s.project, federationPoolID)
		if err != nil {
			if gcloud.IsNotFound(err) {
				return false, err
			}
			if gcloud.Classify(err) == retry.Fatal {
				return false, retry.MarkFatal(err)
			}
			return false, err
		}
		return pool.State == "ACTIVE" && !pool.Disabled, nil
	}, s.pollOpts...)
	if err != nil {
		return fmt.Errorf("identity pool %s never became active: %w", federationPoolID, err)
	}
	return nil
}

func (s *FederationStep) ensureProvider(ctx context.Context) error {
	provider, err := s.federation.GetWorkloadProvider(ctx, s.project, federationPoolID, federationProviderID)
	switch {
	case err == nil && provider.State == "ACTIVE":
		return nil
	case err == nil:
	case gcloud.IsNotFound(err):
		spec := gcloud.ProviderSpec{
			IssuerURI:        "https://securetoken.google.com/" + s.project,
			AllowedAudiences: []string{s.project},
			AttributeMapping: map[string]string{"google.subject": "assertion.sub"},
		}
		_, err := s.federation.CreateWorkloadProvider(ctx, s.project, federationPoolID, federationProviderID, spec)
		if err != nil && !gcloud.IsAlreadyExists(err) {
			return err
		}
	default:
		return err
	}

	err = retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		provider, err := s.federation.GetWorkloadProvider(ctx, s.project, federationPoolID, federationProviderID)
		if err != nil {
			if gcloud.IsNotFound(err) {
				return false, err
			}
			if gcloud.Classify(err) == retry.Fatal {
				return false, retry.MarkFatal(err)
			}
			return false, err
		}
		return provider.State == "ACTIVE", nil
	}, s.pollOpts...)
	if err != nil {
		return fmt.Errorf("token provider %s never became active: %w", federationProviderID, err)
	}
	return nil
}
