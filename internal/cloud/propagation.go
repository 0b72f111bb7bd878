package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

const (
	// propagationInterval paces the token probes. Fresh IAM grants
	// usually settle within a minute; a constant 2s keeps the probe
	// responsive without hammering the credentials API.
	propagationInterval = 2 * time.Second
	propagationAttempts = 30
)

// PropagationStep waits until every created account can actually mint
// a token. It mutates nothing; denials here mean "not yet", not "no".
//
// The step carries no classifier on purpose. Poll already absorbs the
// transient answers, so an error that escapes it is final.
type PropagationStep struct {
	accounts gcloud.AccountManager

	interval time.Duration
	attempts int
}

func NewPropagationStep(accounts gcloud.AccountManager, cfg Config) *PropagationStep {
	interval := cfg.PropagationPoll
	if interval <= 0 {
		interval = propagationInterval
	}
	attempts := propagationAttempts
	if cfg.PropagationWait > 0 {
		attempts = int(cfg.PropagationWait / interval)
		if attempts < 1 {
			attempts = 1
		}
	}
	return &PropagationStep{
		accounts: accounts,
		interval: interval,
		attempts: attempts,
	}
}

func (s *PropagationStep) Key() string { return StepPropagation }

func (s *PropagationStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	keys := []string{KeyDeviceAuthEmail, KeyTokenVendorEmail, KeyRuntimeEmail}

	for i, key := range keys {
		email := rc.Value(key)
		if email == "" {
			return fmt.Errorf("run context is missing %s; the accounts step must complete first", key)
		}
		reporter.SubStep(email, progress.StatusRunning, 0, "probing token mint")

		err := retry.Poll(ctx, func(ctx context.Context) (bool, error) {
			err := s.accounts.MintAccessToken(ctx, email)
			switch {
			case err == nil:
				return true, nil
			case gcloud.IsPermissionDenied(err), gcloud.IsNotFound(err):
				// The grant exists; the backend just has not seen it yet.
				return false, err
			case gcloud.Classify(err) == retry.Fatal:
				return false, retry.MarkFatal(err)
			default:
				return false, err
			}
		},
			retry.WithBaseDelay(s.interval),
			retry.WithMaxDelay(s.interval),
			retry.WithMaxAttempts(s.attempts),
		)
		if err != nil {
			reporter.SubStep(email, progress.StatusFailed, 100, "identity never became usable")
			return fmt.Errorf("account %s did not propagate: %w", email, withHint(err))
		}

		reporter.SubStep(email, progress.StatusCompleted, 100, "token mint succeeded")
		reporter.Progress((i+1)*100/len(keys), fmt.Sprintf("%s usable", email))
	}
	return nil
}
