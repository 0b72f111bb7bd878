package cloud

import (
	"context"
	"fmt"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
)

// roleGrants maps each account to its project-level roles. The signing
// accounts need Token Creator to sign as themselves; the runtime
// account is what devices act as, so it owns the datastore and reads
// deployment artifacts.
var roleGrants = []struct {
	ContextKey string
	Roles      []string
}{
	{KeyDeviceAuthEmail, []string{"roles/iam.serviceAccountTokenCreator"}},
	{KeyTokenVendorEmail, []string{"roles/iam.serviceAccountTokenCreator"}},
	{KeyRuntimeEmail, []string{"roles/datastore.owner", "roles/storage.objectViewer"}},
}

// RolesStep binds the role set onto the accounts the previous step
// published. Existing grants are left alone.
type RolesStep struct {
	gcpStep
	policies gcloud.PolicyManager
	project  string
}

func NewRolesStep(policies gcloud.PolicyManager, cfg Config) *RolesStep {
	return &RolesStep{policies: policies, project: cfg.Project}
}

func (s *RolesStep) Key() string { return StepRoles }

func (s *RolesStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	total := 0
	for _, grant := range roleGrants {
		total += len(grant.Roles)
	}

	granted := 0
	for _, grant := range roleGrants {
		email := rc.Value(grant.ContextKey)
		if email == "" {
			return fmt.Errorf("run context is missing %s; the accounts step must complete first", grant.ContextKey)
		}
		member := "serviceAccount:" + email

		for _, role := range grant.Roles {
			changed, err := s.policies.EnsureBinding(ctx, s.project, role, member)
			if err != nil {
				return withHint(fmt.Errorf("grant %s to %s: %w", role, email, err))
			}
			if changed {
				reporter.Info(fmt.Sprintf("granted %s to %s", role, email))
			}
			granted++
			reporter.Progress(granted*100/total, fmt.Sprintf("%d of %d grants in place", granted, total))
		}
	}
	return nil
}
