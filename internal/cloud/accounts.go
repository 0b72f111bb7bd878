package cloud

import (
	"context"
	"fmt"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
)

// accountDef is one fixed workload identity.
type accountDef struct {
	ID          string
	DisplayName string
	ContextKey  string
}

// serviceAccounts is the identity set the backend runs on: one account
// signs device tokens, one vends platform tokens, one is what every
// device acts as.
var serviceAccounts = []accountDef{
	{ID: "camforge-device-auth", DisplayName: "CamForge device authenticator", ContextKey: KeyDeviceAuthEmail},
	{ID: "camforge-token-vendor", DisplayName: "CamForge token vendor", ContextKey: KeyTokenVendorEmail},
	{ID: "camforge-runtime", DisplayName: "CamForge device runtime", ContextKey: KeyRuntimeEmail},
}

// AccountEmail returns the deterministic email of a project-local
// service account.
func AccountEmail(accountID, project string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, project)
}

// AccountsStep creates the missing service accounts and publishes
// their emails to the run context.
type AccountsStep struct {
	gcpStep
	accounts gcloud.AccountManager
	project  string
}

func NewAccountsStep(accounts gcloud.AccountManager, cfg Config) *AccountsStep {
	return &AccountsStep{accounts: accounts, project: cfg.Project}
}

func (s *AccountsStep) Key() string { return StepAccounts }

func (s *AccountsStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	for i, def := range serviceAccounts {
		email := AccountEmail(def.ID, s.project)
		reporter.SubStep(def.ID, progress.StatusRunning, 0, "checking")

		_, err := s.accounts.GetServiceAccount(ctx, s.project, email)
		switch {
		case err == nil:
			reporter.SubStep(def.ID, progress.StatusCompleted, 100, "already present")
		case gcloud.IsNotFound(err):
			_, err := s.accounts.CreateServiceAccount(ctx, s.project, def.ID, def.DisplayName)
			// A concurrent or interrupted earlier run may have won the
			// create; that is the state we wanted.
			if err != nil && !gcloud.IsAlreadyExists(err) {
				reporter.SubStep(def.ID, progress.StatusFailed, 100, err.Error())
				return withHint(err)
			}
			reporter.SubStep(def.ID, progress.StatusCompleted, 100, "created")
		default:
			reporter.SubStep(def.ID, progress.StatusFailed, 100, err.Error())
			return withHint(err)
		}

		if err := rc.Put(def.ContextKey, email); err != nil {
			return err
		}
		reporter.Progress((i+1)*100/len(serviceAccounts), fmt.Sprintf("account %s ready", def.ID))
	}
	return nil
}
