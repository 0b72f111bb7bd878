package cloud

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/util/async"
)

// requiredServices is everything the backend touches. Order does not
// matter; enablement runs bounded-parallel.
var requiredServices = []string{
	"apigateway.googleapis.com",
	"apikeys.googleapis.com",
	"artifactregistry.googleapis.com",
	"cloudbuild.googleapis.com",
	"cloudfunctions.googleapis.com",
	"cloudresourcemanager.googleapis.com",
	"firebaserules.googleapis.com",
	"firestore.googleapis.com",
	"iam.googleapis.com",
	"iamcredentials.googleapis.com",
	"identitytoolkit.googleapis.com",
	"run.googleapis.com",
	"servicecontrol.googleapis.com",
	"servicemanagement.googleapis.com",
	"storage.googleapis.com",
	"sts.googleapis.com",
}

// enableConcurrency bounds parallel enablement calls. Service Usage
// rejects bursts well below our general rate limit.
const enableConcurrency = 4

// APIsStep enables the missing platform services.
type APIsStep struct {
	gcpStep
	services gcloud.ServiceManager
	project  string
}

func NewAPIsStep(services gcloud.ServiceManager, cfg Config) *APIsStep {
	return &APIsStep{services: services, project: cfg.Project}
}

func (s *APIsStep) Key() string { return StepAPIs }

func (s *APIsStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	enabled, err := s.services.ListEnabledServices(ctx, s.project)
	if err != nil {
		return withHint(err)
	}
	have := make(map[string]bool, len(enabled))
	for _, svc := range enabled {
		have[svc] = true
	}

	var missing []string
	for _, svc := range requiredServices {
		if !have[svc] {
			missing = append(missing, svc)
		}
	}
	if len(missing) == 0 {
		reporter.Progress(100, "all services already enabled")
		return nil
	}
	reporter.Progress(5, fmt.Sprintf("enabling %d of %d services", len(missing), len(requiredServices)))

	var done atomic.Int64
	err = async.ForEachLimited(ctx, enableConcurrency, missing, func(ctx context.Context, svc string) error {
		reporter.SubStep(svc, progress.StatusRunning, 0, "enabling")
		if err := s.services.EnableService(ctx, s.project, svc); err != nil {
			reporter.SubStep(svc, progress.StatusFailed, 100, err.Error())
			return err
		}
		reporter.SubStep(svc, progress.StatusCompleted, 100, "enabled")
		n := done.Add(1)
		reporter.Progress(5+int(n)*95/len(missing), fmt.Sprintf("%d of %d services enabled", n, len(missing)))
		return nil
	})
	return withHint(err)
}
