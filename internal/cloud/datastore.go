package cloud

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

//go:embed assets/firestore.rules
var datastoreRules string

const (
	databaseID   = "(default)"
	rulesRelease = "cloud.firestore"
)

// DatastoreStep provisions the document database and publishes the
// bundled access rules. Re-releasing identical rules is harmless, so
// the rules half always runs.
type DatastoreStep struct {
	gcpStep
	datastore gcloud.DatastoreManager
	project   string
	location  string
	pollOpts  []retry.Option
}

func NewDatastoreStep(datastore gcloud.DatastoreManager, cfg Config) *DatastoreStep {
	return &DatastoreStep{
		datastore: datastore,
		project:   cfg.Project,
		location:  cfg.Region,
		pollOpts:  defaultPollOpts(),
	}
}

func (s *DatastoreStep) Key() string { return StepDatastore }

func (s *DatastoreStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	reporter.SubStep("database", progress.StatusRunning, 0, "checking")
	db, err := s.datastore.GetDatabase(ctx, s.project, databaseID)
	switch {
	case err == nil:
		reporter.SubStep("database", progress.StatusCompleted, 100, "already provisioned")
	case gcloud.IsNotFound(err):
		reporter.SubStep("database", progress.StatusRunning, 20, "creating")
		_, err := s.datastore.CreateDatabase(ctx, s.project, databaseID, s.location)
		if err != nil && !gcloud.IsAlreadyExists(err) {
			reporter.SubStep("database", progress.StatusFailed, 100, err.Error())
			return withHint(err)
		}
		// The datastore API has no public operation reader; poll the
		// database until the create lands.
		err = retry.Poll(ctx, func(ctx context.Context) (bool, error) {
			db, err = s.datastore.GetDatabase(ctx, s.project, databaseID)
			if err != nil {
				if gcloud.IsNotFound(err) {
					return false, err
				}
				if gcloud.Classify(err) == retry.Fatal {
					return false, retry.MarkFatal(err)
				}
				return false, err
			}
			return true, nil
		}, s.pollOpts...)
		if err != nil {
			reporter.SubStep("database", progress.StatusFailed, 100, err.Error())
			return withHint(fmt.Errorf("database never appeared: %w", err))
		}
		reporter.SubStep("database", progress.StatusCompleted, 100, "created")
	default:
		reporter.SubStep("database", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.Progress(50, "database ready")

	if db != nil && s.location != "" && db.LocationID != "" && db.LocationID != s.location {
		// Datastore location is immutable. Surface the drift, do not
		// fail a working database over it.
		rc.AddWarning(fmt.Sprintf("datastore lives in %s, configuration says %s", db.LocationID, s.location))
	}

	reporter.SubStep("rules", progress.StatusRunning, 0, "publishing access rules")
	if err := s.datastore.ReleaseRules(ctx, s.project, rulesRelease, datastoreRules); err != nil {
		reporter.SubStep("rules", progress.StatusFailed, 100, err.Error())
		return withHint(err)
	}
	reporter.SubStep("rules", progress.StatusCompleted, 100, "published")
	reporter.Progress(100, "datastore ready")
	return nil
}
