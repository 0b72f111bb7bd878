// Package cloud implements the provisioning steps that stand up the
// device backend: service enablement, workload identities, IAM grants,
// serverless function deployment, the API gateway, identity federation,
// and the document datastore, ending with the on-network device
// rollout.
//
// Every handler checks before it creates. A resumed or retried run
// converges on the same resources instead of duplicating them.
package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/orchestrator/plan"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/retry"
)

// Step keys, in execution order.
const (
	StepAPIs        = "apis"
	StepAccounts    = "accounts"
	StepRoles       = "roles"
	StepPropagation = "propagation"
	StepFunctions   = "functions"
	StepGateway     = "gateway"
	StepFederation  = "federation"
	StepDatastore   = "datastore"
	StepDevices     = "devices"
)

// Run-context keys published by the cloud steps. Later steps and the
// device rollout read them instead of re-deriving resource names.
const (
	KeyDeviceAuthEmail  = "account.device-auth.email"
	KeyTokenVendorEmail = "account.token-vendor.email"
	KeyRuntimeEmail     = "account.runtime.email"
	KeyDeviceAuthURL    = "function.device-auth.url"
	KeyTokenVendorURL   = "function.token-vendor.url"
	KeyGatewayHost      = "gateway.host"

	// KeyGatewayAPIKey is a run-context secret, never a value.
	KeyGatewayAPIKey = "gateway.apikey"
)

// Config identifies the target project.
type Config struct {
	Project string
	Region  string

	// PropagationPoll and PropagationWait tune how the propagation
	// step probes fresh IAM grants. Zero values use the step's
	// defaults.
	PropagationPoll time.Duration
	PropagationWait time.Duration
}

// BuildPlan returns the full provisioning plan with every optional
// capability included.
func BuildPlan() (*plan.Plan, error) {
	return BuildPlanFor(func(string) bool { return true })
}

// BuildPlanFor returns the provisioning plan for a deployment where
// enabled reports which optional steps are active. The backend core is
// always present; gateway, federation, datastore, and the device
// rollout drop out individually. Declaration order is execution order;
// DependsOn records the edges that must hold when a resumed run
// re-enters the sequence midway.
func BuildPlanFor(enabled func(stepKey string) bool) (*plan.Plan, error) {
	specs := []plan.StepSpec{
		{Key: StepAPIs, Label: "Enable platform services"},
		{Key: StepAccounts, Label: "Create service accounts", DependsOn: []string{StepAPIs}},
		{Key: StepRoles, Label: "Grant IAM roles", DependsOn: []string{StepAccounts}},
		{Key: StepPropagation, Label: "Wait for IAM propagation", DependsOn: []string{StepRoles}},
		{Key: StepFunctions, Label: "Deploy backend functions", DependsOn: []string{StepPropagation}},
	}

	included := map[string]bool{
		StepAPIs:        true,
		StepAccounts:    true,
		StepRoles:       true,
		StepPropagation: true,
		StepFunctions:   true,
	}

	optional := []plan.StepSpec{
		{Key: StepGateway, Label: "Assemble API gateway", DependsOn: []string{StepFunctions}},
		{Key: StepFederation, Label: "Configure identity federation", DependsOn: []string{StepPropagation}},
		{Key: StepDatastore, Label: "Provision datastore", DependsOn: []string{StepAPIs}},
		{
			Key:            StepDevices,
			Label:          "Provision devices",
			DependsOn:      []string{StepGateway, StepFederation, StepDatastore},
			Parallelizable: true,
		},
	}
	for _, spec := range optional {
		if !enabled(spec.Key) {
			continue
		}
		var deps []string
		for _, dep := range spec.DependsOn {
			if included[dep] {
				deps = append(deps, dep)
			}
		}
		spec.DependsOn = deps
		specs = append(specs, spec)
		included[spec.Key] = true
	}

	return plan.New(specs)
}

// Steps returns the control-plane handlers in plan order. The device
// step is wired separately; it needs fleet configuration the control
// plane knows nothing about.
func Steps(cp gcloud.ControlPlane, cfg Config) []orchestrator.Handler {
	return []orchestrator.Handler{
		NewAPIsStep(cp, cfg),
		NewAccountsStep(cp, cfg),
		NewRolesStep(cp, cfg),
		NewPropagationStep(cp, cfg),
		NewFunctionsStep(cp, cfg),
		NewGatewayStep(cp, cfg),
		NewFederationStep(cp, cfg),
		NewDatastoreStep(cp, cfg),
	}
}

// gcpStep gives a handler the shared control-plane error
// classification: 5xx and transport failures retry, everything else
// stops the run for the operator.
type gcpStep struct{}

func (gcpStep) Classify(err error) retry.Class {
	return gcloud.Classify(err)
}

// withHint appends the operator remediation hint, when one exists, to
// an error about to stop the run.
func withHint(err error) error {
	if err == nil {
		return nil
	}
	if hint := gcloud.Hint(err); hint != "" {
		return fmt.Errorf("%w (%s)", err, hint)
	}
	return err
}

// defaultPollOpts paces long-running operation polls: 2s between the
// first reads, backing off to 10s, bounded at roughly fifteen minutes.
// Function builds are the slowest thing we wait on.
func defaultPollOpts() []retry.Option {
	return []retry.Option{
		retry.WithBaseDelay(2 * time.Second),
		retry.WithMaxDelay(10 * time.Second),
		retry.WithMaxAttempts(90),
	}
}

// waitOperation polls one long-running operation until it finishes. A
// finished operation that carries an error is fatal; transient read
// failures keep polling.
func waitOperation(ctx context.Context, read func(context.Context, string) (*gcloud.Operation, error), name string, opts []retry.Option) error {
	return retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		op, err := read(ctx, name)
		if err != nil {
			if gcloud.Classify(err) == retry.Fatal {
				return false, retry.MarkFatal(err)
			}
			return false, err
		}
		if op.Error != nil {
			return false, retry.MarkFatal(op.Error)
		}
		return op.Done, nil
	}, opts...)
}
