package wizard

import (
	"context"
	"fmt"

	"github.com/camforge/camforge/internal/config"
)

// WizardResult holds all the answers from the interactive wizard.
type WizardResult struct {
	// Project Identity
	ProjectRef string
	Region     string

	// Features
	EnabledFeatures []string

	// Fleet (only asked when the devices feature is selected)
	ScanRanges []string
	Username   string
	// Password may stay empty; CAMFORGE_DEVICE_PASSWORD covers it at
	// deploy time.
	Password string

	// Artifacts
	ArtifactSource string // "github", "s3", or "" for a hand-managed cache
	GitHubOwner    string
	GitHubRepo     string
	GitHubTag      string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string

	// Advanced options (only set in advanced mode)
	AdvancedOptions *AdvancedOptions
}

// AdvancedOptions holds advanced configuration options.
type AdvancedOptions struct {
	DevicePort string
	StateDir   string
}

// RunWizard runs the interactive configuration wizard.
// If advanced is true, additional configuration options are shown.
// The context is used for cancellation support (e.g., Ctrl+C).
func RunWizard(ctx context.Context, advanced bool) (*WizardResult, error) {
	result := &WizardResult{}

	if err := runProjectGroup(ctx, result); err != nil {
		return nil, fmt.Errorf("project identity: %w", err)
	}

	if err := runFeaturesGroup(ctx, result); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}

	// Fleet questions only matter when devices will be provisioned.
	if containsFeature(result.EnabledFeatures, config.FeatureDevices) {
		if err := runFleetGroup(ctx, result); err != nil {
			return nil, fmt.Errorf("fleet: %w", err)
		}
	}

	if err := runArtifactsGroup(ctx, result); err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}

	if advanced {
		advOpts := &AdvancedOptions{}

		if err := runAdvancedGroup(ctx, advOpts); err != nil {
			return nil, fmt.Errorf("advanced: %w", err)
		}

		result.AdvancedOptions = advOpts
	}

	return result, nil
}

// containsFeature checks if a feature is in the enabled list.
func containsFeature(features []string, feature string) bool {
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}
