package wizard

import (
	"strconv"
	"strings"

	"github.com/camforge/camforge/internal/config"
)

// BuildConfig creates a Config struct from the wizard result.
func BuildConfig(result *WizardResult) *config.Config {
	cfg := &config.Config{
		ProjectRef:      result.ProjectRef,
		Region:          result.Region,
		EnabledFeatures: result.EnabledFeatures,
	}

	// Every feature selected reads the same as none selected; keep
	// the file minimal in that case.
	if len(result.EnabledFeatures) == len(config.ValidFeatures) {
		cfg.EnabledFeatures = nil
	}

	if containsFeature(result.EnabledFeatures, config.FeatureDevices) {
		cfg.ScanRanges = result.ScanRanges
		cfg.DeviceCredentials = config.DeviceCredentials{
			Username: result.Username,
			Password: result.Password,
		}
	}

	cfg.Artifacts.Source = result.ArtifactSource
	switch result.ArtifactSource {
	case "github":
		cfg.Artifacts.GitHub = config.GitHubArtifacts{
			Owner: strings.TrimSpace(result.GitHubOwner),
			Repo:  strings.TrimSpace(result.GitHubRepo),
			Tag:   strings.TrimSpace(result.GitHubTag),
		}
	case "s3":
		cfg.Artifacts.S3 = config.S3Artifacts{
			Endpoint: strings.TrimSpace(result.S3Endpoint),
			Region:   strings.TrimSpace(result.S3Region),
			Bucket:   strings.TrimSpace(result.S3Bucket),
			Prefix:   strings.TrimSpace(result.S3Prefix),
		}
	}

	if result.AdvancedOptions != nil {
		applyAdvancedOptions(cfg, result.AdvancedOptions)
	}

	return cfg
}

// applyAdvancedOptions applies advanced options to the config.
func applyAdvancedOptions(cfg *config.Config, opts *AdvancedOptions) {
	if p, err := strconv.Atoi(strings.TrimSpace(opts.DevicePort)); err == nil && p != 80 {
		cfg.DevicePort = p
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}
}
