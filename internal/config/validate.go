package config

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/camforge/camforge/internal/device/scan"
)

// regionRegex matches regional identifiers like asia-northeast1 or
// europe-west4. Multi-region datastore locations (nam5, eur3) are not
// valid here; functions and the gateway need a regional home.
var regionRegex = regexp.MustCompile(`^[a-z]+-[a-z]+[0-9]$`)

// Validate checks the configuration for common errors and returns a
// detailed error if validation fails.
func (c *Config) Validate() error {
	// Required fields
	if c.ProjectRef == "" {
		return fmt.Errorf("project_ref is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if !regionRegex.MatchString(c.Region) {
		return fmt.Errorf("invalid region %q: expected a regional identifier like asia-northeast1", c.Region)
	}

	if err := c.validateFeatures(); err != nil {
		return fmt.Errorf("feature validation failed: %w", err)
	}

	if err := c.validateDevices(); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}

	if err := c.validateArtifacts(); err != nil {
		return fmt.Errorf("artifact validation failed: %w", err)
	}

	return nil
}

// validateFeatures checks enabled_features against the known set and
// its cross-feature requirements.
func (c *Config) validateFeatures() error {
	for _, f := range c.EnabledFeatures {
		if !ValidFeatures[f] {
			return fmt.Errorf("unknown feature %q: must be one of %v", f, getMapKeys(ValidFeatures))
		}
	}

	// The device rollout talks to the gateway, authenticates through
	// the federation, and writes to the datastore.
	if c.FeatureEnabled(FeatureDevices) {
		for _, dep := range []string{FeatureGateway, FeatureFederation, FeatureDatastore} {
			if !c.FeatureEnabled(dep) {
				return fmt.Errorf("feature %q requires feature %q", FeatureDevices, dep)
			}
		}
	}
	return nil
}

// validateDevices checks the fleet-facing settings. They only matter
// when the devices feature is enabled.
func (c *Config) validateDevices() error {
	if err := scan.ValidatePort(c.DevicePort); err != nil {
		return fmt.Errorf("invalid device_port: %w", err)
	}

	if !c.FeatureEnabled(FeatureDevices) {
		return nil
	}

	if len(c.ScanRanges) == 0 {
		return fmt.Errorf("scan_ranges is required when the devices feature is enabled")
	}
	if _, err := scan.Expand(c.ScanRanges); err != nil {
		return fmt.Errorf("invalid scan_ranges: %w", err)
	}

	if c.DeviceCredentials.Username == "" {
		return fmt.Errorf("device_credentials.username is required when the devices feature is enabled")
	}
	if c.DeviceCredentials.Password == "" {
		return fmt.Errorf("device_credentials.password is required (set it in the file or via CAMFORGE_DEVICE_PASSWORD)")
	}
	return nil
}

// validateArtifacts checks the package source settings.
func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Source {
	case "":
		// Hand-managed cache, nothing to sync.
	case "github":
		if c.Artifacts.GitHub.Owner == "" || c.Artifacts.GitHub.Repo == "" {
			return fmt.Errorf("artifacts.github.owner and artifacts.github.repo are required for the github source")
		}
	case "s3":
		if c.Artifacts.S3.Region == "" || c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.region and artifacts.s3.bucket are required for the s3 source")
		}
	default:
		return fmt.Errorf("unknown artifacts.source %q: must be \"github\", \"s3\", or empty", c.Artifacts.Source)
	}
	return nil
}

// getMapKeys returns the keys of a map as a sorted slice for error
// messages.
func getMapKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
