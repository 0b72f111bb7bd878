package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where commands look for the configuration when no
// --config flag is given.
const DefaultPath = "camforge.yaml"

// LoadFile reads and parses the configuration from a YAML file.
// Environment overrides are applied before validation:
// CAMFORGE_DEVICE_PASSWORD replaces device_credentials.password.
func LoadFile(path string) (*Config, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if pw := os.Getenv("CAMFORGE_DEVICE_PASSWORD"); pw != "" {
		cfg.DeviceCredentials.Password = pw
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in the documented defaults for fields left
// empty.
func applyDefaults(cfg *Config) {
	if cfg.Region == "" {
		cfg.Region = "asia-northeast1"
	}
	if cfg.DevicePort == 0 {
		cfg.DevicePort = 80
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.Artifacts.CacheDir == "" {
		cfg.Artifacts.CacheDir = filepath.Join(cfg.StateDir, "packages")
	}
}

// defaultStateDir is ~/.camforge, or .camforge under the working
// directory when the home directory cannot be resolved.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".camforge"
	}
	return filepath.Join(home, ".camforge")
}
