package wizard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/camforge/camforge/internal/config"
	"gopkg.in/yaml.v3"
)

// Function variable for dependency injection in tests.
var confirmOverwrite = defaultConfirmOverwrite

// WriteConfig writes the config to a YAML file with a descriptive
// header. Only fields that differ from their defaults are written.
func WriteConfig(cfg *config.Config, outputPath string) error {
	yamlBytes, err := yaml.Marshal(buildMinimalConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(generateHeader(outputPath, cfg))
	sb.WriteString("\n")
	sb.Write(yamlBytes)

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// MinimalConfig represents the configuration for YAML output. Only
// contains fields that are essential or explicitly set by the user.
type MinimalConfig struct {
	ProjectRef        string                 `yaml:"project_ref"`
	Region            string                 `yaml:"region"`
	EnabledFeatures   []string               `yaml:"enabled_features,omitempty"`
	DeviceCredentials *MinimalCredentials    `yaml:"device_credentials,omitempty"`
	ScanRanges        []string               `yaml:"scan_ranges,omitempty"`
	DevicePort        int                    `yaml:"device_port,omitempty"`
	Artifacts         *MinimalArtifactSource `yaml:"artifacts,omitempty"`
	StateDir          string                 `yaml:"state_dir,omitempty"`
}

// MinimalCredentials contains the device login. The password is only
// written when the user typed one into the wizard.
type MinimalCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
}

// MinimalArtifactSource contains the package source if one was chosen.
type MinimalArtifactSource struct {
	Source string                  `yaml:"source"`
	GitHub *config.GitHubArtifacts `yaml:"github,omitempty"`
	S3     *config.S3Artifacts     `yaml:"s3,omitempty"`
}

// buildMinimalConfig creates a minimal config from the full config.
func buildMinimalConfig(cfg *config.Config) *MinimalConfig {
	minCfg := &MinimalConfig{
		ProjectRef:      cfg.ProjectRef,
		Region:          cfg.Region,
		EnabledFeatures: cfg.EnabledFeatures,
		ScanRanges:      cfg.ScanRanges,
		StateDir:        cfg.StateDir,
	}

	if cfg.DeviceCredentials.Username != "" {
		minCfg.DeviceCredentials = &MinimalCredentials{
			Username: cfg.DeviceCredentials.Username,
			Password: cfg.DeviceCredentials.Password,
		}
	}

	// Port 80 is the default; only a custom port is worth writing.
	if cfg.DevicePort != 0 && cfg.DevicePort != 80 {
		minCfg.DevicePort = cfg.DevicePort
	}

	switch cfg.Artifacts.Source {
	case "github":
		gh := cfg.Artifacts.GitHub
		minCfg.Artifacts = &MinimalArtifactSource{Source: "github", GitHub: &gh}
	case "s3":
		s3 := cfg.Artifacts.S3
		minCfg.Artifacts = &MinimalArtifactSource{Source: "s3", S3: &s3}
	}

	return minCfg
}

// generateHeader creates the YAML file header comment.
func generateHeader(outputPath string, cfg *config.Config) string {
	passwordNote := ""
	if cfg.DeviceCredentials.Username != "" && cfg.DeviceCredentials.Password == "" {
		passwordNote = "\n# Required environment variable:\n#   CAMFORGE_DEVICE_PASSWORD - login for discovered devices\n#"
	}
	return fmt.Sprintf(`# camforge fleet configuration
# Generated by: camforge init
# Generated at: %s
# Docs: https://github.com/camforge/camforge
#%s
# Usage:
#   camforge deploy --config %s
`, time.Now().Format(time.RFC3339), passwordNote, outputPath)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ConfirmOverwrite prompts the user to confirm overwriting an existing file.
func ConfirmOverwrite(path string) (bool, error) {
	return confirmOverwrite(path)
}

// defaultConfirmOverwrite is the default implementation that prompts via stdin.
func defaultConfirmOverwrite(path string) (bool, error) {
	fmt.Printf("\nFile already exists: %s\n", path)
	fmt.Print("Overwrite? (y/n): ")

	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, err
	}

	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes", nil
}
