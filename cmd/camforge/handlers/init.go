package handlers

import (
	"context"
	"fmt"

	"github.com/camforge/camforge/internal/config"
	"github.com/camforge/camforge/internal/config/wizard"
)

// Factory function variables for init - can be replaced in tests.
var (
	// fileExists checks if a file exists.
	fileExists = wizard.FileExists

	// confirmOverwrite asks before clobbering an existing file.
	confirmOverwrite = wizard.ConfirmOverwrite

	// runWizard runs the interactive configuration wizard.
	runWizard = wizard.RunWizard

	// writeWizardConfig writes the config to a file.
	writeWizardConfig = wizard.WriteConfig
)

// Init runs the configuration wizard and writes the result to a file.
func Init(ctx context.Context, outputPath string, advanced bool) error {
	if fileExists(outputPath) {
		ok, err := confirmOverwrite(outputPath)
		if err != nil {
			return fmt.Errorf("confirmation failed: %w", err)
		}
		if !ok {
			fmt.Println("Keeping the existing file.")
			return nil
		}
	}

	printWelcome()

	result, err := runWizard(ctx, advanced)
	if err != nil {
		return fmt.Errorf("wizard canceled: %w", err)
	}

	cfg := wizard.BuildConfig(result)

	if err := writeWizardConfig(cfg, outputPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	printInitSuccess(outputPath, cfg)

	return nil
}

// printWelcome prints the welcome message.
func printWelcome() {
	fmt.Println()
	fmt.Println("camforge - camera fleet provisioning")
	fmt.Println("====================================")
	fmt.Println()
	fmt.Println("This wizard creates a fleet configuration with sensible defaults.")
	fmt.Println("Answer a handful of questions; everything can be edited later.")
	fmt.Println()
}

// printInitSuccess prints the success message with summary and next steps.
func printInitSuccess(outputPath string, cfg *config.Config) {
	fmt.Println()
	fmt.Println("Configuration saved!")
	fmt.Println()
	fmt.Printf("  File: %s\n", outputPath)
	fmt.Println()

	// Summary
	fmt.Println("Deployment Summary")
	fmt.Println("------------------")
	fmt.Printf("  Project:  %s\n", cfg.ProjectRef)
	fmt.Printf("  Region:   %s\n", cfg.Region)
	if len(cfg.EnabledFeatures) == 0 {
		fmt.Println("  Features: all (gateway, federation, datastore, devices)")
	} else {
		for i, f := range cfg.EnabledFeatures {
			if i == 0 {
				fmt.Printf("  Features: %s\n", f)
			} else {
				fmt.Printf("            %s\n", f)
			}
		}
	}
	if len(cfg.ScanRanges) > 0 {
		fmt.Printf("  Fleet:    %d scan range(s), login %s\n", len(cfg.ScanRanges), cfg.DeviceCredentials.Username)
	}
	if cfg.Artifacts.Source != "" {
		fmt.Printf("  Packages: synced from %s\n", cfg.Artifacts.Source)
	}
	fmt.Println()

	// Next steps
	fmt.Println("Next Steps")
	fmt.Println("----------")
	fmt.Println("  1. Set your cloud access token:")
	fmt.Println("     export CAMFORGE_GCP_TOKEN=$(gcloud auth print-access-token)")
	fmt.Println()
	if cfg.FeatureEnabled(config.FeatureDevices) {
		step := 2
		if cfg.DeviceCredentials.Password == "" {
			fmt.Println("  2. Set the device login password:")
			fmt.Println("     export CAMFORGE_DEVICE_PASSWORD=<password>")
			fmt.Println()
			step = 3
		}
		fmt.Printf("  %d. Deploy with your license key:\n", step)
		fmt.Printf("     camforge deploy --config %s --license-key <key>\n", outputPath)
	} else {
		fmt.Println("  2. Deploy:")
		fmt.Printf("     camforge deploy --config %s\n", outputPath)
	}
	fmt.Println()
}
