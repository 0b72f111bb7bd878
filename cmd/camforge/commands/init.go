package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Init returns the command for interactively creating a fleet
// configuration.
//
// This command guides users through creating a camforge.yaml using an
// interactive wizard with text inputs, single-select, and multi-select
// prompts.
//
// Flags:
//
//	--output, -o: Path to output file (default "camforge.yaml")
//	--advanced, -a: Show advanced configuration options
func Init() *cobra.Command {
	var (
		outputPath string
		advanced   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively create a fleet configuration",
		Long: `Interactively create a fleet configuration file.

This command guides you through configuring your deployment step by
step. It will ask about:

  - Project identity (project reference and region)
  - Optional capabilities (gateway, federation, datastore, devices)
  - Camera fleet (scan ranges and device login)
  - Device package source (GitHub release, S3 bucket, or none)

Use --advanced for additional options like the device port and the
state directory.

Examples:
  # Create camforge.yaml in the current directory
  camforge init

  # Write to a different file
  camforge init -o production.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Init(cmd.Context(), outputPath, advanced)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "camforge.yaml", "Output file path")
	cmd.Flags().BoolVarP(&advanced, "advanced", "a", false, "Show advanced configuration options")

	return cmd
}
