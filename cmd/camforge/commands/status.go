package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Status returns the command printing one run's full document.
func Status() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's steps, devices, and warnings",
		Long: `Show the persisted state of one provisioning run: overall status,
per-step progress and attempts, per-device outcomes, and collected
warnings.

Examples:
  camforge status 2f9c1a7e-4b11-4f3a-9a2f-6c8d1e05b790`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Status(cmd.Context(), args[0], configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")

	return cmd
}
