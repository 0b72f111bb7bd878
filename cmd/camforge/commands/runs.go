package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Runs returns the command listing every persisted run.
func Runs() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List provisioning runs",
		Long: `List every provisioning run in the state directory, newest first.

Examples:
  camforge runs`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Runs(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")

	return cmd
}
