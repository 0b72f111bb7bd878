package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Cancel returns the command that stops a run for good.
func Cancel() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running or paused run",
		Long: `Cancel a provisioning run.

A running deploy is interrupted between retry attempts; a paused run is
finalized directly. Either way the run is recorded as failed and the
resources already provisioned are left in place.

Examples:
  camforge cancel 2f9c1a7e-4b11-4f3a-9a2f-6c8d1e05b790`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Cancel(cmd.Context(), args[0], configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")

	return cmd
}
