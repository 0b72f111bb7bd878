package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Pause returns the command that asks a running deploy to halt at the
// next step boundary.
func Pause() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a running deploy at the next step boundary",
		Long: `Ask a running deploy to pause.

The step currently executing finishes first; the run is then recorded
as paused and can be continued with 'camforge resume <run-id>'.

Examples:
  camforge pause 2f9c1a7e-4b11-4f3a-9a2f-6c8d1e05b790`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Pause(cmd.Context(), args[0], configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")

	return cmd
}
