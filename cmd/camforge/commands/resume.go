package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Resume returns the command that continues a paused or failed run.
//
// The run document carries the plan and everything the completed steps
// produced, so execution picks up at the first step that has not
// completed. Sealed credentials stored with the run are reused; the
// license key does not have to be passed again.
//
// Optional flags:
//
//	--config, -c: Path to fleet configuration YAML file (default: camforge.yaml)
//	--listen: Loopback address for the local observation API (off by default)
//	--plain: Log lines instead of the interactive dashboard
func Resume() *cobra.Command {
	var (
		configPath string
		listenAddr string
		plain      bool
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a paused or failed run",
		Long: `Continue a provisioning run from its first incomplete step.

Completed steps are not repeated. A step that was mid-flight when the
run stopped is re-run from its start; every step tolerates that.

Examples:
  # Resume a paused run
  camforge resume 2f9c1a7e-4b11-4f3a-9a2f-6c8d1e05b790

  # Resume with plain log output
  camforge resume 2f9c1a7e-4b11-4f3a-9a2f-6c8d1e05b790 --plain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Resume(cmd.Context(), args[0], handlers.RunOptions{
				ConfigPath: configPath,
				ListenAddr: listenAddr,
				Plain:      plain,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Loopback address for the observation API, e.g. 127.0.0.1:8676")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable the interactive dashboard")

	return cmd
}
