package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Deploy returns the command that starts a provisioning run.
//
// This command stands up the cloud backend (services, accounts, IAM
// roles, functions, gateway, federation, datastore) and then discovers
// and configures the camera fleet, as one resumable run.
//
// Optional flags:
//
//	--config, -c: Path to fleet configuration YAML file (default: camforge.yaml)
//	--license-key: License key for device activation (or CAMFORGE_LICENSE_KEY)
//	--listen: Loopback address for the local observation API (off by default)
//	--plain: Log lines instead of the interactive dashboard
//
// Environment variables:
//
//	CAMFORGE_GCP_TOKEN: Cloud access token (required)
//	CAMFORGE_DEVICE_PASSWORD: Device login password (overrides the file)
//	CAMFORGE_LICENSE_KEY: License key when --license-key is not given
func Deploy() *cobra.Command {
	var (
		configPath string
		licenseKey string
		listenAddr string
		plain      bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision the backend and the camera fleet",
		Long: `Provision the cloud backend and configure the camera fleet.

The run is persisted after every step: a failed or paused run is
continued with 'camforge resume <run-id>' and picks up at the first
step that has not completed.

Examples:
  # Deploy using camforge.yaml in the current directory
  camforge deploy

  # Deploy a specific configuration with a license key
  camforge deploy -c production.yaml --license-key AAAA-BBBB-CCCC-DDDD

  # Expose run progress and metrics on localhost while deploying
  camforge deploy --listen 127.0.0.1:8676

  # Plain log output, for CI or piping into a file
  camforge deploy --plain`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Deploy(cmd.Context(), handlers.RunOptions{
				ConfigPath: configPath,
				LicenseKey: licenseKey,
				ListenAddr: listenAddr,
				Plain:      plain,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")
	cmd.Flags().StringVar(&licenseKey, "license-key", "", "License key for device activation")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Loopback address for the observation API, e.g. 127.0.0.1:8676")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable the interactive dashboard")

	return cmd
}
