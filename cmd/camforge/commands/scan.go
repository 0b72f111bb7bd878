package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// Scan returns the command that discovers cameras without starting a
// run.
//
// Ranges can be passed as arguments; without arguments the scan_ranges
// from the configuration file are used. Nothing is provisioned and
// nothing is persisted.
func Scan() *cobra.Command {
	var (
		configPath string
		port       int
		username   string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan [range ...]",
		Short: "Discover cameras on the network",
		Long: `Probe network ranges for cameras and print what was found.

Each range is a /24 CIDR or a single IPv4 address. Without arguments
the scan_ranges from the configuration file are probed. Credentials
come from the configuration file and CAMFORGE_DEVICE_PASSWORD.

Examples:
  # Probe the ranges from camforge.yaml
  camforge scan

  # Probe an explicit range and a single host
  camforge scan 192.168.1.0/24 10.0.40.17

  # Probe on a non-default port
  camforge scan 192.168.1.0/24 --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Scan(cmd.Context(), handlers.ScanOptions{
				ConfigPath: configPath,
				Ranges:     args,
				Port:       port,
				Username:   username,
				Timeout:    timeout,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: camforge.yaml)")
	cmd.Flags().IntVar(&port, "port", 0, "Device port (default: from configuration, then 80)")
	cmd.Flags().StringVar(&username, "username", "", "Device login (default: from configuration)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall scan budget (default: 2m)")

	return cmd
}
