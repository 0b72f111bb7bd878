// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing, flag binding, and validation. Command execution is delegated
// to handler functions in the handlers package.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the camforge CLI.
//
// The root command serves as the entry point and parent for all
// subcommands. It provides basic CLI metadata and organizes the command
// hierarchy.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camforge",
		Short: "Provision a camera fleet and its cloud backend",
	}

	// Run lifecycle commands
	cmd.AddCommand(Init())
	cmd.AddCommand(Deploy())
	cmd.AddCommand(Resume())
	cmd.AddCommand(Pause())
	cmd.AddCommand(Cancel())

	// Inspection and utility commands
	cmd.AddCommand(Runs())
	cmd.AddCommand(Status())
	cmd.AddCommand(Scan())
	cmd.AddCommand(ValidateKey())
	cmd.AddCommand(Version())
	cmd.AddCommand(Completion())

	return cmd
}
