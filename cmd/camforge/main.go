// Package main is the entry point for the camforge CLI.
//
// camforge provisions the cloud backend for a camera fleet and then
// configures the cameras themselves: service enablement, workload
// identities, backend functions, API gateway, identity federation,
// datastore, network discovery, package deployment, and license
// activation, all driven as one resumable run.
//
// Commands: init, deploy, resume, pause, cancel, runs, status, scan,
// validate-key.
//
// For detailed usage information, run:
//
//	camforge --help
package main

import (
	"fmt"
	"os"

	"github.com/camforge/camforge/cmd/camforge/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
