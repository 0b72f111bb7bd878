package commands

import (
	"github.com/spf13/cobra"

	"github.com/camforge/camforge/cmd/camforge/handlers"
)

// ValidateKey returns the command checking a license key offline.
func ValidateKey() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-key <key>",
		Short: "Check a license key before deploying",
		Long: `Check a license key against the same rules the deploy applies.

Placeholder keys (FAKE, TEST, DEMO, and friends) are rejected here the
way they would be rejected at deploy time, regardless of separators or
encoding. The key is never sent anywhere.

Examples:
  camforge validate-key AAAA-BBBB-CCCC-DDDD`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return handlers.ValidateKey(args[0])
		},
	}
}
