package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// Completion returns the completion command for shell autocompletion.
func Completion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for camforge.

To load completions:

Bash:
  $ source <(camforge completion bash)
  # To load completions for each session, execute once:
  # Linux:
  $ camforge completion bash > /etc/bash_completion.d/camforge
  # macOS:
  $ camforge completion bash > $(brew --prefix)/etc/bash_completion.d/camforge

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  # To load completions for each session, execute once:
  $ camforge completion zsh > "${fpath[1]}/_camforge"
  # You will need to start a new shell for this setup to take effect.

Fish:
  $ camforge completion fish | source
  # To load completions for each session, execute once:
  $ camforge completion fish > ~/.config/fish/completions/camforge.fish

PowerShell:
  PS> camforge completion powershell | Out-String | Invoke-Expression
  # To load completions for every new session, run:
  PS> camforge completion powershell > camforge.ps1
  # and source this file from your PowerShell profile.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}
	return cmd
}
