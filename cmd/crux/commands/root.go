// Package commands implements the crux CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crux",
		Short: "Crux - Discord business coaching bot",
		Long: `Crux runs a Discord coaching bot: strict onboarding, voice note
analysis, program boards and daily check-ins.

Examples:
  crux setup
  crux serve
  crux chat
  crux secret set discord_token
  crux checkin`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSecretCmd(),
		newResetCmd(),
		newCheckinCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
