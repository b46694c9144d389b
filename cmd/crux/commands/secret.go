package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/crux/pkg/crux/config"
)

// newSecretCmd creates `crux secret` for keyring-backed credentials.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the OS keyring",
		Long: `Store credentials in the operating system keyring so they never touch
the config file. Keyring values take precedence over environment variables
and the config file.

Secrets: ` + strings.Join(config.SecretNames(), ", ") + `

Examples:
  crux secret set discord_token
  echo "$TOKEN" | crux secret set llm_api_key
  crux secret delete admin_token`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set <name>",
		Short:     "Store a secret (read without echo)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.SecretNames(),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]
			if _, ok := config.LookupSecret(name); !ok {
				return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(config.SecretNames(), ", "))
			}
			value, err := readSecret(fmt.Sprintf("%s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreSecret(name, value); err != nil {
				return err
			}
			fmt.Printf("Stored %s in the OS keyring (service %q).\n", name, config.KeyringService)
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete <name>",
		Short:     "Remove a secret from the keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.SecretNames(),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := config.DeleteSecret(args[0]); err != nil {
				return fmt.Errorf("deleting %s: %w", args[0], err)
			}
			fmt.Printf("Removed %s.\n", args[0])
			return nil
		},
	}
}

// readSecret reads a line without echo from a terminal, or plainly from a
// pipe.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print(prompt)
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
