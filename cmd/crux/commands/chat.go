package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/channels/console"
	"github.com/jholhewres/crux/pkg/crux/config"
)

// newChatCmd creates the `crux chat` command: the full engine in a terminal.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		Long: `Run the coaching engine against a local console instead of Discord.
Commands work as in Discord ("!start", "!help"); "/audio <file>" sends a
local recording as a voice note and "/quit" exits.

Examples:
  crux chat
  crux chat --user ana --name "Ana Lima"`,
		RunE: runChat,
	}
	cmd.Flags().String("user", "", "local user id (random when empty)")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().Bool("plain", false, "disable markdown rendering")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm.api_key", config.ErrMissingCredential)
	}
	// Check-ins and the admin API belong to the server.
	cfg.Checkin.Enabled = false

	logger := newLogger(cmd, cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	userID, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("name")
	plain, _ := cmd.Flags().GetBool("plain")
	ccfg := console.Config{UserID: userID, UserName: name, Plain: plain}
	if home, err := os.UserHomeDir(); err == nil {
		ccfg.HistoryFile = filepath.Join(home, ".crux_history")
	}
	chat := console.New(ccfg, logger)

	eng, err := buildEngine(ctx, cfg, chat, db, store, logger)
	if err != nil {
		return err
	}
	if err := eng.start(ctx); err != nil {
		eng.stop()
		return err
	}

	fmt.Fprintf(os.Stdout, "Chatting as %s. Type %sstart to begin, /quit to exit.\n",
		chat.UserID(), cfg.BotConfig().Prefix)

	select {
	case <-chat.Done():
	case <-ctx.Done():
	}
	eng.stop()
	return nil
}
