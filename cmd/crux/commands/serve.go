package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/admin"
	"github.com/jholhewres/crux/pkg/crux/channels/discord"
)

// newServeCmd creates the `crux serve` command that runs the Discord bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Discord bot",
		Long: `Connect to Discord and serve users until interrupted. Daily check-ins
and the admin API start when enabled in the configuration.

Examples:
  crux serve
  crux serve --config ./crux.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	chat := discord.New(cfg.Discord.Config, logger)
	eng, err := buildEngine(ctx, cfg, chat, db, store, logger)
	if err != nil {
		return err
	}
	if err := eng.start(ctx); err != nil {
		eng.stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	var api *admin.Server
	if cfg.Admin.Enabled {
		var runner admin.CheckinRunner
		if eng.checkins {
			runner = eng.checkin
		}
		api = admin.New(cfg.Admin, store, db, runner, logger)
		api.OnReset(eng.machine.Forget)
		if err := api.Start(ctx); err != nil {
			eng.stop()
			return err
		}
	}

	logger.Info("crux running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"checkins", cfg.Checkin.Enabled,
		"projects", cfg.Projects.Enabled,
		"admin_api", cfg.Admin.Enabled,
	)
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if api != nil {
			api.Stop()
		}
		eng.stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(45 * time.Second):
		logger.Warn("shutdown timed out after 45s, forcing exit")
	}
	return nil
}
