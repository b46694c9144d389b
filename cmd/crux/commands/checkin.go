package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/channels/discord"
	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/projects"
)

// newCheckinCmd creates `crux checkin`: one check-in pass, then exit.
func newCheckinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin",
		Short: "Send today's check-ins now",
		Long: `Connect to Discord, run a single check-in pass ignoring the configured
hour, print the report and exit. Users already checked in today are skipped.

Examples:
  crux checkin`,
		RunE: runCheckin,
	}
}

func runCheckin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	if cfg.Discord.Token == "" {
		return fmt.Errorf("invalid configuration: discord.token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	chat := discord.New(cfg.Discord.Config, logger)
	if err := chat.Connect(ctx); err != nil {
		return err
	}
	defer chat.Disconnect()

	var tasks checkin.TaskSource
	if cfg.Projects.Enabled {
		tasks = projects.NewClient(cfg.Projects, logger)
	}
	sched, err := checkin.New(cfg.CheckinConfig(), store, chat, tasks, onboarding.GoalKey, logger)
	if err != nil {
		return err
	}

	report, err := sched.RunOnce(ctx, time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
