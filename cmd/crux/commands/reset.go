package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// newResetCmd creates `crux reset <user-id>`.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Delete every stored record for a user",
		Long: `Remove a user's session, onboarding answers, memory, counters and call
reviews in one transaction. The action is recorded in the admin log.

Examples:
  crux reset 123456789012345678`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, os.Stderr)
			ctx := context.Background()

			db, store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			userID := args[0]
			if err := store.DeleteAll(ctx, userID); err != nil {
				return err
			}
			err = store.AppendAdminLog(ctx, session.AdminLogRecord{
				ID:           uuid.NewString(),
				ActorID:      "cli",
				TargetUserID: userID,
				Action:       "reset",
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				logger.Warn("admin log write failed", "error", err)
			}
			fmt.Printf("Reset every record for %s.\n", userID)
			return nil
		},
	}
}
