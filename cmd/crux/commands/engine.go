package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crux/pkg/crux/audio"
	"github.com/jholhewres/crux/pkg/crux/bot"
	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/coaching"
	"github.com/jholhewres/crux/pkg/crux/config"
	"github.com/jholhewres/crux/pkg/crux/database"
	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/offer"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/projects"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// engine is every component behind one chat channel.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *database.DB
	store    *session.SQLStore
	chat     channels.Chat
	machine  *onboarding.Machine
	memory   *coaching.Memory
	checkin  *checkin.Scheduler
	bot      *bot.Bot
	checkins bool
}

// loadConfig resolves the config file from --config or the standard
// locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.LoadOrDefault(path, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if found != "" {
		slog.Debug("config loaded", "path", found)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Logging.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// openStore opens the database, applies migrations and wraps it in the
// session store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, *session.SQLStore, error) {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, session.NewSQLStore(db, logger), nil
}

// buildEngine wires the message engine over chat. The caller owns db.
func buildEngine(ctx context.Context, cfg *config.Config, chat channels.Chat, db *database.DB,
	store *session.SQLStore, logger *slog.Logger) (*engine, error) {
	provider, err := llm.New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	var (
		provisioner onboarding.Provisioner
		tasks       checkin.TaskSource
	)
	if cfg.Projects.Enabled {
		client := projects.NewClient(cfg.Projects, logger)
		provisioner = projects.NewProvisioner(client, store)
		tasks = client
	}

	machine := onboarding.New(store, chat, provisioner, cfg.OnboardingConfig(), logger)
	coach := coaching.New(cfg.CoachConfig(), provider, store, logger)
	memory := coaching.NewMemory(cfg.Memory, provider, store, logger)
	pipeline := audio.New(cfg.Audio, store, provider, audio.NewLLMClassifier(provider), coach, memory, logger)

	sched, err := checkin.New(cfg.CheckinConfig(), store, chat, tasks, onboarding.GoalKey, logger)
	if err != nil {
		machine.Close()
		return nil, err
	}

	deps := bot.Deps{
		Store:      store,
		Chat:       chat,
		Onboarding: machine,
		Audio:      pipeline,
		Coach:      coach,
		Memory:     memory,
		Images:     provider,
		Location:   sched.Location(),
	}
	if cfg.Checkin.Enabled {
		deps.Checkin = sched
	}
	if cfg.Offer.Enabled {
		deps.Offers = offer.New(store, coach, cfg.Offer, logger)
	}

	return &engine{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store,
		chat:     chat,
		machine:  machine,
		memory:   memory,
		checkin:  sched,
		bot:      bot.New(cfg.BotConfig(), deps, logger),
		checkins: cfg.Checkin.Enabled,
	}, nil
}

// start connects the channel and starts the bot and, when enabled, the
// check-in scheduler.
func (e *engine) start(ctx context.Context) error {
	if err := e.chat.Connect(ctx); err != nil {
		return err
	}
	if err := e.bot.Start(ctx); err != nil {
		return err
	}
	if e.checkins {
		if err := e.checkin.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stop shuts components down in reverse order.
func (e *engine) stop() {
	e.bot.Stop()
	e.checkin.Stop()
	e.machine.Close()
	e.memory.Wait()
	if err := e.chat.Disconnect(); err != nil {
		e.logger.Warn("channel disconnect failed", "error", err)
	}
}
