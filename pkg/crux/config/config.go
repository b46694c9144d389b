// Package config defines the crux configuration file and maps it onto the
// component configurations.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/crux/pkg/crux/admin"
	"github.com/jholhewres/crux/pkg/crux/audio"
	"github.com/jholhewres/crux/pkg/crux/bot"
	"github.com/jholhewres/crux/pkg/crux/channels/discord"
	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/coaching"
	"github.com/jholhewres/crux/pkg/crux/database"
	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/offer"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/projects"
)

// ErrMissingCredential is returned by Validate when a required secret or
// address is empty.
var ErrMissingCredential = errors.New("missing credential")

// Config holds all crux configuration.
type Config struct {
	// Name is the coach persona name shown in prompts.
	Name string `yaml:"name"`

	// Timezone is the default IANA zone for check-ins.
	Timezone string `yaml:"timezone"`

	Discord    DiscordConfig         `yaml:"discord"`
	LLM        llm.Config            `yaml:"llm"`
	Database   database.Config       `yaml:"database"`
	Projects   projects.Config       `yaml:"projects"`
	Onboarding onboarding.Config     `yaml:"onboarding"`
	Offer      offer.Config          `yaml:"offer"`
	Audio      audio.Config          `yaml:"audio"`
	Images     ImagesConfig          `yaml:"images"`
	Memory     coaching.MemoryConfig `yaml:"memory"`
	Checkin    checkin.Config        `yaml:"checkin"`
	Admin      admin.Config          `yaml:"admin"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// DiscordConfig extends the channel settings with the bot's command surface.
type DiscordConfig struct {
	discord.Config `yaml:",inline"`

	// Prefix starts every command (default: "!").
	Prefix string `yaml:"prefix"`

	// AdminIDs may run admin commands.
	AdminIDs []string `yaml:"admin_ids"`

	// AdminRoleID grants admin commands to holders of the role.
	AdminRoleID string `yaml:"admin_role_id"`

	// ThreadPrefix names private threads (default: "AI – ").
	ThreadPrefix string `yaml:"thread_prefix"`
}

// ImagesConfig holds image generation limits.
type ImagesConfig struct {
	// DailyCap is the per-user daily allowance (default: 50).
	DailyCap int `yaml:"daily_cap"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is "json" (default) or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration every file is parsed over.
func DefaultConfig() *Config {
	b := bot.DefaultConfig()
	return &Config{
		Name:     coaching.DefaultConfig().Name,
		Timezone: checkin.DefaultTimezone,
		Discord: DiscordConfig{
			Config:       discord.DefaultConfig(),
			Prefix:       b.Prefix,
			ThreadPrefix: b.ThreadPrefix,
		},
		LLM:        llm.DefaultConfig(),
		Database:   database.DefaultConfig(),
		Projects:   projects.DefaultConfig(),
		Onboarding: onboarding.DefaultConfig(),
		Offer:      offer.DefaultConfig(),
		Audio:      audio.DefaultConfig(),
		Images:     ImagesConfig{DailyCap: b.ImageDailyCap},
		Memory:     coaching.DefaultMemoryConfig(),
		Checkin:    checkin.DefaultConfig(),
		Admin:      admin.DefaultConfig(),
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate reports every missing credential at once.
func (c *Config) Validate() error {
	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissingCredential, field))
	}

	if c.Discord.Token == "" {
		missing("discord.token")
	}
	if c.LLM.APIKey == "" {
		missing("llm.api_key")
	}
	if c.Database.Address() == "" {
		if c.Database.Driver == database.DriverPostgres {
			missing("database.dsn")
		} else {
			missing("database.path")
		}
	}
	if c.Projects.Enabled {
		if c.Projects.Token == "" {
			missing("projects.token")
		}
		if c.Projects.TemplateID == "" {
			missing("projects.template_id")
		}
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		missing("admin.token")
	}
	if c.Checkin.Hour < 0 || c.Checkin.Hour > 23 {
		errs = append(errs, fmt.Errorf("checkin.hour must be 0-23, got %d", c.Checkin.Hour))
	}
	return errors.Join(errs...)
}

// BotConfig returns the message engine settings.
func (c *Config) BotConfig() bot.Config {
	return bot.Config{
		Prefix:        c.Discord.Prefix,
		ThreadPrefix:  c.Discord.ThreadPrefix,
		AdminIDs:      c.Discord.AdminIDs,
		AdminRoleID:   c.Discord.AdminRoleID,
		ImageDailyCap: c.Images.DailyCap,
	}
}

// CoachConfig returns the coaching settings.
func (c *Config) CoachConfig() coaching.Config {
	cfg := coaching.DefaultConfig()
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if c.LLM.Timeout > 0 {
		cfg.Timeout = c.LLM.Timeout
	}
	return cfg
}

// OnboardingConfig returns the onboarding settings. The seeded summary is
// bounded like every later summary unless set explicitly.
func (c *Config) OnboardingConfig() onboarding.Config {
	cfg := c.Onboarding
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = c.Memory.MaxChars
	}
	return cfg
}

// CheckinConfig returns the scheduler settings. A check-in section without
// its own zone inherits the top-level timezone.
func (c *Config) CheckinConfig() checkin.Config {
	cfg := c.Checkin
	if cfg.Timezone == "" && cfg.UTCOffsetHours == nil {
		cfg.Timezone = c.Timezone
	}
	return cfg
}

// SlogLevel parses the configured level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}
