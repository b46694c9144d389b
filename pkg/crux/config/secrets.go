package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used in the OS keyring.
const KeyringService = "crux"

// Secret is a credential that may live in the keyring, the environment or
// the config file, in that order of preference.
type Secret struct {
	// Name is the keyring key and the name accepted by `crux secret set`.
	Name string

	// Env lists environment variables checked in order. The first one is
	// written back by Save.
	Env []string

	field func(*Config) *string
}

// Secrets lists every credential crux resolves.
var Secrets = []Secret{
	{
		Name:  "discord_token",
		Env:   []string{"CRUX_DISCORD_TOKEN", "DISCORD_TOKEN"},
		field: func(c *Config) *string { return &c.Discord.Token },
	},
	{
		Name:  "llm_api_key",
		Env:   []string{"CRUX_LLM_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"},
		field: func(c *Config) *string { return &c.LLM.APIKey },
	},
	{
		Name:  "projects_token",
		Env:   []string{"CRUX_PROJECTS_TOKEN", "ASANA_TOKEN"},
		field: func(c *Config) *string { return &c.Projects.Token },
	},
	{
		Name:  "admin_token",
		Env:   []string{"CRUX_ADMIN_TOKEN"},
		field: func(c *Config) *string { return &c.Admin.Token },
	},
	{
		Name:  "database_dsn",
		Env:   []string{"CRUX_DATABASE_DSN", "DATABASE_URL"},
		field: func(c *Config) *string { return &c.Database.DSN },
	},
}

// LookupSecret returns the secret definition for name.
func LookupSecret(name string) (Secret, bool) {
	for _, s := range Secrets {
		if s.Name == name {
			return s, true
		}
	}
	return Secret{}, false
}

// SecretNames lists the names accepted by StoreSecret.
func SecretNames() []string {
	names := make([]string, len(Secrets))
	for i, s := range Secrets {
		names[i] = s.Name
	}
	return names
}

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(name, value string) error {
	if _, ok := LookupSecret(name); !ok {
		return fmt.Errorf("unknown secret %q", name)
	}
	if err := keyring.Set(KeyringService, name, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", name, err)
	}
	return nil
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(name string) error {
	return keyring.Delete(KeyringService, name)
}

// ResolveSecrets fills every secret from keyring → env → config value. An
// unexpanded ${VAR} left in the config counts as empty.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range Secrets {
		p := s.field(cfg)
		if val, err := keyring.Get(KeyringService, s.Name); err == nil && val != "" {
			*p = val
			logger.Debug("secret loaded from OS keyring", "secret", s.Name)
			continue
		}
		if val := lookupEnv(s.Env); val != "" {
			*p = val
			continue
		}
		if IsEnvReference(*p) {
			*p = ""
		}
	}
}

func lookupEnv(names []string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
