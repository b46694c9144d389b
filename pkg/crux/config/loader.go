package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads path, expands environment references, parses it over the
// defaults and resolves secrets.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	ResolveSecrets(cfg, logger)
	checkFilePermissions(path, logger)
	return cfg, nil
}

// LoadOrDefault loads path when set, otherwise the discovered config file,
// otherwise the defaults with secrets resolved from the environment.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		ResolveSecrets(cfg, logger)
		return cfg, "", nil
	}
	cfg, err := Load(path, logger)
	return cfg, path, err
}

// Parse parses YAML bytes over DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. Secrets that came
// from the environment are written back as references.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	for _, s := range Secrets {
		p := s.field(&sanitized)
		*p = sanitizeSecret(*p, s.Env[0])
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	for _, path := range []string{
		"crux.yaml",
		"crux.yml",
		"config.yaml",
		"configs/crux.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// Existing variables win.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. An unset variable without
// a default is left as written; ${VAR:?message} fails when VAR is empty.
func expandEnvVars(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			if val, ok := os.LookupEnv(m[4]); ok {
				return val
			}
			return match
		}

		name, op, arg := m[1], m[2], m[3]
		val, ok := os.LookupEnv(name)
		switch op {
		case ":-":
			if val == "" {
				return arg
			}
			return val
		case ":?":
			if val == "" {
				if firstErr == nil {
					if arg == "" {
						arg = "not set"
					}
					firstErr = fmt.Errorf("%s: %s", name, arg)
				}
				return ""
			}
			return val
		}
		if ok {
			return val
		}
		return match
	})
	return out, firstErr
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		logger.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
