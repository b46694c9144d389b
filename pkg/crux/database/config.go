// Package database opens the relational store behind crux sessions.
// SQLite (mattn/go-sqlite3) is the default for single-process deployments;
// PostgreSQL (pgx) is used when several bot processes share state.
package database

import (
	"fmt"
	"time"
)

// Driver identifies a database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds the database connection configuration.
type Config struct {
	// Driver selects the backend: "sqlite" (default) or "postgres".
	Driver Driver `yaml:"driver"`

	// Path is the SQLite database file (default: "./data/crux.db").
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string (supports ${ENV_VAR} expansion).
	DSN string `yaml:"dsn"`

	// JournalMode for SQLite (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout for SQLite in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`

	// Connection pooling (PostgreSQL).
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns the default SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "./data/crux.db",
		JournalMode:     "WAL",
		BusyTimeout:     5000,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Address returns the persistent-store address the config points at.
// Empty means the store is not configured.
func (c Config) Address() string {
	if c.Driver == DriverPostgres {
		return c.DSN
	}
	return c.Path
}

// Validate checks the driver and that an address is present.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	case "":
		return fmt.Errorf("database driver is required")
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.Address() == "" {
		return fmt.Errorf("database address is required for driver %q", c.Driver)
	}
	return nil
}
