package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a *sql.DB with the dialect it speaks.
type DB struct {
	*sql.DB
	driver Driver
	logger *slog.Logger
}

// Open connects to the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = openPostgres(cfg)
	default:
		db, err = openSQLite(cfg)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := logger.With("component", "database", "driver", string(cfg.Driver))
	l.Info("database opened")
	return &DB{DB: db, driver: cfg.Driver, logger: l}, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	// Single writer: concurrent write transactions would hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Driver returns the backend this handle talks to.
func (d *DB) Driver() Driver { return d.driver }

// Rebind rewrites '?' placeholders into the dialect's form.
func (d *DB) Rebind(query string) string {
	return Rebind(d.driver, query)
}

// Rebind rewrites '?' placeholders to $1, $2, ... for PostgreSQL and leaves
// them untouched for SQLite. Question marks inside quoted literals are kept.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ForUpdate returns the row-lock suffix for SELECTs inside a transaction.
// SQLite locks the whole database on write, so it needs none.
func (d *DB) ForUpdate() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// HealthStatus describes database health.
type HealthStatus struct {
	Healthy   bool   `json:"healthy"`
	Driver    string `json:"driver"`
	Version   string `json:"version"`
	OpenConns int    `json:"open_conns"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	Error     string `json:"error,omitempty"`
}

// Health pings the database and reports pool statistics.
func (d *DB) Health(ctx context.Context) HealthStatus {
	stats := d.Stats()
	status := HealthStatus{
		Healthy:   true,
		Driver:    string(d.driver),
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
	}
	if err := d.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	versionQuery := "SELECT sqlite_version()"
	if d.driver == DriverPostgres {
		versionQuery = "SELECT version()"
	}
	if err := d.QueryRowContext(ctx, versionQuery).Scan(&status.Version); err != nil {
		status.Version = "unknown"
	}
	return status
}
