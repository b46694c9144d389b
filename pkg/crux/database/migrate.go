package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations are applied in order; never edit an applied one, append instead.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS sessions (
	user_id           TEXT PRIMARY KEY,
	state             TEXT NOT NULL DEFAULT '{}',
	image_day         TEXT NOT NULL DEFAULT '',
	image_count       INTEGER NOT NULL DEFAULT 0,
	last_checkin_date TEXT NOT NULL DEFAULT '',
	usage_count       INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS call_reviews (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	snippet    TEXT NOT NULL DEFAULT '',
	feedback   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_reviews_user ON call_reviews(user_id, created_at);

CREATE TABLE IF NOT EXISTS admin_log (
	id             TEXT PRIMARY KEY,
	actor_id       TEXT NOT NULL,
	target_user_id TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	details        TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS sessions (
	user_id           TEXT PRIMARY KEY,
	state             TEXT NOT NULL DEFAULT '{}',
	image_day         TEXT NOT NULL DEFAULT '',
	image_count       BIGINT NOT NULL DEFAULT 0,
	last_checkin_date TEXT NOT NULL DEFAULT '',
	usage_count       BIGINT NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS call_reviews (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	snippet    TEXT NOT NULL DEFAULT '',
	feedback   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_reviews_user ON call_reviews(user_id, created_at);

CREATE TABLE IF NOT EXISTS admin_log (
	id             TEXT PRIMARY KEY,
	actor_id       TEXT NOT NULL,
	target_user_id TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	details        TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
`,
	},
}

// LatestVersion is the schema version Migrate brings the database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// CurrentVersion returns the applied schema version (0 on a fresh database).
func (d *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := d.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return int(version.Int64), nil
}

// Migrate applies every pending migration, each in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := d.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		script := m.sqlite
		if d.driver == DriverPostgres {
			script = m.postgres
		}

		tx, err := d.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, script); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, d.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		d.logger.Info("migration applied", "version", m.version)
	}
	return nil
}

// NeedsMigration reports whether the schema is behind LatestVersion.
func (d *DB) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := d.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < LatestVersion(), nil
}
