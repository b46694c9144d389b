package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenSQLite(t *testing.T) {
	db := openTestDB(t)
	if db.Driver() != DriverSQLite {
		t.Errorf("expected sqlite driver, got %q", db.Driver())
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	needs, err := db.NeedsMigration(ctx)
	if err == nil && !needs {
		t.Fatal("fresh database should need migration")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Second run is a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	version, err := db.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != LatestVersion() {
		t.Errorf("expected version %d, got %d", LatestVersion(), version)
	}

	needs, err = db.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if needs {
		t.Error("expected no migration needed after running migrations")
	}

	for _, table := range []string{"sessions", "call_reviews", "admin_log"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestHealth(t *testing.T) {
	db := openTestDB(t)
	status := db.Health(context.Background())
	if !status.Healthy {
		t.Fatalf("expected healthy, got error %q", status.Error)
	}
	if status.Version == "" || status.Version == "unknown" {
		t.Errorf("expected sqlite version, got %q", status.Version)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		driver Driver
		in     string
		want   string
	}{
		{"sqlite untouched", DriverSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DriverPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"quoted literal kept", DriverPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"no placeholders", DriverPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Rebind(tt.driver, tt.in); got != tt.want {
				t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default sqlite", DefaultConfig(), false},
		{"postgres without dsn", Config{Driver: DriverPostgres}, true},
		{"postgres with dsn", Config{Driver: DriverPostgres, DSN: "postgres://localhost/crux"}, false},
		{"sqlite without path", Config{Driver: DriverSQLite}, true},
		{"unknown driver", Config{Driver: "mysql", Path: "x"}, true},
		{"empty driver", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
