// Package sessiontest provides a migrated SQLite session store for tests.
package sessiontest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jholhewres/crux/pkg/crux/database"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// NewStore opens a fresh store under t.TempDir and closes it on cleanup.
func NewStore(t testing.TB) *session.SQLStore {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "crux.db")

	db, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return session.NewSQLStore(db, nil)
}

// Seed writes a session through Mutate and fails the test on error.
func Seed(t testing.TB, store session.Store, userID string, fn func(*session.Session)) *session.Session {
	t.Helper()
	s, err := store.Mutate(context.Background(), userID, func(s *session.Session) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
	return s
}
