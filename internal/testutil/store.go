// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tOgg1/parley/internal/db"
)

// OpenStore returns a migrated in-memory database closed at test cleanup.
// It holds a single connection, so callers must not run queries while a
// transaction is open.
func OpenStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return migrate(t, database)
}

// OpenFileStore returns a migrated SQLite database in a temp directory.
// Use it when goroutines need concurrent connections.
func OpenFileStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.DefaultConfig(filepath.Join(t.TempDir(), "parley.db")))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return migrate(t, database)
}

func migrate(t *testing.T, database *db.DB) *db.DB {
	t.Helper()
	t.Cleanup(func() { _ = database.Close() })
	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return database
}
