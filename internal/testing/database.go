package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/weft/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// The pool is limited to one connection so every query sees the same
// database. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a migrated WAL database in t.TempDir(). Use it
// for tests that need several connections writing concurrently.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "weft-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create file test database: %v", err)
	}
	conn.SetMaxOpenConns(8)

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
