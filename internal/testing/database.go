package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/fleet/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
//
// The pool is pinned to one connection: every :memory: connection is its own
// database, so a second connection would see an empty schema.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on&_txlock=immediate")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	t.Cleanup(func() {
		conn.Close()
	})

	if err := db.Migrate(conn, db.SQLite, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return conn
}

// CreateFileTestDB creates a migrated file-backed SQLite database in t.TempDir().
// Use it when a test needs real concurrent connections.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(t.TempDir()+"/fleet.db", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
