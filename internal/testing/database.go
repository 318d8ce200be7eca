package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/harvest/db"
)

// CreateTestDB creates a migrated SQLite database in the test's temp dir.
// A file is used rather than :memory: because database/sql pools connections and
// every in-memory connection would see its own empty database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "harvest-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
