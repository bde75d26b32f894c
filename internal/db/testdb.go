package db

import (
	"path/filepath"
	"testing"
)

// NewTestDB creates a fresh file-backed SQLite database with the schema applied.
// A file is used instead of ":memory:" so that concurrent connections share it.
func NewTestDB(t testing.TB) *DB {
	t.Helper()

	d, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "custody.sqlite3"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	if err := EnsureSchema(d); err != nil {
		d.Close()
		t.Fatalf("creating test database schema: %v", err)
	}

	t.Cleanup(func() { d.Close() })

	return d
}
