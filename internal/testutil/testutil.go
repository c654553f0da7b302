// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/replivec/replivec/internal/store"
)

// OpenStore opens a migrated store on a per-test temp file and returns it
// together with the DSN for direct fixture access.
func OpenStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "replivec.db")
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return st, dsn
}

// Exec runs one statement against the store's database file through a
// separate connection. Fixture manipulation only, e.g. rewinding a retry
// deadline.
func Exec(t *testing.T, dsn, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open fixture connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec %q: %v", query, err)
	}
}
