// Package store implements the durable store adapter: a single SQLite
// database holding the WAL, collection mappings, the transaction safety
// ledger and the logical document-ID table.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultOpTimeout bounds every store operation. Callers observe
// ErrStoreTimeout when it elapses.
const DefaultOpTimeout = 15 * time.Second

var (
	ErrStoreTimeout     = errors.New("store operation timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the shared handle over the relational store. A single connection
// pool serves the request path and all background workers.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// Open opens (or creates) the store at the given DSN and applies pragmas.
// The DSN is a SQLite path; ":memory:" is accepted for tests.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	full := dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("store open %s: %w", dsn, err)
	}
	// SQLite serializes writers; a small pool avoids lock churn.
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w: %v", ErrStoreUnavailable, err)
	}

	return &Store{db: db, opTimeout: DefaultOpTimeout}, nil
}

// Migrate applies all embedded schema migrations.
func (s *Store) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetOpTimeout overrides the per-operation deadline. Intended for tests.
func (s *Store) SetOpTimeout(d time.Duration) {
	if d > 0 {
		s.opTimeout = d
	}
}

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// wrapErr maps context deadline errors onto ErrStoreTimeout so callers can
// distinguish a slow store from a broken one.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("store %s: %w", op, ErrStoreTimeout)
	}
	return fmt.Errorf("store %s: %w", op, err)
}

// cleanupTargets whitelists the (table, time column) pairs the retention
// contract may touch, together with the predicate restricting deletion to
// terminal rows.
var cleanupTargets = map[string]struct {
	columns  map[string]bool
	terminal string
}{
	"wal": {
		columns:  map[string]bool{"ts_ns": true, "synced_at_ns": true},
		terminal: "status IN ('synced', 'failed')",
	},
	"ledger": {
		columns:  map[string]bool{"created_at_ns": true, "completed_at_ns": true},
		terminal: "status IN ('COMPLETED', 'RECOVERED', 'ABANDONED')",
	},
	"document_ids": {
		columns:  map[string]bool{"created_at_ns": true},
		terminal: "1=1",
	},
}

// Cleanup deletes terminal rows older than retentionDays from the given
// table, judged by timeColumn. Table and column names are whitelisted; the
// external retention collaborator only ever supplies this triple.
func (s *Store) Cleanup(table string, retentionDays int, timeColumn string) (int64, error) {
	target, ok := cleanupTargets[table]
	if !ok {
		return 0, fmt.Errorf("store cleanup: unknown table %q", table)
	}
	if !target.columns[timeColumn] {
		return 0, fmt.Errorf("store cleanup: column %q not allowed for table %q", timeColumn, table)
	}
	if retentionDays < 0 {
		return 0, fmt.Errorf("store cleanup: negative retention %d", retentionDays)
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixNano()

	ctx, cancel := s.opCtx()
	defer cancel()

	q := fmt.Sprintf("DELETE FROM %s WHERE %s AND %s IS NOT NULL AND %s < ?", table, target.terminal, timeColumn, timeColumn)
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, wrapErr("cleanup "+table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- shared helpers ---

func headersToJSON(h map[string]string) string {
	if len(h) == 0 {
		return "{}"
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func headersFromJSON(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}
