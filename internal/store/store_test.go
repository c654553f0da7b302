package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	if err := st.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCleanupRejectsUnknownTargets(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Cleanup("users", 7, "created_at_ns"); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if _, err := st.Cleanup("ledger", 7, "path"); err == nil {
		t.Fatal("expected error for non-whitelisted column")
	}
	if _, err := st.Cleanup("ledger", -1, "completed_at_ns"); err == nil {
		t.Fatal("expected error for negative retention")
	}
}

func TestCleanupDeletesOldTerminalLedgerRows(t *testing.T) {
	st := newTestStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour).UnixNano()

	insertLedgerRow(t, st, "tx-old")
	if err := st.CompleteLedger("tx-old", 200, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Backdate the completion past the retention horizon.
	if _, err := st.db.Exec("UPDATE ledger SET completed_at_ns = ? WHERE transaction_id = 'tx-old'", old); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	insertLedgerRow(t, st, "tx-open")

	n, err := st.Cleanup("ledger", 7, "completed_at_ns")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted: got %d, want 1", n)
	}
	if row, _ := st.GetLedger("tx-open"); row == nil {
		t.Fatal("open transaction must survive cleanup")
	}
}

func insertLedgerRow(t *testing.T, st *Store, txID string) {
	t.Helper()
	err := st.InsertLedger(&LedgerTransaction{
		TransactionID: txID,
		Method:        "POST",
		Path:          "/api/v2/tenants/t/databases/d/collections/docs/add",
		Data:          []byte(`{"ids":["a"]}`),
		OperationType: "document_add",
	})
	if err != nil {
		t.Fatalf("insert ledger %s: %v", txID, err)
	}
}
