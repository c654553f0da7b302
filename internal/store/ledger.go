package store

import (
	"database/sql"
	"time"
)

// LedgerStatus is the state of a safety-ledger transaction. COMPLETED,
// RECOVERED and ABANDONED are terminal.
type LedgerStatus string

const (
	LedgerAttempting LedgerStatus = "ATTEMPTING"
	LedgerCompleted  LedgerStatus = "COMPLETED"
	LedgerFailed     LedgerStatus = "FAILED"
	LedgerRecovered  LedgerStatus = "RECOVERED"
	LedgerAbandoned  LedgerStatus = "ABANDONED"
)

// LedgerTransaction is the pre-routing safety record for one client write.
type LedgerTransaction struct {
	TransactionID      string
	Method             string
	Path               string
	Data               []byte
	Headers            map[string]string
	Status             LedgerStatus
	IsTimingGapFailure bool
	RetryCount         int
	MaxRetries         int
	NextRetryAtNs      int64
	TargetInstance     string
	ClientSession      string
	ClientIP           string
	OperationType      string
	ResponseStatus     int
	ResponseData       []byte
	FailureReason      string
	CreatedAtNs        int64
	CompletedAtNs      int64
}

// InsertLedger records a transaction with status ATTEMPTING before any
// routing decision is made.
func (s *Store) InsertLedger(t *LedgerTransaction) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if t.CreatedAtNs == 0 {
		t.CreatedAtNs = time.Now().UnixNano()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (transaction_id, method, path, data, headers_json, status,
		                    max_retries, target_instance, client_session, client_ip,
		                    operation_type, created_at_ns)
		VALUES (?, ?, ?, ?, ?, 'ATTEMPTING', ?, ?, ?, ?, ?, ?)`,
		t.TransactionID, t.Method, t.Path, t.Data, headersToJSON(t.Headers),
		t.MaxRetries, t.TargetInstance, t.ClientSession, t.ClientIP,
		t.OperationType, t.CreatedAtNs)
	return wrapErr("insert ledger", err)
}

// CompleteLedger marks a transaction COMPLETED with the backend response.
// Terminal rows are never revisited.
func (s *Store) CompleteLedger(txID string, responseStatus int, responseData []byte) error {
	return s.finishLedger(txID, LedgerCompleted, responseStatus, responseData)
}

// RecoverLedger marks a previously failed transaction RECOVERED.
func (s *Store) RecoverLedger(txID string, responseStatus int, responseData []byte) error {
	return s.finishLedger(txID, LedgerRecovered, responseStatus, responseData)
}

func (s *Store) finishLedger(txID string, status LedgerStatus, responseStatus int, responseData []byte) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger
		   SET status = ?2, response_status = ?3, response_data = ?4, completed_at_ns = ?5
		 WHERE transaction_id = ?1
		   AND status NOT IN ('COMPLETED', 'RECOVERED', 'ABANDONED')`,
		txID, string(status), responseStatus, responseData, now)
	return wrapErr("finish ledger", err)
}

// FailLedger marks a transaction FAILED and records whether the failure was a
// timing-gap miss (unhealthy backend behind a cached-healthy verdict). The
// backoff trigger stamps next_retry_at_ns.
func (s *Store) FailLedger(txID, reason string, timingGap bool, targetInstance string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	gap := 0
	if timingGap {
		gap = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger
		   SET status = 'FAILED', failure_reason = ?2, is_timing_gap_failure = ?3,
		       target_instance = CASE WHEN ?4 != '' THEN ?4 ELSE target_instance END
		 WHERE transaction_id = ?1
		   AND status NOT IN ('COMPLETED', 'RECOVERED', 'ABANDONED')`,
		txID, reason, gap, targetInstance)
	return wrapErr("fail ledger", err)
}

// AbandonLedger terminally abandons a transaction (client error from a live
// backend, or retry budget exhausted).
func (s *Store) AbandonLedger(txID, reason string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger
		   SET status = 'ABANDONED', failure_reason = ?2, completed_at_ns = ?3
		 WHERE transaction_id = ?1
		   AND status NOT IN ('COMPLETED', 'RECOVERED', 'ABANDONED')`,
		txID, reason, now)
	return wrapErr("abandon ledger", err)
}

// BumpLedgerRetry increments the retry counter for a FAILED row while it
// stays FAILED; the backoff trigger pushes next_retry_at_ns out.
func (s *Store) BumpLedgerRetry(txID string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger SET retry_count = retry_count + 1
		 WHERE transaction_id = ? AND status = 'FAILED'`, txID)
	return wrapErr("bump ledger retry", err)
}

// MarkLedgerAttempting moves a FAILED row back to ATTEMPTING for a recovery
// attempt. The only legal cycle in the state machine.
func (s *Store) MarkLedgerAttempting(txID string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger SET status = 'ATTEMPTING'
		 WHERE transaction_id = ? AND status = 'FAILED'`, txID)
	return wrapErr("mark ledger attempting", err)
}

// FetchRecoverableLedger returns FAILED rows with retry budget remaining
// whose backoff deadline has passed, oldest first.
func (s *Store) FetchRecoverableLedger(limit int) ([]LedgerTransaction, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, method, path, data, headers_json, status,
		       is_timing_gap_failure, retry_count, max_retries, next_retry_at_ns,
		       target_instance, client_session, client_ip, operation_type,
		       response_status, response_data, failure_reason, created_at_ns,
		       COALESCE(completed_at_ns, 0)
		  FROM ledger
		 WHERE status = 'FAILED'
		   AND retry_count < max_retries
		   AND next_retry_at_ns <= ?
		 ORDER BY created_at_ns ASC
		 LIMIT ?`, now, limit)
	if err != nil {
		return nil, wrapErr("fetch recoverable", err)
	}
	defer rows.Close()

	var out []LedgerTransaction
	for rows.Next() {
		t, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, wrapErr("fetch recoverable rows", rows.Err())
}

// GetLedger fetches one transaction by ID, or nil when absent.
func (s *Store) GetLedger(txID string) (*LedgerTransaction, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, method, path, data, headers_json, status,
		       is_timing_gap_failure, retry_count, max_retries, next_retry_at_ns,
		       target_instance, client_session, client_ip, operation_type,
		       response_status, response_data, failure_reason, created_at_ns,
		       COALESCE(completed_at_ns, 0)
		  FROM ledger WHERE transaction_id = ?`, txID)
	if err != nil {
		return nil, wrapErr("get ledger", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, wrapErr("get ledger rows", rows.Err())
	}
	return scanLedger(rows)
}

// ReclassifyStaleAttempting converts ATTEMPTING rows older than the given age
// into FAILED so crash-interrupted requests become recoverable. Run at
// startup.
func (s *Store) ReclassifyStaleAttempting(olderThan time.Duration) (int64, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger
		   SET status = 'FAILED', failure_reason = 'interrupted by process restart'
		 WHERE status = 'ATTEMPTING' AND created_at_ns < ?`, cutoff)
	if err != nil {
		return 0, wrapErr("reclassify attempting", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLedger(rows *sql.Rows) (*LedgerTransaction, error) {
	var t LedgerTransaction
	var headersJSON, status string
	var gap int
	err := rows.Scan(&t.TransactionID, &t.Method, &t.Path, &t.Data, &headersJSON, &status,
		&gap, &t.RetryCount, &t.MaxRetries, &t.NextRetryAtNs,
		&t.TargetInstance, &t.ClientSession, &t.ClientIP, &t.OperationType,
		&t.ResponseStatus, &t.ResponseData, &t.FailureReason, &t.CreatedAtNs,
		&t.CompletedAtNs)
	if err != nil {
		return nil, wrapErr("scan ledger", err)
	}
	t.Headers = headersFromJSON(headersJSON)
	t.Status = LedgerStatus(status)
	t.IsTimingGapFailure = gap != 0
	return &t, nil
}

// LedgerStats summarizes ledger state for the observability surface.
type LedgerStats struct {
	CountsByStatus   map[string]int64 `json:"counts_by_status"`
	TimingGapCount   int64            `json:"timing_gap_count"`
	AvgCompletionMs  float64          `json:"avg_completion_ms"`
	RecoverableCount int64            `json:"recoverable_count"`
	TotalCount       int64            `json:"total_count"`
}

// LedgerStatsSnapshot computes the counters reported by
// /transaction/safety/status.
func (s *Store) LedgerStatsSnapshot() (*LedgerStats, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	stats := &LedgerStats{CountsByStatus: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM ledger GROUP BY status")
	if err != nil {
		return nil, wrapErr("ledger stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("ledger stats scan", err)
		}
		stats.CountsByStatus[status] = n
		stats.TotalCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ledger stats rows", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger WHERE is_timing_gap_failure = 1").Scan(&stats.TimingGapCount)
	if err != nil {
		return nil, wrapErr("ledger stats gaps", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(completed_at_ns - created_at_ns) / 1000000.0, 0)
		  FROM ledger WHERE status = 'COMPLETED' AND completed_at_ns IS NOT NULL`).
		Scan(&stats.AvgCompletionMs)
	if err != nil {
		return nil, wrapErr("ledger stats avg", err)
	}

	now := time.Now().UnixNano()
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger
		 WHERE status = 'FAILED' AND retry_count < max_retries AND next_retry_at_ns <= ?`, now).
		Scan(&stats.RecoverableCount)
	if err != nil {
		return nil, wrapErr("ledger stats recoverable", err)
	}

	return stats, nil
}
