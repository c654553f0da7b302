package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// WalStatus is the lifecycle state of a WAL row. synced and failed are
// terminal.
type WalStatus string

const (
	WalPending  WalStatus = "pending"
	WalExecuted WalStatus = "executed"
	WalSynced   WalStatus = "synced"
	WalFailed   WalStatus = "failed"
)

// Target instances for a WAL row.
const (
	TargetBoth = "both"
)

// WalEntry is a durable write operation awaiting propagation.
type WalEntry struct {
	Seq            int64
	WriteID        string
	Method         string
	Path           string
	Body           []byte
	Headers        map[string]string
	BodyHash       string
	TargetInstance string
	ExecutedOn     string // empty until the first synchronous attempt lands
	Status         WalStatus
	CollectionID   string
	RetryCount     int
	ErrorMessage   string
	TimestampNs    int64
	ExecutedAtNs   int64
	SyncedAtNs     int64
}

// claimStallWindow is how long an in-flight marker is honored before the row
// becomes claimable again. A crashed sync pass cannot wedge rows past this.
const claimStallWindow = 5 * time.Minute

// InsertWAL durably appends a WAL row with status pending. Re-inserting an
// existing write_id is a no-op; the bool reports whether a row was created.
func (s *Store) InsertWAL(e *WalEntry) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}
	target := e.TargetInstance
	if target == "" {
		target = TargetBoth
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wal (write_id, method, path, body, headers_json, body_hash,
		                 target_instance, executed_on, status, collection_id, ts_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), 'pending', ?, ?)
		ON CONFLICT(write_id) DO NOTHING`,
		e.WriteID, e.Method, e.Path, e.Body, headersToJSON(e.Headers), e.BodyHash,
		target, e.ExecutedOn, e.CollectionID, e.TimestampNs)
	if err != nil {
		return false, wrapErr("insert wal", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkWALExecuted records the success of the initial synchronous attempt on
// the named backend and returns true when the row reached synced (single
// target, or both sides already applied).
func (s *Store) MarkWALExecuted(writeID, backendName string) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE wal
		   SET status = 'executed',
		       executed_on = ?2,
		       executed_at_ns = ?3,
		       applied_primary = CASE WHEN ?2 = 'primary' THEN 1 ELSE applied_primary END,
		       applied_replica = CASE WHEN ?2 = 'replica' THEN 1 ELSE applied_replica END
		 WHERE write_id = ?1 AND status NOT IN ('synced', 'failed')`,
		writeID, backendName, now)
	if err != nil {
		return false, wrapErr("mark wal executed", err)
	}
	return s.settleWAL(writeID)
}

// MarkWALApplied records that the named backend has accepted a replay of the
// row and returns true when the row transitioned to synced.
func (s *Store) MarkWALApplied(writeID, backendName string) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE wal
		   SET applied_primary = CASE WHEN ?2 = 'primary' THEN 1 ELSE applied_primary END,
		       applied_replica = CASE WHEN ?2 = 'replica' THEN 1 ELSE applied_replica END,
		       in_flight_ns = 0
		 WHERE write_id = ?1 AND status NOT IN ('synced', 'failed')`,
		writeID, backendName)
	if err != nil {
		return false, wrapErr("mark wal applied", err)
	}
	return s.settleWAL(writeID)
}

// settleWAL promotes a row to synced when every targeted backend has applied
// it. Rows targeting a single backend settle as soon as that side applies.
func (s *Store) settleWAL(writeID string) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE wal
		   SET status = 'synced', synced_at_ns = ?2, in_flight_ns = 0
		 WHERE write_id = ?1
		   AND status NOT IN ('synced', 'failed')
		   AND CASE target_instance
		         WHEN 'both'    THEN applied_primary = 1 AND applied_replica = 1
		         WHEN 'primary' THEN applied_primary = 1
		         WHEN 'replica' THEN applied_replica = 1
		         ELSE 0
		       END`,
		writeID, now)
	if err != nil {
		return false, wrapErr("settle wal", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BumpWALRetry increments the retry counter after a failed replay, stamps the
// next-attempt deadline, and fails the row terminally once maxRetries is
// exhausted. Returns the new status.
func (s *Store) BumpWALRetry(writeID, errMsg string, maxRetries int, retryAfterNs int64) (WalStatus, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		UPDATE wal
		   SET retry_count = retry_count + 1,
		       error_message = ?2,
		       in_flight_ns = 0,
		       retry_after_ns = ?4,
		       status = CASE WHEN retry_count + 1 >= ?3 THEN 'failed' ELSE status END
		 WHERE write_id = ?1 AND status NOT IN ('synced', 'failed')
		 RETURNING status`,
		writeID, errMsg, maxRetries, retryAfterNs)

	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("store bump wal retry: no active row for write_id %q", writeID)
		}
		return "", wrapErr("bump wal retry", err)
	}
	return WalStatus(status), nil
}

// FailWAL terminally fails a row with a descriptive error, bypassing the
// retry budget. Used when replay is known to be impossible.
func (s *Store) FailWAL(writeID, errMsg string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE wal
		   SET status = 'failed', error_message = ?2, in_flight_ns = 0
		 WHERE write_id = ?1 AND status != 'synced'`,
		writeID, errMsg)
	return wrapErr("fail wal", err)
}

// ClaimUnsynced selects, in replay order, up to limit rows the named backend
// still needs, and marks them in-flight within the same transaction so a
// concurrent pass cannot re-dispatch them.
func (s *Store) ClaimUnsynced(backendName string, limit, maxRetries int) ([]WalEntry, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("claim begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	staleCutoff := now - claimStallWindow.Nanoseconds()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, write_id, method, path, body, headers_json, body_hash,
		       target_instance, COALESCE(executed_on, ''), status, collection_id,
		       retry_count, error_message, ts_ns
		  FROM wal
		 WHERE target_instance IN ('both', ?1)
		   AND CASE ?1 WHEN 'primary' THEN applied_primary ELSE applied_replica END = 0
		   AND status NOT IN ('synced', 'failed')
		   AND retry_count < ?2
		   AND in_flight_ns < ?3
		   AND retry_after_ns <= ?4
		 ORDER BY ts_ns ASC, seq ASC
		 LIMIT ?5`,
		backendName, maxRetries, staleCutoff, now, limit)
	if err != nil {
		return nil, wrapErr("claim select", err)
	}

	var entries []WalEntry
	var seqs []string
	var args []any
	for rows.Next() {
		var e WalEntry
		var headersJSON, status string
		if err := rows.Scan(&e.Seq, &e.WriteID, &e.Method, &e.Path, &e.Body, &headersJSON,
			&e.BodyHash, &e.TargetInstance, &e.ExecutedOn, &status, &e.CollectionID,
			&e.RetryCount, &e.ErrorMessage, &e.TimestampNs); err != nil {
			rows.Close()
			return nil, wrapErr("claim scan", err)
		}
		e.Headers = headersFromJSON(headersJSON)
		e.Status = WalStatus(status)
		entries = append(entries, e)
		seqs = append(seqs, "?")
		args = append(args, e.Seq)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("claim rows", err)
	}
	rows.Close()

	if len(entries) > 0 {
		q := fmt.Sprintf("UPDATE wal SET in_flight_ns = %d WHERE seq IN (%s)", now, strings.Join(seqs, ","))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return nil, wrapErr("claim mark", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("claim commit", err)
	}
	return entries, nil
}

// ReleaseWAL clears the in-flight marker for rows a sync pass decided not to
// process this round (stop-on-first-failure leaves the tail unclaimed).
func (s *Store) ReleaseWAL(seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	placeholders := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		placeholders[i] = "?"
		args[i] = seq
	}
	q := "UPDATE wal SET in_flight_ns = 0 WHERE seq IN (" + strings.Join(placeholders, ",") + ")"
	_, err := s.db.ExecContext(ctx, q, args...)
	return wrapErr("release wal", err)
}

// ResetStaleInFlight clears in-flight markers older than the stall window.
// Run at startup so a crash mid-pass cannot leave rows stuck.
func (s *Store) ResetStaleInFlight() (int64, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	cutoff := time.Now().Add(-claimStallWindow).UnixNano()
	res, err := s.db.ExecContext(ctx,
		"UPDATE wal SET in_flight_ns = 0 WHERE in_flight_ns > 0 AND in_flight_ns < ?", cutoff)
	if err != nil {
		return 0, wrapErr("reset in-flight", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetWAL fetches a single row by write_id.
func (s *Store) GetWAL(writeID string) (*WalEntry, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT seq, write_id, method, path, body, headers_json, body_hash,
		       target_instance, COALESCE(executed_on, ''), status, collection_id,
		       retry_count, error_message, ts_ns,
		       COALESCE(executed_at_ns, 0), COALESCE(synced_at_ns, 0)
		  FROM wal WHERE write_id = ?`, writeID)

	var e WalEntry
	var headersJSON, status string
	err := row.Scan(&e.Seq, &e.WriteID, &e.Method, &e.Path, &e.Body, &headersJSON,
		&e.BodyHash, &e.TargetInstance, &e.ExecutedOn, &status, &e.CollectionID,
		&e.RetryCount, &e.ErrorMessage, &e.TimestampNs, &e.ExecutedAtNs, &e.SyncedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get wal", err)
	}
	e.Headers = headersFromJSON(headersJSON)
	e.Status = WalStatus(status)
	return &e, nil
}

// FailedWalRow is the forensic view of a terminally failed write: enough to
// locate and replay it by hand, with the body fingerprint to verify the
// payload against what the client sent.
type FailedWalRow struct {
	WriteID      string `json:"write_id"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	CollectionID string `json:"collection_id"`
	BodyHash     string `json:"body_hash"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message"`
	TimestampNs  int64  `json:"ts_ns"`
}

// ListFailedWAL returns the most recent terminally failed rows.
func (s *Store) ListFailedWAL(limit int) ([]FailedWalRow, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT write_id, method, path, collection_id, body_hash,
		       retry_count, error_message, ts_ns
		  FROM wal
		 WHERE status = 'failed'
		 ORDER BY ts_ns DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("list failed wal", err)
	}
	defer rows.Close()

	var out []FailedWalRow
	for rows.Next() {
		var r FailedWalRow
		if err := rows.Scan(&r.WriteID, &r.Method, &r.Path, &r.CollectionID,
			&r.BodyHash, &r.RetryCount, &r.ErrorMessage, &r.TimestampNs); err != nil {
			return nil, wrapErr("list failed wal scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list failed wal rows", err)
	}
	return out, nil
}

// WalStats summarizes WAL state for the observability surface.
type WalStats struct {
	CountsByStatus    map[string]int64 `json:"counts_by_status"`
	OldestPendingNs   int64            `json:"oldest_pending_ns"`
	FailedCount       int64            `json:"failed_count"`
	SyncedLastHour    int64            `json:"synced_last_hour"`
	InFlightCount     int64            `json:"in_flight_count"`
	TotalCount        int64            `json:"total_count"`
	OldestPendingTime string           `json:"oldest_pending_time,omitempty"`
}

// WALStats computes the aggregate counters reported by /wal/stats.
func (s *Store) WALStats() (*WalStats, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	stats := &WalStats{CountsByStatus: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM wal GROUP BY status")
	if err != nil {
		return nil, wrapErr("wal stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("wal stats scan", err)
		}
		stats.CountsByStatus[status] = n
		stats.TotalCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("wal stats rows", err)
	}
	stats.FailedCount = stats.CountsByStatus[string(WalFailed)]

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MIN(ts_ns), 0) FROM wal WHERE status IN ('pending', 'executed')").
		Scan(&stats.OldestPendingNs)
	if err != nil {
		return nil, wrapErr("wal stats oldest", err)
	}
	if stats.OldestPendingNs > 0 {
		stats.OldestPendingTime = time.Unix(0, stats.OldestPendingNs).UTC().Format(time.RFC3339Nano)
	}

	hourAgo := time.Now().Add(-time.Hour).UnixNano()
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wal WHERE status = 'synced' AND synced_at_ns >= ?", hourAgo).
		Scan(&stats.SyncedLastHour)
	if err != nil {
		return nil, wrapErr("wal stats synced", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wal WHERE in_flight_ns > 0").Scan(&stats.InFlightCount)
	if err != nil {
		return nil, wrapErr("wal stats in-flight", err)
	}

	return stats, nil
}
