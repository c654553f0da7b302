package api

import (
	"encoding/json"
	"net/http"

	"github.com/replivec/replivec/internal/ledger"
	"github.com/replivec/replivec/internal/store"
)

// HandleSafetyStatus returns a handler for GET /transaction/safety/status.
func HandleSafetyStatus(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.LedgerStatsSnapshot()
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleGetTransaction returns a handler for
// GET /transaction/safety/transactions/{id}: clients poll the transaction ID
// a failed write handed back.
func HandleGetTransaction(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txID := r.PathValue("id")
		t, err := st.GetLedger(txID)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		if t == nil {
			WriteError(w, http.StatusNotFound, "not_found", "unknown transaction "+txID)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"transaction_id":  t.TransactionID,
			"status":          t.Status,
			"operation_type":  t.OperationType,
			"client_session":  t.ClientSession,
			"retry_count":     t.RetryCount,
			"max_retries":     t.MaxRetries,
			"is_timing_gap":   t.IsTimingGapFailure,
			"failure_reason":  t.FailureReason,
			"response_status": t.ResponseStatus,
			"created_at_ns":   t.CreatedAtNs,
			"completed_at_ns": t.CompletedAtNs,
		})
	}
}

// HandleRecoveryTrigger returns a handler for
// POST /transaction/safety/recovery/trigger: runs one recovery pass
// synchronously and reports what it did.
func HandleRecoveryTrigger(worker *ledger.RecoveryWorker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, worker.RunPass())
	}
}

// cleanupRequest is the POST /transaction/safety/cleanup body.
type cleanupRequest struct {
	DaysOld int `json:"days_old"`
}

// HandleSafetyCleanup returns a handler for POST /transaction/safety/cleanup:
// deletes terminal ledger rows older than the requested age.
func HandleSafetyCleanup(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_body", "expected JSON body with days_old")
			return
		}
		if req.DaysOld <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_body", "days_old must be positive")
			return
		}
		deleted, err := st.Cleanup("ledger", req.DaysOld, "completed_at_ns")
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "days_old": req.DaysOld})
	}
}
