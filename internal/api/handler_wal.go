package api

import (
	"net/http"
	"strconv"

	"github.com/replivec/replivec/internal/wal"
)

// HandleWALStatus returns a handler for GET /wal/status: the status counters
// plus the batch size currently in effect.
func HandleWALStatus(engine *wal.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.Stats()
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"counts_by_status": stats.CountsByStatus,
			"failed_count":     stats.FailedCount,
			"in_flight_count":  stats.InFlightCount,
			"batch_size":       engine.CurrentBatchSize(),
		})
	}
}

// HandleWALFailed returns a handler for GET /wal/failed: terminally failed
// rows with their body fingerprints, for manual forensic replay.
func HandleWALFailed(engine *wal.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}
		rows, err := engine.FailedRows(limit)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"failed": rows, "count": len(rows)})
	}
}

// HandleWALStats returns a handler for GET /wal/stats: the full aggregate
// snapshot including the oldest pending timestamp and recent sync rate.
func HandleWALStats(engine *wal.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.Stats()
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}
