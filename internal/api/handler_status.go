package api

import (
	"log"
	"net/http"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/buildinfo"
	"github.com/replivec/replivec/internal/routing"
	"github.com/replivec/replivec/internal/wal"
)

// StatusResponse is the full system snapshot served at GET /status.
type StatusResponse struct {
	Version       string             `json:"version"`
	GitCommit     string             `json:"git_commit"`
	BuildTime     string             `json:"build_time"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Backends      []backend.Snapshot `json:"backends"`
	Routing       routing.Stats      `json:"routing"`
	WALCounts     map[string]int64   `json:"wal_counts"`
	WALBatchSize  int                `json:"wal_batch_size"`
}

// HandleStatus returns a handler for GET /status.
func HandleStatus(router *routing.Router, engine *wal.Engine, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Version:       buildinfo.Version,
			GitCommit:     buildinfo.GitCommit,
			BuildTime:     buildinfo.BuildTime,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
			Routing:       router.Snapshot(),
			WALBatchSize:  engine.CurrentBatchSize(),
		}
		for _, b := range router.Backends() {
			resp.Backends = append(resp.Backends, b.Snapshot())
		}
		stats, err := engine.Stats()
		if err != nil {
			log.Printf("[api] wal stats for /status: %v", err)
		} else {
			resp.WALCounts = stats.CountsByStatus
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
