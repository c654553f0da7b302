package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/replivec/replivec/internal/ledger"
	"github.com/replivec/replivec/internal/routing"
	"github.com/replivec/replivec/internal/store"
	"github.com/replivec/replivec/internal/wal"
)

// Server wraps the HTTP server carrying both the observability surface and
// the proxied traffic; any path the surface does not claim falls through to
// the proxy frontend.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the observability routes and mounts the proxy as the
// fallback handler.
func NewServer(
	listenAddress string,
	port int,
	router *routing.Router,
	engine *wal.Engine,
	st *store.Store,
	recovery *ledger.RecoveryWorker,
	frontend http.Handler,
) *Server {
	mux := http.NewServeMux()
	startedAt := time.Now()

	mux.Handle("GET /health", HandleHealth(router))
	mux.Handle("GET /status", HandleStatus(router, engine, startedAt))
	mux.Handle("GET /wal/status", HandleWALStatus(engine))
	mux.Handle("GET /wal/stats", HandleWALStats(engine))
	mux.Handle("GET /wal/failed", HandleWALFailed(engine))
	mux.Handle("GET /transaction/safety/status", HandleSafetyStatus(st))
	mux.Handle("GET /transaction/safety/transactions/{id}", HandleGetTransaction(st))
	mux.Handle("POST /transaction/safety/recovery/trigger", HandleRecoveryTrigger(recovery))
	mux.Handle("POST /transaction/safety/cleanup", HandleSafetyCleanup(st))

	// Everything else is client traffic for the backends.
	mux.Handle("/", frontend)

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
