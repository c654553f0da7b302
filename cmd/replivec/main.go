package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replivec/replivec/internal/api"
	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/buildinfo"
	"github.com/replivec/replivec/internal/config"
	"github.com/replivec/replivec/internal/health"
	"github.com/replivec/replivec/internal/ledger"
	"github.com/replivec/replivec/internal/mapper"
	"github.com/replivec/replivec/internal/proxy"
	"github.com/replivec/replivec/internal/routing"
	"github.com/replivec/replivec/internal/store"
	"github.com/replivec/replivec/internal/wal"
)

// attemptingStallWindow is how old an ATTEMPTING ledger row must be at boot
// to count as interrupted by a crash.
const attemptingStallWindow = 10 * time.Minute

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log.Printf("replivec %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. Open the durable store and apply migrations
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate store: %v", err)
	}
	st.SetOpTimeout(cfg.RequestTimeout)

	// 3. Startup recovery: clear stale claims, surface crash-interrupted writes
	if n, err := st.ResetStaleInFlight(); err != nil {
		log.Printf("[main] reset stale in-flight: %v", err)
	} else if n > 0 {
		log.Printf("[main] released %d stale in-flight WAL claims", n)
	}
	if n, err := st.ReclassifyStaleAttempting(attemptingStallWindow); err != nil {
		log.Printf("[main] reclassify stale ledger rows: %v", err)
	} else if n > 0 {
		log.Printf("[main] reclassified %d interrupted ledger transactions as FAILED", n)
	}

	// 4. Backends and health prober
	primary, err := backend.New(backend.Primary, cfg.PrimaryURL, 1, cfg.RequestTimeout)
	if err != nil {
		log.Fatalf("primary backend: %v", err)
	}
	replica, err := backend.New(backend.Replica, cfg.ReplicaURL, 2, cfg.RequestTimeout)
	if err != nil {
		log.Fatalf("replica backend: %v", err)
	}
	prober := health.NewProber(health.ProberConfig{
		Backends:         []*backend.Backend{primary, replica},
		Interval:         cfg.CheckInterval,
		Timeout:          cfg.ProbeTimeout,
		FailureThreshold: cfg.FailureThreshold,
	})

	// 5. Identity mapper and router
	mp, err := mapper.New(st)
	if err != nil {
		log.Fatalf("mapper: %v", err)
	}
	router := routing.NewRouter(routing.RouterConfig{
		Primary:           primary,
		Replica:           replica,
		ReadReplicaRatio:  cfg.ReadReplicaRatio,
		ConsistencyWindow: cfg.ConsistencyWindow,
	})

	// 6. WAL engine
	engine := wal.NewEngine(wal.Config{
		Store:               st,
		Mapper:              mp,
		Primary:             primary,
		Replica:             replica,
		SyncInterval:        cfg.WALSyncInterval,
		BatchSize:           cfg.WALBatchSize,
		HighVolumeBatchSize: cfg.WALHighVolumeBatchSize,
		MemoryThresholdPct:  cfg.WALMemoryThreshold,
		CPUThresholdPct:     cfg.WALCPUThreshold,
		MaxMemoryMB:         cfg.MaxMemoryMB,
		RetryAttempts:       cfg.WALRetryAttempts,
		RetryDelay:          cfg.WALRetryDelay,
		ReplayTimeout:       cfg.RequestTimeout,
		DeletionConversion:  cfg.WALDeletionConversion,
		MaxInFlight:         cfg.MaxWorkers,
	})

	// 7. Safety ledger, recovery worker, and the proxy frontend
	led := ledger.New(st, cfg.LedgerMaxRetries)
	recovery := ledger.NewRecoveryWorker(led, st, router, cfg.LedgerRecoveryInterval, cfg.RequestTimeout)
	frontend := proxy.New(proxy.Config{
		Router:         router,
		Mapper:         mp,
		WAL:            engine,
		Ledger:         led,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.RequestTimeout,
	})
	recovery.SetReplay(frontend.ReplayWrite)

	// 8. Background workers
	prober.Start()
	engine.Start()
	recovery.Start()

	// 9. HTTP server: observability surface with the proxy as fallback
	srv := api.NewServer(cfg.ListenAddress, cfg.ProxyPort, router, engine, st, recovery, frontend)
	go func() {
		log.Printf("replivec listening on %s:%d (primary %s, replica %s)",
			cfg.ListenAddress, cfg.ProxyPort, cfg.PrimaryURL, cfg.ReplicaURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	recovery.Stop()
	engine.Stop()
	prober.Stop()
	log.Println("Server stopped")
}
