// Package wal implements the unified write-ahead log: a durable ordered
// write queue with a background worker that drains every accepted write to
// whichever backend is lagging.
package wal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/mapper"
	"github.com/replivec/replivec/internal/scanloop"
	"github.com/replivec/replivec/internal/store"
	"github.com/zeebo/xxh3"
)

// Config wires the engine.
type Config struct {
	Store   *store.Store
	Mapper  *mapper.Mapper
	Primary *backend.Backend
	Replica *backend.Backend

	SyncInterval time.Duration // default 10s

	// Batch bounds; the effective size floats between them under the
	// adaptive pressure clamp.
	BatchSize           int // default 50
	HighVolumeBatchSize int // default 200
	MemoryThresholdPct  int // default 80
	CPUThresholdPct     int // default 80
	MaxMemoryMB         int // default 450

	RetryAttempts      int           // per-row replay budget, default 3
	RetryDelay         time.Duration // backoff before a failed row is claimable again, default 5s
	ReplayTimeout      time.Duration // per-replay deadline, default 15s
	DeletionConversion bool
	MaxInFlight        int // concurrent replays per backend, default 3
}

// Engine is the unified WAL engine.
type Engine struct {
	st      *store.Store
	mapper  *mapper.Mapper
	primary *backend.Backend
	replica *backend.Backend

	interval      time.Duration
	batchMin      int
	batchMax      int
	memThreshold  int
	cpuThreshold  int
	maxMemoryMB   int
	retryAttempts int
	retryDelay    time.Duration
	replayTimeout time.Duration
	convert       bool
	maxInFlight   int

	batch   atomic.Int64
	sampler cpuSampler

	stopCh chan struct{}
	wg     sync.WaitGroup
	passMu sync.Mutex
}

// NewEngine creates the engine with defaults filled in.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		st:            cfg.Store,
		mapper:        cfg.Mapper,
		primary:       cfg.Primary,
		replica:       cfg.Replica,
		interval:      cfg.SyncInterval,
		batchMin:      cfg.BatchSize,
		batchMax:      cfg.HighVolumeBatchSize,
		memThreshold:  cfg.MemoryThresholdPct,
		cpuThreshold:  cfg.CPUThresholdPct,
		maxMemoryMB:   cfg.MaxMemoryMB,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		replayTimeout: cfg.ReplayTimeout,
		convert:       cfg.DeletionConversion,
		maxInFlight:   cfg.MaxInFlight,
		stopCh:        make(chan struct{}),
	}
	if e.interval <= 0 {
		e.interval = 10 * time.Second
	}
	if e.batchMin <= 0 {
		e.batchMin = 50
	}
	if e.batchMax < e.batchMin {
		e.batchMax = 200
	}
	if e.memThreshold <= 0 {
		e.memThreshold = 80
	}
	if e.cpuThreshold <= 0 {
		e.cpuThreshold = 80
	}
	if e.maxMemoryMB <= 0 {
		e.maxMemoryMB = 450
	}
	if e.retryAttempts <= 0 {
		e.retryAttempts = 3
	}
	if e.retryDelay <= 0 {
		e.retryDelay = 5 * time.Second
	}
	if e.replayTimeout <= 0 {
		e.replayTimeout = 15 * time.Second
	}
	if e.maxInFlight <= 0 {
		e.maxInFlight = 3
	}
	e.batch.Store(int64(e.batchMin))
	return e
}

// Append durably logs a write before it is forwarded. The entry targets both
// backends; executedOn names the backend the router chose for the
// synchronous attempt. Returns the write ID.
func (e *Engine) Append(method, path string, body []byte, headers map[string]string, collectionKey, executedOn string) (string, error) {
	writeID := uuid.NewString()
	entry := &store.WalEntry{
		WriteID:        writeID,
		Method:         method,
		Path:           path,
		Body:           body,
		Headers:        headers,
		BodyHash:       fmt.Sprintf("%016x", xxh3.Hash(body)),
		TargetInstance: store.TargetBoth,
		ExecutedOn:     executedOn,
		CollectionID:   collectionKey,
	}
	if _, err := e.st.InsertWAL(entry); err != nil {
		return "", fmt.Errorf("wal append: %w", err)
	}
	return writeID, nil
}

// MarkExecuted records the synchronous success of a write on the named
// backend.
func (e *Engine) MarkExecuted(writeID, backendName string) error {
	_, err := e.st.MarkWALExecuted(writeID, backendName)
	return err
}

// MarkApplied records an out-of-band application (e.g. the dual-backend
// delete path) and reports whether the row reached synced.
func (e *Engine) MarkApplied(writeID, backendName string) (bool, error) {
	return e.st.MarkWALApplied(writeID, backendName)
}

// Fail terminally fails a row. The proxy drops rows for writes that never
// executed, leaving recovery to the safety ledger instead of replay.
func (e *Engine) Fail(writeID, errMsg string) error {
	return e.st.FailWAL(writeID, errMsg)
}

// FailedRows lists terminally failed rows for the forensic surface.
func (e *Engine) FailedRows(limit int) ([]store.FailedWalRow, error) {
	return e.st.ListFailedWAL(limit)
}

// Stats returns the aggregate WAL counters.
func (e *Engine) Stats() (*store.WalStats, error) {
	return e.st.WALStats()
}

// CurrentBatchSize reports the adaptive batch size in effect.
func (e *Engine) CurrentBatchSize() int {
	return int(e.batch.Load())
}

// Start launches the background sync loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		scanloop.Run(e.stopCh, e.interval, scanloop.DefaultJitterRange, e.SyncPass)
	}()
}

// Stop signals the loop to stop and waits for in-flight work.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}
