package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/routing"
	"github.com/replivec/replivec/internal/scanloop"
	"github.com/replivec/replivec/internal/store"
)

// recoveryBatch caps how many FAILED rows one pass replays.
const recoveryBatch = 50

// ReplayFunc re-executes a logged write through the proxy's internal write
// pipeline (mapper rewrite + WAL append + backend execute), so a recovered
// operation stays consistent with the normal path.
type ReplayFunc func(ctx context.Context, method, path string, body []byte, headers map[string]string) (*backend.Result, error)

// RecoveryWorker periodically replays recoverable ledger transactions.
type RecoveryWorker struct {
	ledger   *Ledger
	st       *store.Store
	router   *routing.Router
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex // serializes passes (scheduled and triggered)
	replay ReplayFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecoveryWorker creates the worker. SetReplay must be called before
// Start.
func NewRecoveryWorker(l *Ledger, st *store.Store, router *routing.Router, interval, timeout time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RecoveryWorker{
		ledger:   l,
		st:       st,
		router:   router,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// SetReplay injects the replay pipeline. Called once during wiring, after
// the proxy frontend exists.
func (w *RecoveryWorker) SetReplay(fn ReplayFunc) {
	w.replay = fn
}

// Start launches the background recovery loop.
func (w *RecoveryWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.interval, scanloop.DefaultJitterRange, func() {
			w.RunPass()
		})
	}()
}

// Stop signals the loop to stop and waits for it.
func (w *RecoveryWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// PassResult summarizes one recovery pass for the observability surface.
type PassResult struct {
	Examined  int `json:"examined"`
	Recovered int `json:"recovered"`
	Abandoned int `json:"abandoned"`
	StillOpen int `json:"still_open"`
}

// RunPass executes one recovery pass synchronously. Also invoked by
// POST /transaction/safety/recovery/trigger.
func (w *RecoveryWorker) RunPass() PassResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result PassResult
	if w.replay == nil || !w.router.AnyHealthy() {
		return result
	}

	rows, err := w.st.FetchRecoverableLedger(recoveryBatch)
	if err != nil {
		log.Printf("[ledger] recovery fetch failed: %v", err)
		return result
	}
	result.Examined = len(rows)

	for _, row := range rows {
		// Count the attempt first so the backoff trigger pushes the next
		// window out even if we crash mid-replay.
		if err := w.st.BumpLedgerRetry(row.TransactionID); err != nil {
			log.Printf("[ledger] recovery bump %s: %v", row.TransactionID, err)
			continue
		}
		if err := w.st.MarkLedgerAttempting(row.TransactionID); err != nil {
			log.Printf("[ledger] recovery mark %s: %v", row.TransactionID, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		res, err := w.replay(ctx, row.Method, row.Path, row.Data, row.Headers)
		cancel()

		exhausted := row.RetryCount+1 >= row.MaxRetries
		switch {
		case err == nil && res.OK():
			if err := w.st.RecoverLedger(row.TransactionID, res.StatusCode, res.Body); err != nil {
				log.Printf("[ledger] recovery finish %s: %v", row.TransactionID, err)
				continue
			}
			result.Recovered++
			log.Printf("[ledger] recovered transaction %s (%s %s)", row.TransactionID, row.Method, row.Path)

		case err == nil && res.StatusCode >= 400 && res.StatusCode < 500:
			w.abandon(row.TransactionID, "client error on recovery", &result)

		default:
			reason := "recovery attempt failed"
			if err != nil {
				reason = err.Error()
			}
			if exhausted {
				w.abandon(row.TransactionID, reason+" (retries exhausted)", &result)
			} else {
				if err := w.st.FailLedger(row.TransactionID, reason, row.IsTimingGapFailure, row.TargetInstance); err != nil {
					log.Printf("[ledger] recovery refail %s: %v", row.TransactionID, err)
				}
				result.StillOpen++
			}
		}
	}
	return result
}

func (w *RecoveryWorker) abandon(txID, reason string, result *PassResult) {
	if err := w.st.AbandonLedger(txID, reason); err != nil {
		log.Printf("[ledger] recovery abandon %s: %v", txID, err)
		return
	}
	result.Abandoned++
}
