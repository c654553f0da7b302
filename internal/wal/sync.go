package wal

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/mapper"
	"github.com/replivec/replivec/internal/store"
)

// SyncPass runs one replication pass: for each healthy backend, claim the
// next ordered batch of rows that backend still needs and replay them.
func (e *Engine) SyncPass() {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	batch := e.adjustBatch()
	for _, b := range []*backend.Backend{e.primary, e.replica} {
		if !b.Healthy() {
			continue
		}
		e.syncBackend(b, batch)
	}
}

// syncBackend replays claimed rows against one backend. Rows are grouped by
// collection: groups run concurrently up to the in-flight cap, rows within a
// group stay strictly ordered. The first failure in a group stops that
// group's tail for this pass.
func (e *Engine) syncBackend(b *backend.Backend, batch int) {
	entries, err := e.st.ClaimUnsynced(b.Name, batch, e.retryAttempts)
	if err != nil {
		log.Printf("[wal] claim for %s failed: %v", b.Name, err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Group by collection preserving claim order; per-collection FIFO is the
	// ordering guarantee, cross-collection interleaving is allowed.
	groups := make(map[string][]store.WalEntry)
	var order []string
	for _, entry := range entries {
		key := entry.CollectionID
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	sem := make(chan struct{}, e.maxInFlight)
	var wg sync.WaitGroup
	var replayed, failed atomic.Int64

	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func(rows []store.WalEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			for i, row := range rows {
				ok := e.replayRow(b, &row)
				if ok {
					replayed.Add(1)
					continue
				}
				failed.Add(1)
				// Release the untouched tail so the next pass reclaims it
				// promptly.
				var tail []int64
				for _, rest := range rows[i+1:] {
					tail = append(tail, rest.Seq)
				}
				if err := e.st.ReleaseWAL(tail); err != nil {
					log.Printf("[wal] release tail for %s: %v", b.Name, err)
				}
				return
			}
		}(group)
	}
	wg.Wait()

	if n := replayed.Load(); n > 0 || failed.Load() > 0 {
		log.Printf("[wal] sync %s: %d replayed, %d failed (batch %d)", b.Name, n, failed.Load(), batch)
	}
}

// replayRow applies one WAL row to a backend. Returns false when the row
// failed and its collection group should stop for this pass.
func (e *Engine) replayRow(b *backend.Backend, row *store.WalEntry) bool {
	body := row.Body
	if e.convert {
		converted, err := e.convertDeletion(row, b.Name)
		if err != nil {
			if errors.Is(err, ErrConversionImpossible) {
				// No logical ID on file: the row can never be applied to
				// this backend. Permanent, descriptive failure.
				if ferr := e.st.FailWAL(row.WriteID, err.Error()); ferr != nil {
					log.Printf("[wal] fail row %s: %v", row.WriteID, ferr)
				}
				log.Printf("[wal] row %s permanently failed: %v", row.WriteID, err)
				return false
			}
			log.Printf("[wal] conversion for %s: %v", row.WriteID, err)
			return e.recordFailure(row, err.Error())
		}
		if converted != nil {
			body = converted
		}
	}

	// Rows store the canonical name form of the path; resolve it to this
	// backend's UUID before replay.
	path := row.Path
	if rw := e.mapper.RewriteForBackend(row.Path, b.Name); rw.Rewritten {
		path = rw.Path
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.replayTimeout)
	res, err := b.Execute(ctx, row.Method, path, body, row.Headers)
	cancel()
	if err != nil {
		return e.recordFailure(row, err.Error())
	}

	// 2xx applied; 404 means the target is already absent, which is just as
	// terminal for this backend.
	if !res.Applied() {
		return e.recordFailure(row, httpFailureMessage(res))
	}

	// A replayed collection create assigns this backend its own UUID; record
	// it so later rewrites resolve.
	if mapper.IsCollectionCreate(row.Method, row.Path) {
		if err := e.mapper.AutoMap(b.Name, res.Body); err != nil {
			log.Printf("[wal] automap from %s replay response: %v", b.Name, err)
		}
	}

	synced, err := e.st.MarkWALApplied(row.WriteID, b.Name)
	if err != nil {
		log.Printf("[wal] mark applied %s on %s: %v", row.WriteID, b.Name, err)
		return false
	}
	if synced {
		log.Printf("[wal] row %s synced (collection %s)", row.WriteID, row.CollectionID)
	}
	return true
}

func (e *Engine) recordFailure(row *store.WalEntry, msg string) bool {
	retryAfter := time.Now().Add(e.retryDelay).UnixNano()
	status, err := e.st.BumpWALRetry(row.WriteID, msg, e.retryAttempts, retryAfter)
	if err != nil {
		log.Printf("[wal] bump retry %s: %v", row.WriteID, err)
		return false
	}
	if status == store.WalFailed {
		// Alert path: the row is preserved for forensic replay.
		log.Printf("[wal] ALERT: row %s exhausted retries: %s", row.WriteID, msg)
	}
	return false
}

func httpFailureMessage(res *backend.Result) string {
	msg := "replay rejected with status " + strconv.Itoa(res.StatusCode)
	if len(res.Body) > 0 {
		trimmed := res.Body
		if len(trimmed) > 256 {
			trimmed = trimmed[:256]
		}
		msg += ": " + string(trimmed)
	}
	return msg
}
