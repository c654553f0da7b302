// Package ledger implements the transaction safety ledger: every write is
// logged before routing so failures in the health-cache timing gap can be
// recovered later.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/store"
)

// gapWindow is how recently a health flip must have happened for an
// unavailable-backend failure to still count as a timing-gap miss when the
// cached verdict already said unhealthy.
const gapWindow = 60 * time.Second

// Ledger wraps the store's ledger operations with classification logic.
type Ledger struct {
	st         *store.Store
	maxRetries int
}

// New creates a Ledger.
func New(st *store.Store, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Ledger{st: st, maxRetries: maxRetries}
}

// SessionHeader is the client header whose value is persisted as the
// transaction's client session.
const SessionHeader = "X-Session-Id"

// Begin inserts an ATTEMPTING row before any routing decision and returns
// the transaction ID clients can poll.
func (l *Ledger) Begin(method, path string, body []byte, headers map[string]string, clientIP, operationType string) (string, error) {
	txID := uuid.NewString()
	err := l.st.InsertLedger(&store.LedgerTransaction{
		TransactionID: txID,
		Method:        method,
		Path:          path,
		Data:          body,
		Headers:       headers,
		MaxRetries:    l.maxRetries,
		ClientSession: headers[SessionHeader],
		ClientIP:      clientIP,
		OperationType: operationType,
	})
	if err != nil {
		return "", fmt.Errorf("ledger begin: %w", err)
	}
	return txID, nil
}

// Complete marks the transaction COMPLETED with the backend response.
func (l *Ledger) Complete(txID string, status int, respBody []byte) error {
	return l.st.CompleteLedger(txID, status, respBody)
}

// Outcome is the ledger's classification of a failed synchronous write.
type Outcome struct {
	Status    store.LedgerStatus
	TimingGap bool
	Reason    string
}

// Classify decides what a synchronous failure means. b is the backend the
// router chose; res is non-nil when the backend answered.
func Classify(b *backend.Backend, res *backend.Result, err error) Outcome {
	if err != nil {
		if b != nil && backend.KindOf(err) == backend.KindUnavailable {
			// The router only picks cached-healthy backends, so an
			// unreachable one is by definition a timing-gap miss; a recent
			// flip corroborates it. No routing decision at all (both sides
			// already known down) is a plain failure, not a gap.
			gap := b.Healthy() || b.SinceLastFlip() < gapWindow
			return Outcome{Status: store.LedgerFailed, TimingGap: gap, Reason: err.Error()}
		}
		return Outcome{Status: store.LedgerFailed, Reason: err.Error()}
	}

	if res.StatusCode >= 400 && res.StatusCode < 500 {
		// A live backend rejected the request; retrying cannot help.
		return Outcome{Status: store.LedgerAbandoned,
			Reason: fmt.Sprintf("client error %d from live backend", res.StatusCode)}
	}
	return Outcome{Status: store.LedgerFailed,
		Reason: fmt.Sprintf("server error %d", res.StatusCode)}
}

// Resolve applies a classification outcome to the stored transaction.
func (l *Ledger) Resolve(txID string, target string, o Outcome) error {
	switch o.Status {
	case store.LedgerAbandoned:
		return l.st.AbandonLedger(txID, o.Reason)
	default:
		return l.st.FailLedger(txID, o.Reason, o.TimingGap, target)
	}
}

// RetryAfter reports the client-facing retry hint for a failed transaction:
// the first backoff step of the recovery schedule.
func RetryAfter() int {
	return 60
}
