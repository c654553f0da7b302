// Package backend models the two downstream database instances and the HTTP
// client used to reach them.
package backend

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Canonical backend names. Routing, the WAL and the ledger all key on these.
const (
	Primary = "primary"
	Replica = "replica"
)

// Backend is an addressable database instance. Health state is written only
// by the prober and read lock-free on every request.
type Backend struct {
	Name     string
	BaseURL  *url.URL
	Priority int

	healthy      atomic.Bool
	consecFails  atomic.Int32
	successCount atomic.Int64
	lastProbeNs  atomic.Int64
	lastFlipNs   atomic.Int64

	client *http.Client
}

// New builds a backend descriptor. requestTimeout bounds every forwarded
// request; probe calls use their own shorter deadline via context.
func New(name, baseURL string, priority int, requestTimeout time.Duration) (*Backend, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend %s: parse url %q: %w", name, baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend %s: unsupported scheme %q", name, u.Scheme)
	}

	b := &Backend{
		Name:     name,
		BaseURL:  u,
		Priority: priority,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	// Optimistic until the first probe says otherwise; the first pass runs
	// synchronously at startup.
	b.healthy.Store(true)
	return b, nil
}

// Healthy reports the prober's cached verdict.
func (b *Backend) Healthy() bool {
	return b.healthy.Load()
}

// SetHealthy updates the cached verdict and returns true when the state
// actually flipped.
func (b *Backend) SetHealthy(v bool) bool {
	old := b.healthy.Swap(v)
	if old != v {
		b.lastFlipNs.Store(time.Now().UnixNano())
		return true
	}
	return false
}

// RecordProbe updates the rolling probe counters.
func (b *Backend) RecordProbe(ok bool) {
	b.lastProbeNs.Store(time.Now().UnixNano())
	if ok {
		b.consecFails.Store(0)
		b.successCount.Add(1)
	} else {
		b.consecFails.Add(1)
	}
}

// ConsecutiveFailures returns the current failed-probe streak.
func (b *Backend) ConsecutiveFailures() int {
	return int(b.consecFails.Load())
}

// SuccessCount returns the rolling successful-probe counter.
func (b *Backend) SuccessCount() int64 {
	return b.successCount.Load()
}

// LastProbe returns the time of the most recent probe, zero if never probed.
func (b *Backend) LastProbe() time.Time {
	ns := b.lastProbeNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SinceLastFlip returns the time elapsed since the health verdict last
// changed. The ledger uses this to classify timing-gap failures.
func (b *Backend) SinceLastFlip() time.Duration {
	ns := b.lastFlipNs.Load()
	if ns == 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// Snapshot is the JSON shape of a backend in /status.
type Snapshot struct {
	Name                string `json:"name"`
	BaseURL             string `json:"base_url"`
	Priority            int    `json:"priority"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	SuccessCount        int64  `json:"success_count"`
	LastProbe           string `json:"last_probe,omitempty"`
}

// Snapshot captures the backend's current state for the status surface.
func (b *Backend) Snapshot() Snapshot {
	s := Snapshot{
		Name:                b.Name,
		BaseURL:             b.BaseURL.String(),
		Priority:            b.Priority,
		Healthy:             b.Healthy(),
		ConsecutiveFailures: b.ConsecutiveFailures(),
		SuccessCount:        b.SuccessCount(),
	}
	if t := b.LastProbe(); !t.IsZero() {
		s.LastProbe = t.UTC().Format(time.RFC3339)
	}
	return s
}
