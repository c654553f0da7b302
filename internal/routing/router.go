// Package routing chooses a backend per request: primary-first writes,
// ratio-split reads, and post-write consistency-window pins.
package routing

import (
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/replivec/replivec/internal/backend"
)

// ErrNoBackendAvailable is returned when neither backend is healthy.
var ErrNoBackendAvailable = errors.New("no backend available")

// Pin forces reads for a collection onto the backend that served its last
// write until the window expires.
type Pin struct {
	BackendName string
	ExpiresAtNs int64
}

// RouterConfig configures the Router.
type RouterConfig struct {
	Primary *backend.Backend
	Replica *backend.Backend

	// ReadReplicaRatio is the fraction of unpinned reads sent to the replica.
	ReadReplicaRatio float64

	// ConsistencyWindow is how long a write pins its collection.
	ConsistencyWindow time.Duration

	// RandFn overrides the read-split dice roll. Intended for tests.
	RandFn func() float64
}

// Router is the health and routing engine. Pins live in a concurrent map;
// lookups are lock-free.
type Router struct {
	primary *backend.Backend
	replica *backend.Backend
	ratio   float64
	window  time.Duration
	randFn  func() float64

	pins *xsync.Map[string, Pin]

	readsPrimary  atomic.Int64
	readsReplica  atomic.Int64
	writesPrimary atomic.Int64
	writesReplica atomic.Int64
	rejected      atomic.Int64
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	randFn := cfg.RandFn
	if randFn == nil {
		randFn = rand.Float64
	}
	window := cfg.ConsistencyWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Router{
		primary: cfg.Primary,
		replica: cfg.Replica,
		ratio:   cfg.ReadReplicaRatio,
		window:  window,
		randFn:  randFn,
		pins:    xsync.NewMap[string, Pin](),
	}
}

// RouteWrite picks the backend for a write: primary if healthy, else replica.
func (r *Router) RouteWrite() (*backend.Backend, error) {
	switch {
	case r.primary.Healthy():
		r.writesPrimary.Add(1)
		return r.primary, nil
	case r.replica.Healthy():
		r.writesReplica.Add(1)
		return r.replica, nil
	default:
		r.rejected.Add(1)
		return nil, ErrNoBackendAvailable
	}
}

// RouteRead picks the backend for a read on the given collection key. An
// active consistency-window pin wins; otherwise the read ratio decides, with
// an unhealthy side replaced by the other.
func (r *Router) RouteRead(collectionKey string) (*backend.Backend, error) {
	if collectionKey != "" {
		if pin, ok := r.pins.Load(collectionKey); ok {
			if time.Now().UnixNano() < pin.ExpiresAtNs {
				if b := r.byName(pin.BackendName); b != nil && b.Healthy() {
					r.countRead(b)
					return b, nil
				}
			} else {
				r.pins.Delete(collectionKey)
			}
		}
	}

	want := r.primary
	if r.randFn() < r.ratio {
		want = r.replica
	}
	if !want.Healthy() {
		want = r.other(want)
	}
	if !want.Healthy() {
		r.rejected.Add(1)
		return nil, ErrNoBackendAvailable
	}
	r.countRead(want)
	return want, nil
}

// PinCollection starts (or refreshes) the consistency window for a collection
// on the backend that just served its write.
func (r *Router) PinCollection(collectionKey, backendName string) {
	if collectionKey == "" {
		return
	}
	r.pins.Store(collectionKey, Pin{
		BackendName: backendName,
		ExpiresAtNs: time.Now().Add(r.window).UnixNano(),
	})
}

// PinnedBackend reports the active pin for a collection, if any.
func (r *Router) PinnedBackend(collectionKey string) (string, bool) {
	pin, ok := r.pins.Load(collectionKey)
	if !ok || time.Now().UnixNano() >= pin.ExpiresAtNs {
		return "", false
	}
	return pin.BackendName, true
}

// Backends returns both backends, primary first.
func (r *Router) Backends() []*backend.Backend {
	return []*backend.Backend{r.primary, r.replica}
}

// HealthyBackends returns the currently healthy backends, primary first.
func (r *Router) HealthyBackends() []*backend.Backend {
	var out []*backend.Backend
	for _, b := range r.Backends() {
		if b.Healthy() {
			out = append(out, b)
		}
	}
	return out
}

// AnyHealthy reports whether at least one backend is healthy.
func (r *Router) AnyHealthy() bool {
	return r.primary.Healthy() || r.replica.Healthy()
}

// Stats is the routing counter snapshot for /status.
type Stats struct {
	ReadsPrimary  int64 `json:"reads_primary"`
	ReadsReplica  int64 `json:"reads_replica"`
	WritesPrimary int64 `json:"writes_primary"`
	WritesReplica int64 `json:"writes_replica"`
	Rejected      int64 `json:"rejected"`
	ActivePins    int   `json:"active_pins"`
}

// Snapshot returns current routing counters.
func (r *Router) Snapshot() Stats {
	return Stats{
		ReadsPrimary:  r.readsPrimary.Load(),
		ReadsReplica:  r.readsReplica.Load(),
		WritesPrimary: r.writesPrimary.Load(),
		WritesReplica: r.writesReplica.Load(),
		Rejected:      r.rejected.Load(),
		ActivePins:    r.pins.Size(),
	}
}

func (r *Router) byName(name string) *backend.Backend {
	switch name {
	case r.primary.Name:
		return r.primary
	case r.replica.Name:
		return r.replica
	}
	return nil
}

func (r *Router) other(b *backend.Backend) *backend.Backend {
	if b == r.primary {
		return r.replica
	}
	return r.primary
}

func (r *Router) countRead(b *backend.Backend) {
	if b == r.primary {
		r.readsPrimary.Add(1)
	} else {
		r.readsReplica.Add(1)
	}
}
