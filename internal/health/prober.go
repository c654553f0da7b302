// Package health implements periodic liveness probing of the two backends.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/scanloop"
)

// LivenessPath is the backend endpoint a probe hits.
const LivenessPath = "/api/v2/version"

// FlipFunc is called after a backend's health verdict changes.
type FlipFunc func(b *backend.Backend, healthy bool)

// ProberConfig configures the Prober.
type ProberConfig struct {
	Backends []*backend.Backend
	Interval time.Duration // probe period, default 30s
	Timeout  time.Duration // per-probe deadline, default 10s

	// FailureThreshold is the number of consecutive failed probes before a
	// backend flips unhealthy. A single success flips it back.
	FailureThreshold int

	// OnFlip is called synchronously on state changes; handlers must stay
	// lightweight.
	OnFlip FlipFunc
}

// Prober runs the background health checks and owns the cached health
// verdicts on the backends.
type Prober struct {
	backends  []*backend.Backend
	interval  time.Duration
	timeout   time.Duration
	threshold int
	onFlip    FlipFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a prober. Defaults: 30s interval, 10s timeout,
// threshold 3.
func NewProber(cfg ProberConfig) *Prober {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Prober{
		backends:  cfg.Backends,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		onFlip:    cfg.OnFlip,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one synchronous probe pass so routing has a real verdict at
// boot, then launches the background loop.
func (p *Prober) Start() {
	p.ProbeAll()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.Run(p.stopCh, p.interval, scanloop.DefaultJitterRange, p.ProbeAll)
	}()
}

// Stop signals the loop to stop and waits for it.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// ProbeAll probes every backend once, in parallel, and applies threshold
// transitions.
func (p *Prober) ProbeAll() {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			p.probeOne(b)
		}(b)
	}
	wg.Wait()
}

func (p *Prober) probeOne(b *backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := b.Probe(ctx, LivenessPath)
	b.RecordProbe(err == nil)

	if err == nil {
		// A single success flips the backend back to healthy.
		if b.SetHealthy(true) {
			log.Printf("[prober] backend %s is healthy again", b.Name)
			if p.onFlip != nil {
				p.onFlip(b, true)
			}
		}
		return
	}

	fails := b.ConsecutiveFailures()
	log.Printf("[prober] backend %s probe failed (%d consecutive): %v", b.Name, fails, err)
	if fails >= p.threshold {
		if b.SetHealthy(false) {
			log.Printf("[prober] backend %s marked unhealthy after %d failures", b.Name, fails)
			if p.onFlip != nil {
				p.onFlip(b, false)
			}
		}
	}
}
