// Package scanloop provides the shared cadence for background workers.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// DefaultJitterRange spreads worker ticks so the prober, WAL sync and ledger
// recovery loops do not align on the same instant after a restart.
const DefaultJitterRange = 2 * time.Second

// Run executes fn at a jittered interval until stopCh is closed.
// Each wait is interval + random([0, jitterRange)). The first execution
// happens after one full wait; callers that need an immediate pass run fn
// themselves before starting the loop.
func Run(stopCh <-chan struct{}, interval, jitterRange time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		wait := interval
		if jitterRange > 0 {
			wait += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(wait)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
