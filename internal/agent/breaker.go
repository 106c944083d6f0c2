package agent

import (
	"sync/atomic"
	"time"
)

const (
	breakerThreshold = 5
	breakerWindow    = 60 * time.Second
)

// Breaker sheds load off the default model route after repeated failures.
// Counters are plain atomics; readers may see slightly stale state, which
// is fine — the breaker exists to reduce pressure, not to be exact.
type Breaker struct {
	failures    atomic.Int32
	openUntilMs atomic.Int64
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Open reports whether the breaker is currently shedding. Once the window
// passes, the next request probes the primary route again; a failed probe
// re-opens immediately, a success closes.
func (b *Breaker) Open() bool {
	until := b.openUntilMs.Load()
	return until > 0 && b.now().UnixMilli() < until
}

// Success closes the breaker and zeroes the failure streak.
func (b *Breaker) Success() {
	b.failures.Store(0)
	b.openUntilMs.Store(0)
}

// Failure records one non-abort failure. The fifth consecutive failure
// opens the breaker for the window.
func (b *Breaker) Failure() {
	if n := b.failures.Add(1); n >= breakerThreshold {
		b.openUntilMs.Store(b.now().Add(breakerWindow).UnixMilli())
	}
}

// Failures reports the current streak, for status output.
func (b *Breaker) Failures() int {
	return int(b.failures.Load())
}
