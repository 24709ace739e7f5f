package retry

import (
	"sync"
	"time"

	"tradeguard/internal/clock"
	"tradeguard/internal/metrics"
)

// Breaker defaults.
const (
	DefaultThreshold = 5
	DefaultWindow    = time.Minute
	DefaultReset     = 5 * time.Minute
)

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Open        bool      `json:"open"`
	ResetAt     time.Time `json:"reset_at"`
}

// Breaker halts automated retries for the whole process after Threshold
// failures within Window, until Reset has elapsed or Reset is called. One
// breaker covers every symbol; create one per process and share it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	reset     time.Duration
	clock     clock.Clock
	state     BreakerState
}

// NewBreaker creates a closed breaker. Zero values select the defaults.
func NewBreaker(threshold int, window, reset time.Duration, c clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if reset <= 0 {
		reset = DefaultReset
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Breaker{threshold: threshold, window: window, reset: reset, clock: c}
}

// Allow reports whether a retry may proceed, closing the breaker first if its
// reset time has passed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock.Now())
	return !b.state.Open
}

// RecordFailure counts a failed retry and opens the breaker when the
// threshold is reached inside the window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.expireLocked(now)

	if !b.state.LastFailure.IsZero() && now.Sub(b.state.LastFailure) > b.window {
		b.state.Failures = 0
	}
	b.state.Failures++
	b.state.LastFailure = now
	if !b.state.Open && b.state.Failures >= b.threshold {
		b.state.Open = true
		b.state.ResetAt = now.Add(b.reset)
		metrics.BreakerOpen.Set(1)
	}
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerState{}
	metrics.BreakerOpen.Set(0)
}

// Snapshot returns the current state, applying any due auto-reset.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock.Now())
	return b.state
}

func (b *Breaker) expireLocked(now time.Time) {
	if b.state.Open && !now.Before(b.state.ResetAt) {
		b.state = BreakerState{}
		metrics.BreakerOpen.Set(0)
	}
}
