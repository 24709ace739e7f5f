package util

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/clock"
)

// RateLimiter is a token bucket refilled at a fixed rate. It starts full.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with bursts of up to burst calls. burst below 1 means 1; a nil
// clock means the wall clock.
func NewRateLimiter(perMinute, burst int, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real{}
	}
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clock:    c,
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: c.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := rl.take()
		if wait == 0 {
			return nil
		}
		if err := clock.Sleep(ctx, rl.clock, wait); err != nil {
			return err
		}
	}
}

// take consumes a token and returns zero, or returns how long until one is
// available.
func (rl *RateLimiter) take() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
