package util

import (
	"context"
	"fmt"
	"time"

	"tradeguard/internal/clock"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay, waiting on c (the wall clock when nil). It returns nil on the
// first successful call. When every attempt fails it returns the last error
// wrapped with the attempt count; a cancelled context ends the loop early
// with ctx.Err().
func Retry(ctx context.Context, c clock.Clock, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if c == nil {
		c = clock.Real{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		if serr := clock.Sleep(ctx, c, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}
