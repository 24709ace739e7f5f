package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tradeguard/internal/clock"
)

// Handler executes one claimed work item.
type Handler func(ctx context.Context, it *WorkItem) (Result, error)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker dead-letters the item immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Worker drains a Store through a Handler.
type Worker struct {
	store      Store
	handler    Handler
	clock      clock.Clock
	interval   time.Duration
	staleAfter time.Duration
	log        *slog.Logger
}

// NewWorker creates a Worker that polls every interval.
func NewWorker(s Store, h Handler, c clock.Clock, interval time.Duration) *Worker {
	if c == nil {
		c = clock.Real{}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Worker{
		store:      s,
		handler:    h,
		clock:      c,
		interval:   interval,
		staleAfter: 2 * time.Minute,
		log:        slog.Default().With("component", "queue-worker"),
	}
}

// Run processes items until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.Recover(ctx, w.staleAfter); err != nil {
		w.log.Warn("recovering stale items", "error", err)
	} else if n > 0 {
		w.log.Info("requeued stale items", "count", n)
	}

	for {
		if err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("draining queue", "error", err)
		}
		if err := clock.Sleep(ctx, w.clock, w.interval); err != nil {
			return nil
		}
	}
}

// Drain processes pending items until none remain.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		ok, err := w.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// ProcessOnce claims and executes a single item. It reports whether an item
// was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	it, err := w.store.Claim(ctx)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, nil
	}

	log := w.log.With("work_item_id", it.ID, "type", it.Type, "symbol", it.Symbol, "attempt", it.Attempts)
	res, herr := w.handler(ctx, it)
	if herr == nil {
		log.Info("work item succeeded", "order_id", res.OrderID, "status", res.Status)
		return true, w.store.Complete(ctx, it.ID, res)
	}

	var perm *PermanentError
	if errors.As(herr, &perm) {
		log.Warn("work item dead-lettered", "error", herr)
		return true, w.store.DeadLetter(ctx, it.ID, herr.Error())
	}
	log.Warn("work item attempt failed", "error", herr, "max_attempts", it.MaxAttempts)
	return true, w.store.Fail(ctx, it.ID, herr.Error())
}
