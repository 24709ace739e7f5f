package queue

import (
	"context"
	"sync"
)

// Inline is a Queue that executes work synchronously: every Enqueue drains
// the underlying store through the worker before returning. Enqueues are
// serialized, so a duplicate enqueue observes the settled first item. It is
// used for simulation runs and tests where a background worker would only add
// latency.
type Inline struct {
	Store
	worker *Worker
	mu     sync.Mutex
}

// NewInline wraps s with an inline worker.
func NewInline(s Store, w *Worker) *Inline {
	return &Inline{Store: s, worker: w}
}

// Enqueue inserts the item and processes everything pending. The returned
// item is the snapshot taken at insert time; Get observes the outcome.
func (q *Inline) Enqueue(ctx context.Context, typ ItemType, symbol, key string, payload []byte, maxAttempts int) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.Store.Enqueue(ctx, typ, symbol, key, payload, maxAttempts)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusPending {
		return it, nil
	}
	if err := q.worker.Drain(ctx); err != nil {
		return nil, err
	}
	return it, nil
}
