package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/clock"
)

// Compile-time interface check.
var _ Store = (*MemoryQueue)(nil)

// MemoryQueue is an in-process Store. It is used by tests and by the
// simulator binary mode.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*WorkItem
	byKey map[string]string
	clock clock.Clock
}

// NewMemoryQueue creates an empty MemoryQueue. A nil clock uses wall time.
func NewMemoryQueue(c clock.Clock) *MemoryQueue {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryQueue{
		items: make(map[string]*WorkItem),
		byKey: make(map[string]string),
		clock: c,
	}
}

// Enqueue inserts a new item or returns the one already holding key.
func (q *MemoryQueue) Enqueue(_ context.Context, typ ItemType, symbol, key string, payload []byte, maxAttempts int) (*WorkItem, error) {
	if key == "" {
		return nil, fmt.Errorf("queue: empty idempotency key")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byKey[key]; ok {
		return copyItem(q.items[id]), nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := q.clock.Now()
	it := &WorkItem{
		ID:             uuid.NewString(),
		Type:           typ,
		Status:         StatusPending,
		Symbol:         symbol,
		IdempotencyKey: key,
		Payload:        append([]byte(nil), payload...),
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	q.items[it.ID] = it
	q.byKey[key] = it.ID
	return copyItem(it), nil
}

// Get returns a copy of the item, or nil.
func (q *MemoryQueue) Get(_ context.Context, id string) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, nil
	}
	return copyItem(it), nil
}

// Invalidate cancels the item and frees its key.
func (q *MemoryQueue) Invalidate(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if q.byKey[it.IdempotencyKey] == id {
		delete(q.byKey, it.IdempotencyKey)
	}
	it.IdempotencyKey = releasedKey(it.IdempotencyKey, id)
	q.byKey[it.IdempotencyKey] = id
	it.Status = StatusCancelled
	it.LastError = reason
	it.UpdatedAt = q.clock.Now()
	return nil
}

// Claim returns the oldest pending item, now IN_PROGRESS.
func (q *MemoryQueue) Claim(_ context.Context) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*WorkItem
	for _, it := range q.items {
		if it.Status == StatusPending {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	it := pending[0]
	it.Status = StatusInProgress
	it.Attempts++
	it.UpdatedAt = q.clock.Now()
	return copyItem(it), nil
}

// Complete marks the item SUCCEEDED.
func (q *MemoryQueue) Complete(_ context.Context, id string, res Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	r := res
	it.Result = &r
	it.Status = StatusSucceeded
	it.LastError = ""
	it.UpdatedAt = q.clock.Now()
	return nil
}

// Fail records a failed attempt.
func (q *MemoryQueue) Fail(_ context.Context, id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	it.LastError = errMsg
	it.UpdatedAt = q.clock.Now()
	if it.Attempts >= it.MaxAttempts {
		it.Status = StatusDeadLetter
	} else {
		it.Status = StatusPending
	}
	return nil
}

// DeadLetter moves the item to DEAD_LETTER.
func (q *MemoryQueue) DeadLetter(_ context.Context, id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = StatusDeadLetter
	it.LastError = errMsg
	it.UpdatedAt = q.clock.Now()
	return nil
}

// Recover requeues stale IN_PROGRESS items.
func (q *MemoryQueue) Recover(_ context.Context, staleAfter time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.clock.Now().Add(-staleAfter)
	n := 0
	for _, it := range q.items {
		if it.Status == StatusInProgress && !it.UpdatedAt.After(cutoff) {
			it.Status = StatusPending
			n++
		}
	}
	return n, nil
}

// Len returns the number of items ever enqueued, invalidated ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func copyItem(it *WorkItem) *WorkItem {
	c := *it
	c.Payload = append([]byte(nil), it.Payload...)
	if it.Result != nil {
		r := *it.Result
		c.Result = &r
	}
	return &c
}
