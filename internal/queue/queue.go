// Package queue provides an at-least-once work queue deduplicated by
// idempotency key, with attempt counting and dead-lettering. Two backends are
// available: MemoryQueue and SQLiteQueue.
package queue

import (
	"context"
	"errors"
	"time"

	"tradeguard/internal/domain"
)

// ItemType is the kind of work an item carries.
type ItemType string

const (
	TypeSubmit ItemType = "SUBMIT"
	TypeCancel ItemType = "CANCEL"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusCancelled  Status = "CANCELLED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Result is the broker outcome cached on a succeeded item.
type Result struct {
	OrderID string             `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
}

// WorkItem is a persisted unit of work.
type WorkItem struct {
	ID             string
	Type           ItemType
	Status         Status
	Symbol         string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	MaxAttempts    int
	Result         *Result
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrNotFound is returned when an item id is unknown.
var ErrNotFound = errors.New("queue: work item not found")

// Queue is the producer-side API.
type Queue interface {
	// Enqueue inserts a new item, or returns the existing item holding key.
	Enqueue(ctx context.Context, typ ItemType, symbol, key string, payload []byte, maxAttempts int) (*WorkItem, error)

	// Get returns the item with id, or nil if it does not exist.
	Get(ctx context.Context, id string) (*WorkItem, error)

	// Invalidate cancels the item and releases its idempotency key so that
	// a later Enqueue with the same key creates a fresh item.
	Invalidate(ctx context.Context, id, reason string) error
}

// Store is the consumer-side API used by Worker.
type Store interface {
	Queue

	// Claim moves the oldest pending item to IN_PROGRESS and returns it, or
	// nil when nothing is pending.
	Claim(ctx context.Context) (*WorkItem, error)

	// Complete marks the item SUCCEEDED with res.
	Complete(ctx context.Context, id string, res Result) error

	// Fail records a failed attempt. The item returns to PENDING, or moves to
	// DEAD_LETTER once attempts reach the maximum.
	Fail(ctx context.Context, id, errMsg string) error

	// DeadLetter moves the item straight to DEAD_LETTER.
	DeadLetter(ctx context.Context, id, errMsg string) error

	// Recover returns IN_PROGRESS items older than staleAfter to PENDING,
	// which is what makes delivery at-least-once across crashes.
	Recover(ctx context.Context, staleAfter time.Duration) (int, error)
}

// releasedKey is the key an invalidated item is moved to.
func releasedKey(key, id string) string {
	return key + "#invalidated#" + id
}
