package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleDuplicate means the cached result for this idempotency key
	// refers to an order that is dead at the broker. The work item has been
	// invalidated; resubmitting creates a fresh order.
	ErrStaleDuplicate = errors.New("execution: stale duplicate, resubmit")

	// ErrSubmitTimeout means the work item did not settle within the poll
	// timeout. The order may still exist; reconcile before retrying.
	ErrSubmitTimeout = errors.New("execution: submit timed out")

	// ErrItemMissing is returned when the queue loses track of a work item
	// while it is being polled.
	ErrItemMissing = errors.New("execution: work item disappeared")
)

// DeadLetterError is returned when a work item exhausted its attempts.
type DeadLetterError struct {
	WorkItemID string
	Symbol     string
	LastError  string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("execution: work item %s for %s dead-lettered: %s", e.WorkItemID, e.Symbol, e.LastError)
}
