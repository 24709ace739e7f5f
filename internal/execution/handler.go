package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tradeguard/internal/broker"
	"tradeguard/internal/domain"
	"tradeguard/internal/queue"
)

// QueueHandler returns the queue.Handler that executes SUBMIT and CANCEL work
// items against b. The broker client order id is derived from the item's
// idempotency key and id, so re-executing an item after a crash finds the
// first order instead of placing a second one, while an item created after
// invalidation gets a fresh id.
func QueueHandler(b broker.Broker) queue.Handler {
	return func(ctx context.Context, it *queue.WorkItem) (queue.Result, error) {
		switch it.Type {
		case queue.TypeSubmit:
			return handleSubmit(ctx, b, it)
		case queue.TypeCancel:
			return handleCancel(ctx, b, it)
		}
		return queue.Result{}, queue.Permanent(fmt.Errorf("unknown work item type %q", it.Type))
	}
}

func handleSubmit(ctx context.Context, b broker.Broker, it *queue.WorkItem) (queue.Result, error) {
	var p OrderParams
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return queue.Result{}, queue.Permanent(fmt.Errorf("decoding submit payload: %w", err))
	}

	cid := ClientOrderID(it)
	o, err := b.PlaceOrder(ctx, p.Intent(cid))
	if errors.Is(err, broker.ErrDuplicateClientOrderID) {
		o, err = b.GetOrderByClientID(ctx, cid)
	}
	if err != nil {
		if broker.IsRejection(err) {
			return queue.Result{}, queue.Permanent(err)
		}
		return queue.Result{}, fmt.Errorf("placing %s %s: %w", p.Side, p.Symbol, err)
	}
	return queue.Result{OrderID: o.ID, Status: o.Status}, nil
}

func handleCancel(ctx context.Context, b broker.Broker, it *queue.WorkItem) (queue.Result, error) {
	var p CancelParams
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return queue.Result{}, queue.Permanent(fmt.Errorf("decoding cancel payload: %w", err))
	}
	err := b.CancelOrder(ctx, p.OrderID)
	switch {
	case err == nil:
		return queue.Result{OrderID: p.OrderID, Status: domain.OrderStatusCanceled}, nil
	case errors.Is(err, broker.ErrOrderNotFound), broker.IsRejection(err):
		return queue.Result{}, queue.Permanent(err)
	}
	return queue.Result{}, fmt.Errorf("cancelling %s: %w", p.OrderID, err)
}

// ClientOrderID is the broker client order id used for a SUBMIT item.
func ClientOrderID(it *queue.WorkItem) string {
	suffix := it.ID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	key := it.IdempotencyKey
	if limit := maxClientOrderID - len(suffix) - 1; len(key) > limit {
		key = key[:limit]
	}
	return key + "-" + suffix
}

const maxClientOrderID = 128

// benignCancelFailure reports whether a dead-lettered cancel still means the
// order is no longer working.
func benignCancelFailure(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"already", "cancel", "not found"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
