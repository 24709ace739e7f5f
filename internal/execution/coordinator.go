// Package execution submits and cancels orders through the idempotent work
// queue and waits for the outcome, re-verifying cached duplicates against live
// broker state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/idempotency"
	"tradeguard/internal/metrics"
	"tradeguard/internal/queue"
	"tradeguard/internal/util"
)

// Config tunes the coordinator.
type Config struct {
	SubmitWindow  time.Duration
	CancelWindow  time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	PollTimeout   time.Duration
	CancelTimeout time.Duration
}

// DefaultConfig returns the production settings: 5m/1m buckets, 3 attempts,
// polling every 2s for up to 60s.
func DefaultConfig() Config {
	return Config{
		SubmitWindow:  idempotency.SubmitWindow,
		CancelWindow:  idempotency.CancelWindow,
		MaxAttempts:   3,
		PollInterval:  2 * time.Second,
		PollTimeout:   60 * time.Second,
		CancelTimeout: 60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SubmitWindow <= 0 {
		c.SubmitWindow = d.SubmitWindow
	}
	if c.CancelWindow <= 0 {
		c.CancelWindow = d.CancelWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
}

// SubmitResult is the settled outcome of Submit.
type SubmitResult struct {
	OrderID    string
	Status     domain.OrderStatus
	WorkItemID string
}

// Coordinator is the Order Submission Coordinator.
type Coordinator struct {
	queue  queue.Queue
	broker broker.Broker
	clock  clock.Clock
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
}

// NewCoordinator wires a Coordinator. A nil clock means the wall clock and a
// nil logger means slog.Default().
func NewCoordinator(q queue.Queue, b broker.Broker, c clock.Clock, cfg Config, log *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		queue:  q,
		broker: b,
		clock:  c,
		cfg:    cfg,
		log:    log.With("component", "coordinator"),
		tracer: otel.Tracer("tradeguard/execution"),
	}
}

// Submit enqueues intent under its idempotency key and waits for the order
// to be accepted by the broker.
//
// A repeat of an intent already settled in the current bucket returns the
// cached result after checking the order is still alive at the broker. If it
// is not, the work item is invalidated and ErrStaleDuplicate is returned;
// the caller should submit again. ErrSubmitTimeout means the outcome is
// unknown, not that the order failed.
func (c *Coordinator) Submit(ctx context.Context, intent domain.OrderIntent) (res *SubmitResult, err error) {
	params, err := Normalize(intent)
	if err != nil {
		return nil, err
	}
	if params.TraceID == "" {
		params.TraceID = uuid.NewString()
	}
	key := intent.IdempotencyKey
	if key == "" {
		key = idempotency.SubmitKeyWindow(intent.Strategy, params.Symbol, params.Side, c.clock.Now(), c.cfg.SubmitWindow)
	}
	maxAttempts := intent.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxAttempts
	}

	ctx, span := c.tracer.Start(ctx, "execution.Submit", trace.WithAttributes(
		attribute.String("symbol", params.Symbol),
		attribute.String("side", string(params.Side)),
		attribute.String("idempotency_key", key),
		attribute.String("trace_id", params.TraceID),
	))
	defer func() {
		metrics.Orders.WithLabelValues(string(queue.TypeSubmit), outcome(err)).Inc()
		util.EndSpan(span, err)
	}()
	log := c.log.With("symbol", params.Symbol, "trace_id", params.TraceID, "idempotency_key", key)

	payload, err := encode(params)
	if err != nil {
		return nil, fmt.Errorf("encoding submit params: %w", err)
	}
	it, err := c.queue.Enqueue(ctx, queue.TypeSubmit, params.Symbol, key, payload, maxAttempts)
	if err != nil {
		log.Error("enqueue submit failed", "error", err)
		return nil, fmt.Errorf("enqueue submit %s: %w", params.Symbol, err)
	}
	log = log.With("work_item_id", it.ID)

	if it.Status == queue.StatusSucceeded && it.Result != nil {
		return c.verifyCached(ctx, it, log)
	}

	it, err = c.await(ctx, it.ID, c.cfg.PollTimeout)
	if err != nil {
		if errors.Is(err, ErrSubmitTimeout) {
			log.Warn("submit did not settle, reconcile before retrying", "timeout", c.cfg.PollTimeout)
		}
		return nil, err
	}
	switch it.Status {
	case queue.StatusDeadLetter:
		log.Error("submit dead-lettered", "attempts", it.Attempts, "error", it.LastError)
		return nil, &DeadLetterError{WorkItemID: it.ID, Symbol: it.Symbol, LastError: it.LastError}
	case queue.StatusCancelled:
		log.Warn("submit work item was invalidated while pending", "error", it.LastError)
		return nil, ErrStaleDuplicate
	}
	if !succeeded(it.Result) {
		return nil, fmt.Errorf("execution: work item %s succeeded without a usable broker result", it.ID)
	}
	log.Info("order submitted", "order_id", it.Result.OrderID, "status", it.Result.Status)
	return &SubmitResult{OrderID: it.Result.OrderID, Status: it.Result.Status, WorkItemID: it.ID}, nil
}

// verifyCached re-checks a cached result against the broker.
func (c *Coordinator) verifyCached(ctx context.Context, it *queue.WorkItem, log *slog.Logger) (*SubmitResult, error) {
	log = log.With("order_id", it.Result.OrderID)

	var reason string
	if it.Result.OrderID == "" {
		reason = "cached result has no broker order id"
	} else {
		live, err := c.broker.GetOrder(ctx, it.Result.OrderID)
		switch {
		case errors.Is(err, broker.ErrOrderNotFound):
			reason = "cached order not found at broker"
		case err != nil:
			// Broker unreachable; the queue result is the best we have.
			log.Warn("could not verify cached order", "error", err)
			return &SubmitResult{OrderID: it.Result.OrderID, Status: it.Result.Status, WorkItemID: it.ID}, nil
		case live.Status.IsFailed():
			reason = fmt.Sprintf("cached order is %s", live.Status)
		default:
			log.Info("returning verified duplicate", "status", live.Status)
			return &SubmitResult{OrderID: live.ID, Status: live.Status, WorkItemID: it.ID}, nil
		}
	}

	if err := c.queue.Invalidate(ctx, it.ID, reason); err != nil {
		log.Error("invalidating stale work item", "error", err)
		return nil, fmt.Errorf("invalidate %s: %w", it.ID, err)
	}
	log.Warn("invalidated stale duplicate", "reason", reason)
	return nil, fmt.Errorf("%w: %s", ErrStaleDuplicate, reason)
}

// Cancel requests cancellation of orderID and waits for the outcome. A
// cancel the broker refuses because the order is already gone counts as
// success. A timeout is logged and swallowed; reconciliation settles it.
func (c *Coordinator) Cancel(ctx context.Context, orderID, symbol, traceID string) (err error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	key := idempotency.CancelKeyWindow(orderID, symbol, c.clock.Now(), c.cfg.CancelWindow)

	ctx, span := c.tracer.Start(ctx, "execution.Cancel", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("order_id", orderID),
		attribute.String("trace_id", traceID),
	))
	defer func() {
		metrics.Orders.WithLabelValues(string(queue.TypeCancel), outcome(err)).Inc()
		util.EndSpan(span, err)
	}()
	log := c.log.With("symbol", symbol, "order_id", orderID, "trace_id", traceID)

	payload, err := encode(CancelParams{OrderID: orderID, Symbol: symbol, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("encoding cancel params: %w", err)
	}
	it, err := c.queue.Enqueue(ctx, queue.TypeCancel, symbol, key, payload, c.cfg.MaxAttempts)
	if err != nil {
		log.Error("enqueue cancel failed", "error", err)
		return fmt.Errorf("enqueue cancel %s: %w", orderID, err)
	}

	it, err = c.await(ctx, it.ID, c.cfg.CancelTimeout)
	if errors.Is(err, ErrSubmitTimeout) {
		log.Warn("cancel did not settle, leaving it to reconciliation", "work_item_id", it.ID)
		return nil
	}
	if err != nil {
		return err
	}
	switch it.Status {
	case queue.StatusSucceeded, queue.StatusCancelled:
		log.Info("order cancelled")
		return nil
	}
	if benignCancelFailure(it.LastError) {
		log.Info("cancel not needed", "reason", it.LastError)
		return nil
	}
	log.Error("cancel dead-lettered", "error", it.LastError)
	return &DeadLetterError{WorkItemID: it.ID, Symbol: symbol, LastError: it.LastError}
}

// await polls the item until it reaches a terminal status or timeout
// elapses. On timeout it returns the last observed item with
// ErrSubmitTimeout.
func (c *Coordinator) await(ctx context.Context, id string, timeout time.Duration) (*queue.WorkItem, error) {
	deadline := c.clock.Now().Add(timeout)
	for {
		it, err := c.queue.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("polling work item %s: %w", id, err)
		}
		if it == nil {
			return nil, fmt.Errorf("%w: %s", ErrItemMissing, id)
		}
		switch it.Status {
		case queue.StatusSucceeded, queue.StatusDeadLetter, queue.StatusCancelled:
			return it, nil
		}
		if !c.clock.Now().Before(deadline) {
			return it, fmt.Errorf("%w: work item %s still %s after %s", ErrSubmitTimeout, id, it.Status, timeout)
		}
		if err := clock.Sleep(ctx, c.clock, c.cfg.PollInterval); err != nil {
			return it, err
		}
	}
}

func succeeded(r *queue.Result) bool {
	if r == nil {
		return false
	}
	if r.OrderID != "" {
		return true
	}
	switch r.Status {
	case domain.OrderStatusFilled, domain.OrderStatusAccepted, domain.OrderStatusNew,
		domain.OrderStatusPendingNew, domain.OrderStatusPartiallyFilled, domain.OrderStatusQueued:
		return true
	}
	return false
}

func outcome(err error) string {
	var dl *DeadLetterError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleDuplicate):
		return "stale_duplicate"
	case errors.Is(err, ErrSubmitTimeout):
		return "timeout"
	case errors.As(err, &dl):
		return "dead_letter"
	}
	return "error"
}
