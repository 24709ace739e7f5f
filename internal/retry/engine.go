// Package retry diagnoses broker rejections, derives corrected orders from a
// registry of pattern-matched fixes and resubmits them directly to the broker
// with exponential backoff, behind a process-wide circuit breaker.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/util"
)

// FinalStatus is how rejection handling ended.
type FinalStatus string

const (
	StatusRetriedSuccessfully FinalStatus = "retried_successfully"
	StatusMaxRetriesExceeded  FinalStatus = "max_retries_exceeded"
	StatusPermanentFailure    FinalStatus = "permanent_failure"
	StatusNoFixAvailable      FinalStatus = "no_fix_available"
)

// Attempt is one fix-and-resubmit try.
type Attempt struct {
	Number     int        `json:"number"`
	At         time.Time  `json:"at"`
	Reason     string     `json:"reason"`
	Category   Category   `json:"category"`
	Fix        string     `json:"fix"`
	Confidence Confidence `json:"confidence"`
	Success    bool       `json:"success"`
	OrderID    string     `json:"order_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Result is the outcome of OnRejection.
type Result struct {
	Success     bool
	NewOrderID  string
	Attempts    []Attempt
	FinalStatus FinalStatus
	Reason      string
}

// Config tunes the engine.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultConfig returns three retries with a 2s base backoff (2s, 4s, 8s).
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseBackoff: 2 * time.Second}
}

// Engine is the rejection diagnostic and retry engine.
type Engine struct {
	broker   broker.Broker
	env      Env
	breaker  *Breaker
	handlers []Handler
	clock    clock.Clock
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	attempts map[string][]Attempt // by original order id
}

// historyTTL is how long an order's attempt history outlives its last attempt.
const historyTTL = 24 * time.Hour

// NewEngine creates an Engine using DefaultHandlers. The breaker is shared
// state owned by the caller.
func NewEngine(b broker.Broker, env Env, br *Breaker, c clock.Clock, cfg Config, log *slog.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if env == nil {
		env = BrokerEnv{Broker: b}
	}
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:   b,
		env:      env,
		breaker:  br,
		handlers: DefaultHandlers(),
		clock:    c,
		cfg:      cfg,
		log:      log.With("component", "retry"),
		tracer:   otel.Tracer("tradeguard/retry"),
		attempts: make(map[string][]Attempt),
	}
}

// SetHandlers replaces the handler registry.
func (e *Engine) SetHandlers(h []Handler) {
	e.handlers = h
}

// Attempts returns the attempts recorded for orderID.
func (e *Engine) Attempts(orderID string) []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Attempt(nil), e.attempts[orderID]...)
}

// OnRejection handles a rejected or canceled order. reason is the broker's
// rejection text; when empty it is inferred from the order. Each failed
// resubmission feeds its error back in as the next reason until a fix is
// accepted, no fix applies, the breaker opens or the per-order cap is hit.
func (e *Engine) OnRejection(ctx context.Context, order *domain.BrokerOrder, reason string) (res *Result) {
	text := rejectionText(order, reason)
	ctx, span := e.tracer.Start(ctx, "retry.OnRejection", trace.WithAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("order_id", order.ID),
		attribute.String("reason", text),
	))
	defer func() {
		span.SetAttributes(attribute.String("final_status", string(res.FinalStatus)))
		metrics.RetryResults.WithLabelValues(string(res.FinalStatus)).Inc()
		util.EndSpan(span, nil)
	}()
	log := e.log.With("symbol", order.Symbol, "order_id", order.ID)

	intent := order.Intent()
	res = &Result{}
	for {
		prior := e.Attempts(order.ID)
		res.Attempts = prior
		if len(prior) >= e.cfg.MaxRetries {
			log.Warn("retry cap reached", "attempts", len(prior), "reason", text)
			return e.finish(res, StatusMaxRetriesExceeded, text)
		}
		if e.breaker != nil && !e.breaker.Allow() {
			log.Error("circuit breaker open, not retrying", "reason", text)
			return e.finish(res, StatusPermanentFailure, "circuit breaker open")
		}

		h := Match(e.handlers, text)
		if h == nil {
			log.Warn("no handler for rejection", "reason", text)
			return e.finish(res, StatusNoFixAvailable, text)
		}
		alog := log.With("category", h.Category, "attempt", len(prior)+1)

		fix, err := h.Fix(ctx, e.env, intent, text)
		if err != nil {
			alog.Warn("fix could not read live state", "handler", h.Name, "error", err)
			return e.finish(res, StatusNoFixAvailable, fmt.Sprintf("%s: %v", text, err))
		}
		if fix == nil {
			alog.Warn("rejection needs operator intervention", "reason", text)
			return e.finish(res, StatusNoFixAvailable, text)
		}

		n, ok := e.reserve(order.ID, text, h.Category, fix)
		if !ok {
			res.Attempts = e.Attempts(order.ID)
			log.Warn("retry cap reached", "attempts", len(res.Attempts), "reason", text)
			return e.finish(res, StatusMaxRetriesExceeded, text)
		}
		alog = log.With("category", h.Category, "attempt", n)
		wait := e.cfg.BaseBackoff << (n - 1)
		if fix.Delay > wait {
			wait = fix.Delay
		}
		alog.Info("retrying rejected order", "fix", fix.Description, "confidence", fix.Confidence, "wait", wait)

		corrected := fix.Intent
		corrected.ClientOrderID = retryClientOrderID(order, n, e.clock.Now())
		att := Attempt{
			Number:     n,
			At:         e.clock.Now(),
			Reason:     text,
			Category:   h.Category,
			Fix:        fix.Description,
			Confidence: fix.Confidence,
		}
		if err := clock.Sleep(ctx, e.clock, wait); err != nil {
			att.Error = err.Error()
			e.settle(order.ID, att)
			res.Attempts = e.Attempts(order.ID)
			return e.finish(res, StatusPermanentFailure, err.Error())
		}

		placed, err := e.broker.PlaceOrder(ctx, &corrected)
		if err == nil && placed.Status.IsFailed() {
			err = fmt.Errorf("order %s %s", placed.ID, placed.Status)
		}
		if err == nil {
			att.Success = true
			att.OrderID = placed.ID
			e.settle(order.ID, att)
			metrics.RetryAttempts.WithLabelValues(string(h.Category), "success").Inc()
			alog.Info("retry accepted", "new_order_id", placed.ID)
			res.Attempts = e.Attempts(order.ID)
			res.Success = true
			res.NewOrderID = placed.ID
			return e.finish(res, StatusRetriedSuccessfully, fix.Description)
		}

		att.Error = err.Error()
		e.settle(order.ID, att)
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		metrics.RetryAttempts.WithLabelValues(string(h.Category), "failure").Inc()
		alog.Warn("retry rejected", "error", err)
		text = err.Error()
		intent = corrected
	}
}

// reserve claims the next attempt slot for orderID, or reports false when the
// cap is already taken. Concurrent rejections of one order share the cap.
func (e *Engine) reserve(orderID, reason string, cat Category, fix *Fix) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for id, hist := range e.attempts {
		if len(hist) > 0 && now.Sub(hist[len(hist)-1].At) > historyTTL {
			delete(e.attempts, id)
		}
	}
	hist := e.attempts[orderID]
	if len(hist) >= e.cfg.MaxRetries {
		return 0, false
	}
	n := len(hist) + 1
	e.attempts[orderID] = append(hist, Attempt{
		Number: n, At: now, Reason: reason, Category: cat,
		Fix: fix.Description, Confidence: fix.Confidence,
	})
	return n, true
}

// settle replaces the reserved slot a.Number with its outcome.
func (e *Engine) settle(orderID string, a Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.attempts[orderID]
	if i := a.Number - 1; i >= 0 && i < len(hist) {
		hist[i] = a
		return
	}
	e.attempts[orderID] = append(hist, a)
}

func (e *Engine) finish(res *Result, status FinalStatus, reason string) *Result {
	res.FinalStatus = status
	res.Reason = reason
	return res
}

// rejectionText picks the explicit reason, else infers one from the order.
func rejectionText(o *domain.BrokerOrder, reason string) string {
	if reason != "" {
		return reason
	}
	switch {
	case o.Qty == nil && o.Notional == nil:
		return "qty or notional is required"
	case o.Type == domain.OrderTypeMarket && o.ExtendedHours:
		return "market orders not allowed during extended hours"
	case o.Class == domain.OrderClassBracket && o.ExtendedHours:
		return "bracket orders not supported during extended hours"
	case o.Status == domain.OrderStatusCanceled || o.Status == domain.OrderStatusExpired:
		return "canceled"
	}
	return "rejected"
}

func retryClientOrderID(o *domain.BrokerOrder, attempt int, now time.Time) string {
	base := o.ClientOrderID
	if base == "" {
		base = o.ID
	}
	suffix := fmt.Sprintf("-r%d-%d", attempt, now.UnixMilli())
	if limit := 128 - len(suffix); len(base) > limit {
		base = base[:limit]
	}
	return base + suffix
}
