package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/execution"
)

var hundred = decimal.NewFromInt(100)

// errOrderFailed marks an order the broker rejected, canceled or expired
// and that rejection handling could not recover.
var errOrderFailed = errors.New("engine: order failed")

// placeAndFill submits intent through the coordinator and waits for the fill.
// A stale cached duplicate is resubmitted once. A rejected order goes to the
// retry engine, and an accepted correction is awaited in its place.
func (e *Engine) placeAndFill(ctx context.Context, intent domain.OrderIntent, log *slog.Logger) (*domain.BrokerOrder, error) {
	sub, err := e.orders.Submit(ctx, intent)
	if errors.Is(err, execution.ErrStaleDuplicate) {
		log.Warn("cached order was stale, resubmitting", "error", err)
		sub, err = e.orders.Submit(ctx, intent)
	}
	var dl *execution.DeadLetterError
	switch {
	case errors.As(err, &dl):
		return e.recoverRejection(ctx, rejectedOrder(intent, dl.WorkItemID), dl.LastError, log)
	case err != nil:
		return nil, err
	}

	order, err := e.awaitFill(ctx, sub.OrderID)
	if errors.Is(err, errOrderFailed) {
		return e.recoverRejection(ctx, order, "", log)
	}
	return order, err
}

// recoverRejection hands a failed order to the retry engine and waits for the
// corrected order to fill.
func (e *Engine) recoverRejection(ctx context.Context, order *domain.BrokerOrder, reason string, log *slog.Logger) (*domain.BrokerOrder, error) {
	if e.retry == nil {
		return nil, fmt.Errorf("%w: %s %s", errOrderFailed, order.Status, reason)
	}
	res := e.retry.OnRejection(ctx, order, reason)
	if !res.Success {
		log.Error("rejected order not recovered", "order_id", order.ID, "final_status", res.FinalStatus, "reason", res.Reason)
		return nil, fmt.Errorf("%w: %s: %s", errOrderFailed, res.FinalStatus, res.Reason)
	}
	log.Info("rejected order replaced", "order_id", order.ID, "new_order_id", res.NewOrderID, "attempts", len(res.Attempts))
	return e.awaitFill(ctx, res.NewOrderID)
}

// rejectedOrder describes a dead-lettered submission as a broker order so
// the retry engine can re-derive and correct it.
func rejectedOrder(in domain.OrderIntent, workItemID string) *domain.BrokerOrder {
	o := &domain.BrokerOrder{
		ID:            workItemID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		TimeInForce:   in.TimeInForce,
		Class:         domain.OrderClassSimple,
		Qty:           in.Qty,
		Notional:      in.Notional,
		LimitPrice:    in.LimitPrice,
		StopPrice:     in.StopPrice,
		TakeProfit:    in.TakeProfit,
		StopLoss:      in.StopLoss,
		ExtendedHours: in.ExtendedHours,
		Status:        domain.OrderStatusRejected,
	}
	if in.HasBracket() {
		o.Class = domain.OrderClassBracket
	}
	return o
}

// awaitFill polls the broker until orderID fills, fails or FillTimeout
// passes. Transient lookup errors keep polling.
func (e *Engine) awaitFill(ctx context.Context, orderID string) (*domain.BrokerOrder, error) {
	deadline := e.clock.Now().Add(e.cfg.FillTimeout)
	var last *domain.BrokerOrder
	for {
		o, err := e.broker.GetOrder(ctx, orderID)
		switch {
		case errors.Is(err, broker.ErrOrderNotFound):
			return nil, fmt.Errorf("awaiting fill of %s: %w", orderID, err)
		case err != nil:
			e.log.Warn("order lookup failed while awaiting fill", "order_id", orderID, "error", err)
		case o.Status == domain.OrderStatusFilled:
			return o, nil
		case o.Status.IsFailed():
			return o, fmt.Errorf("%w: order %s %s", errOrderFailed, o.ID, o.Status)
		default:
			last = o
		}
		if !e.clock.Now().Before(deadline) {
			return last, fmt.Errorf("%w: order %s after %s", ErrFillTimeout, orderID, e.cfg.FillTimeout)
		}
		if err := clock.Sleep(ctx, e.clock, e.cfg.FillPollInterval); err != nil {
			return last, err
		}
	}
}

// cancelOpenOrders cancels every working order for symbol. Failures are
// logged; the close proceeds regardless.
func (e *Engine) cancelOpenOrders(ctx context.Context, symbol, traceID string, log *slog.Logger) {
	open, err := e.broker.ListOpenOrders(ctx, symbol)
	if err != nil {
		log.Warn("listing open orders failed", "error", err)
		return
	}
	for _, o := range open {
		if err := e.orders.Cancel(ctx, o.ID, symbol, traceID); err != nil {
			log.Warn("cancel before close failed", "order_id", o.ID, "error", err)
		}
	}
}

// entryIntent builds the buy for value dollars. Outside the regular session
// but inside extended hours it is a whole-share limit order priced
// ExtendedHoursBuffer percent over the last trade; otherwise it is a market
// order by notional.
func (e *Engine) entryIntent(ctx context.Context, symbol string, value, price decimal.Decimal) (*domain.OrderIntent, string) {
	in := &domain.OrderIntent{
		Symbol:      symbol,
		Side:        domain.OrderSideBuy,
		TimeInForce: domain.TimeInForceDay,
	}
	if !e.extendedHours(ctx) {
		in.Type = domain.OrderTypeMarket
		in.Notional = &value
		return in, ""
	}

	places := int32(2)
	if price.LessThan(decimal.NewFromInt(1)) {
		places = 4
	}
	limit := price.Mul(hundred.Add(e.cfg.ExtendedHoursBuffer)).Div(hundred).Round(places)
	qty := value.Div(limit).Floor()
	if !qty.IsPositive() {
		return nil, fmt.Sprintf("%s buys less than one share at %s", value.StringFixed(2), limit)
	}
	in.Type = domain.OrderTypeLimit
	in.LimitPrice = &limit
	in.Qty = &qty
	in.ExtendedHours = true
	return in, ""
}

// extendedHours reports whether now is outside the regular session but
// inside pre-market or after-hours trading. The broker's market clock is
// authoritative; the calendar covers for it when unavailable.
func (e *Engine) extendedHours(ctx context.Context) bool {
	now := e.clock.Now()
	open, err := e.broker.IsMarketOpen(ctx)
	if err != nil {
		e.log.Warn("market clock unavailable, using calendar", "error", err)
		open = e.calendar.IsMarketOpen(now)
	}
	return !open && e.calendar.IsExtendedHours(now)
}
