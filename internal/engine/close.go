package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tradeguard/internal/broker"
	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/util"
)

// CloseOptions authorizes a close below entry and labels the exit.
type CloseOptions struct {
	StopLoss  bool
	Emergency bool
	// Rule names the exit for metrics and the journal ("decision" if empty).
	Rule string
}

// Close sells partialPct percent (100 when zero or out of range) of the
// position in symbol. pos may be nil to use the booked position.
//
// A position trading below entry is held unless the close is stop-loss or
// emergency authorized; the broker is not contacted in that case. Otherwise
// open orders for the symbol are cancelled, a full close uses the broker's
// close-position primitive and a partial close sells a market quantity, and
// the fill's realized P&L is journaled.
func (e *Engine) Close(ctx context.Context, symbol string, d domain.Decision, pos *domain.Position, partialPct decimal.Decimal, opts CloseOptions) (*domain.ExecutionResult, error) {
	if e.cfg.OperatorID == "" {
		return nil, ErrNoOperator
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	unlock := e.lock(symbol)
	defer unlock()
	return e.closeLocked(ctx, symbol, d, pos, partialPct, opts), nil
}

func (e *Engine) closeLocked(ctx context.Context, symbol string, d domain.Decision, pos *domain.Position, pct decimal.Decimal, opts CloseOptions) (res *domain.ExecutionResult) {
	if opts.Rule == "" {
		opts.Rule = "decision"
	}
	traceID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "engine.Close", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("rule", opts.Rule),
		attribute.String("trace_id", traceID),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("success", res.Success))
		util.EndSpan(span, res.Err)
	}()
	log := e.log.With("symbol", symbol, "trace_id", traceID, "rule", opts.Rule)

	if pos == nil {
		booked, ok := e.book.Get(symbol)
		if !ok {
			log.Info("close skipped, no open position")
			return skip(symbol, domain.ActionSkip, "no open position")
		}
		pos = booked
	} else {
		pos = pos.Clone()
	}
	if pos.CurrentPrice.IsZero() {
		if price, err := e.broker.LatestPrice(ctx, symbol); err == nil {
			pos.Mark(price)
		}
	}

	if pos.CurrentPrice.LessThan(pos.EntryPrice) && !opts.StopLoss && !opts.Emergency {
		reason := fmt.Sprintf("loss protection: %s below entry %s", pos.CurrentPrice.StringFixed(2), pos.EntryPrice.StringFixed(2))
		log.Info("close held", "reason", reason)
		return skip(symbol, domain.ActionHold, reason)
	}

	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		pct = hundred
	}
	full := pct.Equal(hundred)
	var qty decimal.Decimal
	if !full {
		qty = pos.Qty.Mul(pct).Div(hundred)
		if pos.Qty.IsInteger() {
			qty = qty.Floor()
		} else {
			qty = qty.Truncate(9)
		}
		if !qty.IsPositive() {
			log.Info("partial close rounds to zero", "pct", pct, "qty", pos.Qty)
			return skip(symbol, domain.ActionSkip, fmt.Sprintf("%s%% of %s rounds to zero", pct, pos.Qty))
		}
		full = qty.GreaterThanOrEqual(pos.Qty)
	}

	e.cancelOpenOrders(ctx, symbol, traceID, log)

	var (
		order *domain.BrokerOrder
		err   error
	)
	if full {
		order, err = e.closeFull(ctx, symbol, log)
		if errors.Is(err, broker.ErrPositionNotFound) {
			log.Warn("broker holds no position, dropping it from the book")
			e.dropPosition(symbol)
			return skip(symbol, domain.ActionSkip, "position not held at broker")
		}
	} else {
		order, err = e.placeAndFill(ctx, domain.OrderIntent{
			Symbol:      symbol,
			Side:        domain.OrderSideSell,
			Qty:         &qty,
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceDay,
			// Keyed on the quantity being reduced so each successive
			// partial close is a new intent.
			Strategy:   fmt.Sprintf("%s.close.%s", e.cfg.Strategy, pos.Qty),
			TraceID:    traceID,
			DecisionID: d.ID,
		}, log)
	}
	if err != nil {
		log.Error("exit order failed", "error", err)
		return failure(symbol, "exit order failed", err)
	}
	log = log.With("order_id", order.ID)
	filled, exit := order.FilledQty, order.FilledAvgPrice
	if !e.markApplied(order.ID) {
		log.Info("exit fill already applied")
		return &domain.ExecutionResult{
			Success: true, Action: domain.ActionSell, Symbol: symbol, OrderID: order.ID,
			Reason: "duplicate of an order already applied", Qty: &filled, Price: &exit,
		}
	}

	pnl := exit.Sub(pos.EntryPrice).Mul(filled)
	reason := d.Reasoning
	if reason == "" {
		reason = opts.Rule
	}
	e.recordTrade(ctx, d, &domain.TradeRecord{
		ID:          order.ID,
		Symbol:      symbol,
		Side:        domain.OrderSideSell,
		Qty:         filled,
		Price:       exit,
		OrderID:     order.ID,
		DecisionID:  d.ID,
		Strategy:    e.cfg.Strategy,
		Reason:      reason,
		RealizedPnL: &pnl,
		ExecutedAt:  e.clock.Now(),
	}, log)

	e.mu.Lock()
	e.stats.Trades++
	switch pnl.Sign() {
	case 1:
		e.stats.Wins++
	case -1:
		e.stats.Losses++
	}
	e.stats.RealizedPnL = e.stats.RealizedPnL.Add(pnl)
	total := e.stats.RealizedPnL
	e.mu.Unlock()
	metrics.Exits.WithLabelValues(opts.Rule).Inc()
	metrics.RealizedPnL.Set(total.InexactFloat64())

	remaining := pos.Qty.Sub(filled)
	if remaining.IsPositive() {
		e.book.Update(symbol, func(p *domain.Position) {
			p.Qty = remaining
			p.AvailableQty = decimal.Max(decimal.Zero, p.AvailableQty.Sub(filled))
			p.Mark(exit)
		})
	} else {
		e.dropPosition(symbol)
	}

	log.Info("position reduced", "qty", filled, "price", exit, "realized_pnl", pnl, "remaining", remaining)
	return &domain.ExecutionResult{
		Success:     true,
		Action:      domain.ActionSell,
		Symbol:      symbol,
		OrderID:     order.ID,
		Reason:      fmt.Sprintf("%s: sold %s @ %s", opts.Rule, filled, exit.StringFixed(2)),
		Qty:         &filled,
		Price:       &exit,
		RealizedPnL: &pnl,
	}
}

// closeFull liquidates symbol with the broker's close-position call.
func (e *Engine) closeFull(ctx context.Context, symbol string, log *slog.Logger) (*domain.BrokerOrder, error) {
	placed, err := e.broker.ClosePosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	order, err := e.awaitFill(ctx, placed.ID)
	if errors.Is(err, errOrderFailed) {
		return e.recoverRejection(ctx, order, "", log)
	}
	return order, err
}

func (e *Engine) dropPosition(symbol string) {
	e.book.Delete(symbol)
	if e.rules != nil {
		e.rules.RemoveRules(symbol)
	}
}
