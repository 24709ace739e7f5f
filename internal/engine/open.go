package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tradeguard/internal/domain"
	"tradeguard/internal/execution"
	"tradeguard/internal/util"
)

// Open buys into symbol per decision. The trade is sized at
// min(SuggestedFraction*100, MaxPositionSizePct) percent of portfolio value
// and must clear the exposure cap, the risk limits, the sector and pre-trade
// guards and broker tradability. On fill the trade is journaled, the position
// is booked and registered with the rule evaluator.
//
// Failures come back as a non-successful result. The only error is
// ErrNoOperator.
func (e *Engine) Open(ctx context.Context, symbol string, d domain.Decision) (*domain.ExecutionResult, error) {
	return e.open(ctx, symbol, d, domain.ActionBuy, e.cfg.Strategy)
}

// Reinforce adds to symbol at half the decision's suggested size.
func (e *Engine) Reinforce(ctx context.Context, symbol string, d domain.Decision) (*domain.ExecutionResult, error) {
	half := d
	half.SuggestedFraction = d.SuggestedFraction.Div(decimal.NewFromInt(2))
	// A distinct key strategy keeps a reinforcement from collapsing into
	// the opening order of the same bucket.
	return e.open(ctx, symbol, half, domain.ActionReinforce, e.cfg.Strategy+".reinforce")
}

func (e *Engine) open(ctx context.Context, symbol string, d domain.Decision, action domain.Action, keyStrategy string) (res *domain.ExecutionResult, _ error) {
	if e.cfg.OperatorID == "" {
		return nil, ErrNoOperator
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	unlock := e.lock(symbol)
	defer unlock()

	traceID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "engine.Open", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("action", string(action)),
		attribute.String("trace_id", traceID),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("success", res.Success))
		util.EndSpan(span, res.Err)
	}()
	log := e.log.With("symbol", symbol, "trace_id", traceID, "decision_id", d.ID, "action", action)

	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		log.Error("account unavailable", "error", err)
		return failure(symbol, "account unavailable", err), nil
	}
	sizePct := decimal.Min(d.SuggestedFraction.Mul(hundred), e.cfg.MaxPositionSizePct)
	if !sizePct.IsPositive() {
		log.Info("decision carries no size")
		return skip(symbol, domain.ActionSkip, "decision carries no position size"), nil
	}
	value := acct.PortfolioValue.Mul(sizePct).Div(hundred).Round(2)

	exposureCap := acct.PortfolioValue.Mul(e.cfg.MaxTotalExposurePct).Div(hundred)
	if exposure := e.book.Exposure().Add(value); exposure.GreaterThan(exposureCap) {
		reason := fmt.Sprintf("%v: %s > %s", ErrExposureTooLarge, exposure.StringFixed(2), exposureCap.StringFixed(2))
		log.Warn("buy blocked", "reason", reason)
		return skip(symbol, domain.ActionSkip, reason), nil
	}
	if err := e.risk.CheckRiskLimits(ctx, domain.OrderSideBuy, symbol, value, e.killSwitch.Load()); err != nil {
		log.Warn("buy blocked by risk limits", "error", err, "trade_value", value)
		return skip(symbol, domain.ActionSkip, err.Error()), nil
	}
	if e.sectors != nil {
		if err := e.sectors.CheckSectorExposure(ctx, symbol, value); err != nil {
			log.Warn("buy blocked by sector exposure", "error", err)
			return skip(symbol, domain.ActionSkip, err.Error()), nil
		}
	}
	tradable, err := e.broker.IsTradable(ctx, symbol)
	if err != nil || !tradable {
		log.Warn("symbol not tradable", "error", err)
		return skip(symbol, domain.ActionSkip, fmt.Sprintf("%s is not tradable", symbol)), nil
	}
	if e.preTrade != nil {
		if err := e.preTrade.CheckPreTrade(ctx, symbol, d); err != nil {
			log.Warn("buy vetoed by pre-trade guard", "error", err)
			return skip(symbol, domain.ActionSkip, err.Error()), nil
		}
	}

	price, err := e.broker.LatestPrice(ctx, symbol)
	if err != nil {
		log.Error("price unavailable", "error", err)
		return failure(symbol, "price unavailable", err), nil
	}
	intent, reason := e.entryIntent(ctx, symbol, value, price)
	if intent == nil {
		log.Info("buy skipped", "reason", reason)
		return skip(symbol, domain.ActionSkip, reason), nil
	}
	intent.Strategy = keyStrategy
	intent.TraceID = traceID
	intent.DecisionID = d.ID

	order, err := e.placeAndFill(ctx, *intent, log)
	if err != nil {
		if errors.Is(err, ErrFillTimeout) || errors.Is(err, execution.ErrSubmitTimeout) {
			log.Warn("entry outcome unknown, leaving it to reconciliation", "error", err)
		} else {
			log.Error("entry order failed", "error", err)
		}
		return failure(symbol, "entry order failed", err), nil
	}
	log = log.With("order_id", order.ID)
	qty, fill := order.FilledQty, order.FilledAvgPrice
	if !e.markApplied(order.ID) {
		log.Info("entry fill already applied")
		return &domain.ExecutionResult{
			Success: true, Action: action, Symbol: symbol, OrderID: order.ID,
			Reason: "duplicate of an order already applied", Qty: &qty, Price: &fill,
		}, nil
	}

	pos := e.applyEntry(symbol, d, qty, fill)
	e.recordTrade(ctx, d, &domain.TradeRecord{
		ID:         order.ID,
		Symbol:     symbol,
		Side:       domain.OrderSideBuy,
		Qty:        qty,
		Price:      fill,
		OrderID:    order.ID,
		DecisionID: d.ID,
		Strategy:   e.cfg.Strategy,
		Reason:     d.Reasoning,
		ExecutedAt: e.clock.Now(),
	}, log)
	e.mu.Lock()
	e.stats.Trades++
	e.mu.Unlock()

	log.Info("position opened", "qty", qty, "price", fill, "position_qty", pos.Qty, "entry", pos.EntryPrice)
	return &domain.ExecutionResult{
		Success: true,
		Action:  action,
		Symbol:  symbol,
		OrderID: order.ID,
		Reason:  fmt.Sprintf("bought %s @ %s", qty, fill.StringFixed(2)),
		Qty:     &qty,
		Price:   &fill,
	}, nil
}

// applyEntry books a buy fill, merging into an existing position at the
// volume-weighted entry price.
func (e *Engine) applyEntry(symbol string, d domain.Decision, qty, fill decimal.Decimal) *domain.Position {
	pos, held := e.book.Get(symbol)
	if held && pos.Qty.IsPositive() {
		total := pos.Qty.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Qty).Add(fill.Mul(qty)).DivRound(total, 6)
		pos.Qty = total
		pos.AvailableQty = pos.AvailableQty.Add(qty)
	} else {
		pos = &domain.Position{
			Symbol:           symbol,
			Qty:              qty,
			AvailableQty:     qty,
			EntryPrice:       fill,
			MaxHoldingPeriod: e.cfg.MaxHolding,
			OpenedAt:         e.clock.Now(),
			Strategy:         e.cfg.Strategy,
		}
		if d.StopLoss == nil && e.cfg.DefaultStopLossPct.IsPositive() {
			pos.StopLossPrice = domain.Ptr(fill.Mul(hundred.Sub(e.cfg.DefaultStopLossPct)).Div(hundred).Round(2))
		}
	}
	if d.StopLoss != nil {
		pos.StopLossPrice = domain.Ptr(*d.StopLoss)
	}
	if d.TargetPrice != nil {
		pos.TakeProfitPrice = domain.Ptr(*d.TargetPrice)
	}
	if d.TrailingStopPct != nil {
		pos.TrailingStopPct = domain.Ptr(*d.TrailingStopPct)
	}
	pos.Mark(fill)
	e.book.Put(*pos)
	if e.rules != nil {
		e.rules.RegisterPosition(symbol, pos.EntryPrice)
	}
	return pos
}
