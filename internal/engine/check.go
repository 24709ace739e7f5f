package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

var (
	legacyFullClosePct = decimal.NewFromInt(15)
	legacyHalfClosePct = decimal.NewFromInt(10)
	fifty              = decimal.NewFromInt(50)
)

// CheckRules evaluates exit rules for one position in strict priority order
// and acts on the first that fires:
//
//  1. stop-loss: price at or below the stop, full close
//  2. emergency stop: unrealized P&L at or below -EmergencyStopPct, full close
//  3. tiered take-profit from the evaluator, partial close
//  4. trailing stop from the evaluator, raised stop persisted (no close)
//  5. maximum holding period from the evaluator, full close
//  6. legacy take-profit: price at or above the target closes 100% above
//     +15% and 50% above +10%
//
// A trailing stop update does not end evaluation. The result is nil when no
// rule acted. pos may be nil to use the booked position.
func (e *Engine) CheckRules(ctx context.Context, symbol string, pos *domain.Position) *domain.ExecutionResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if e.cfg.OperatorID == "" {
		e.log.Error("rule check refused", "symbol", symbol, "error", ErrNoOperator)
		return failure(symbol, "operator identity missing", ErrNoOperator)
	}
	unlock := e.lock(symbol)
	defer unlock()
	return e.checkRulesLocked(ctx, symbol, pos)
}

// OnPriceTick marks the booked position at price and runs CheckRules.
func (e *Engine) OnPriceTick(ctx context.Context, symbol string, price decimal.Decimal) *domain.ExecutionResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !price.IsPositive() {
		return nil
	}
	if e.cfg.OperatorID == "" {
		e.log.Error("tick ignored", "symbol", symbol, "error", ErrNoOperator)
		return failure(symbol, "operator identity missing", ErrNoOperator)
	}
	unlock := e.lock(symbol)
	defer unlock()
	if !e.book.Update(symbol, func(p *domain.Position) { p.Mark(price) }) {
		return nil
	}
	pos, ok := e.book.Get(symbol)
	if !ok {
		return nil
	}
	return e.checkRulesLocked(ctx, symbol, pos)
}

func (e *Engine) checkRulesLocked(ctx context.Context, symbol string, pos *domain.Position) *domain.ExecutionResult {
	if pos == nil {
		booked, ok := e.book.Get(symbol)
		if !ok {
			return nil
		}
		pos = booked
	} else {
		pos = pos.Clone()
	}
	if !pos.CurrentPrice.IsPositive() {
		return nil
	}
	log := e.log.With("symbol", symbol)

	if pos.StopLossPrice != nil && pos.CurrentPrice.LessThanOrEqual(*pos.StopLossPrice) {
		reason := fmt.Sprintf("stop-loss triggered: %s <= %s", pos.CurrentPrice.StringFixed(2), pos.StopLossPrice.StringFixed(2))
		log.Warn(reason)
		e.removeRules(symbol)
		return e.exit(ctx, symbol, pos, hundred, CloseOptions{StopLoss: true, Rule: "stop_loss"}, reason)
	}
	if pos.UnrealizedPnLPct.LessThanOrEqual(e.cfg.EmergencyStopPct.Neg()) {
		reason := fmt.Sprintf("emergency stop: unrealized %s%% <= -%s%%", pos.UnrealizedPnLPct.StringFixed(2), e.cfg.EmergencyStopPct)
		log.Warn(reason)
		e.removeRules(symbol)
		return e.exit(ctx, symbol, pos, hundred, CloseOptions{Emergency: true, Rule: "emergency_stop"}, reason)
	}

	if e.rules != nil {
		if sig := e.rules.CheckPartialTakeProfits(pos); sig != nil && sig.ShouldClose {
			log.Info("take-profit tier reached", "reason", sig.Reason, "close_pct", sig.ClosePct)
			res := e.exit(ctx, symbol, pos, sig.ClosePct, CloseOptions{Rule: "take_profit"}, sig.Reason)
			// An order left working past the fill timeout keeps the tier.
			if res.Err != nil && !errors.Is(res.Err, ErrFillTimeout) {
				e.rules.ReleaseTier(symbol, sig.Tier)
				log.Warn("take-profit tier re-armed", "tier", sig.Tier+1, "error", res.Err)
			}
			return res
		}
		if upd := e.rules.UpdateTrailingStop(pos); upd != nil {
			stop := upd.NewStopLoss
			e.book.Update(symbol, func(p *domain.Position) { p.StopLossPrice = &stop })
			pos.StopLossPrice = domain.Ptr(stop)
			log.Info("trailing stop raised", "stop", stop, "reason", upd.Reason)
		}
		if hp := e.rules.CheckHoldingPeriod(pos); hp != nil && hp.Exceeded {
			reason := fmt.Sprintf("max holding period exceeded: %.1fh of %.1fh", hp.HoldingHours, hp.MaxHours)
			if pos.CurrentPrice.LessThan(pos.EntryPrice) {
				log.Info("holding period exceeded below entry, holding", "reason", reason)
				return skip(symbol, domain.ActionHold, "loss protection: "+reason)
			}
			log.Info(reason)
			e.removeRules(symbol)
			return e.exit(ctx, symbol, pos, hundred, CloseOptions{Rule: "max_holding"}, reason)
		}
	}

	if pos.TakeProfitPrice != nil && pos.CurrentPrice.GreaterThanOrEqual(*pos.TakeProfitPrice) {
		pnlPct := pos.UnrealizedPnLPct
		reason := fmt.Sprintf("take-profit price %s reached at %s%%", pos.TakeProfitPrice.StringFixed(2), pnlPct.StringFixed(2))
		switch {
		case pnlPct.GreaterThan(legacyFullClosePct):
			log.Info(reason, "close_pct", 100)
			return e.exit(ctx, symbol, pos, hundred, CloseOptions{Rule: "legacy_take_profit"}, reason)
		case pnlPct.GreaterThan(legacyHalfClosePct):
			log.Info(reason, "close_pct", 50)
			return e.exit(ctx, symbol, pos, fifty, CloseOptions{Rule: "legacy_take_profit"}, reason)
		}
	}
	return nil
}

func (e *Engine) exit(ctx context.Context, symbol string, pos *domain.Position, pct decimal.Decimal, opts CloseOptions, reason string) *domain.ExecutionResult {
	d := domain.Decision{
		ID:        fmt.Sprintf("%s-%s-%d", opts.Rule, symbol, e.clock.Now().UnixMilli()),
		Action:    domain.ActionSell,
		Reasoning: reason,
	}
	return e.closeLocked(ctx, symbol, d, pos, pct, opts)
}

func (e *Engine) removeRules(symbol string) {
	if e.rules != nil {
		e.rules.RemoveRules(symbol)
	}
}

// ExecuteDecision dispatches an upstream decision. A sell whose reasoning
// cites a stop-loss is stop-loss authorized when the position's stop has in
// fact been breached; any other sell is subject to loss protection.
func (e *Engine) ExecuteDecision(ctx context.Context, symbol string, d domain.Decision) (*domain.ExecutionResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	switch d.Action {
	case domain.ActionBuy:
		return e.Open(ctx, symbol, d)
	case domain.ActionReinforce:
		return e.Reinforce(ctx, symbol, d)
	case domain.ActionSell:
	default:
		return skip(symbol, domain.ActionHold, fmt.Sprintf("decision is %q", d.Action)), nil
	}

	if e.cfg.OperatorID == "" {
		return nil, ErrNoOperator
	}
	unlock := e.lock(symbol)
	defer unlock()
	pos, ok := e.book.Get(symbol)
	if !ok {
		return skip(symbol, domain.ActionSkip, "no open position"), nil
	}
	opts := CloseOptions{}
	if citesStopLoss(d.Reasoning) && pos.StopLossPrice != nil && pos.CurrentPrice.LessThanOrEqual(*pos.StopLossPrice) {
		opts.StopLoss = true
		opts.Rule = "stop_loss"
		e.removeRules(symbol)
	}
	return e.closeLocked(ctx, symbol, d, pos, hundred, opts), nil
}

func citesStopLoss(reasoning string) bool {
	r := strings.ToLower(reasoning)
	return strings.Contains(r, "stop-loss") || strings.Contains(r, "stop loss") || strings.Contains(r, "stoploss")
}
