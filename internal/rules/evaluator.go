// Package rules implements the graduated take-profit, trailing-stop and
// holding-period checks consulted by the position risk engine on every tick.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
)

// Tier closes ClosePct of the current quantity once unrealized gain reaches
// GainPct.
type Tier struct {
	GainPct  decimal.Decimal
	ClosePct decimal.Decimal
}

// DefaultTiers are +10/+20/+35/+50%, each closing 25%.
func DefaultTiers() []Tier {
	quarter := decimal.NewFromInt(25)
	return []Tier{
		{GainPct: decimal.NewFromInt(10), ClosePct: quarter},
		{GainPct: decimal.NewFromInt(20), ClosePct: quarter},
		{GainPct: decimal.NewFromInt(35), ClosePct: quarter},
		{GainPct: decimal.NewFromInt(50), ClosePct: quarter},
	}
}

// Config tunes the evaluator. Tiers must be in ascending GainPct order.
type Config struct {
	Tiers []Tier
	// TrailingStopPct applies to positions without their own trailing percent.
	// Zero disables the default.
	TrailingStopPct decimal.Decimal
	// MaxHolding applies to positions without their own period. Zero
	// disables the default.
	MaxHolding time.Duration
}

type symbolState struct {
	entry     decimal.Decimal
	highWater decimal.Decimal
	fired     map[int]bool
}

// Evaluator keeps per-symbol rule state. It is safe for concurrent use.
type Evaluator struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	state map[string]*symbolState
}

// NewEvaluator creates an Evaluator. Nil tiers select DefaultTiers.
func NewEvaluator(cfg Config, c clock.Clock) *Evaluator {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Evaluator{cfg: cfg, clock: c, state: make(map[string]*symbolState)}
}

// RegisterPosition starts tracking symbol from entry, clearing prior state.
func (e *Evaluator) RegisterPosition(symbol string, entry decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[symbol] = &symbolState{entry: entry, highWater: entry, fired: make(map[int]bool)}
}

// RemoveRules forgets symbol.
func (e *Evaluator) RemoveRules(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, symbol)
}

// FiredTiers returns how many take-profit tiers have fired for symbol.
func (e *Evaluator) FiredTiers(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[symbol]; ok {
		return len(st.fired)
	}
	return 0
}

// stateLocked returns the state for p, registering it on first sight.
func (e *Evaluator) stateLocked(p *domain.Position) *symbolState {
	st, ok := e.state[p.Symbol]
	if !ok {
		st = &symbolState{entry: p.EntryPrice, highWater: p.EntryPrice, fired: make(map[int]bool)}
		e.state[p.Symbol] = st
	}
	return st
}

// CheckPartialTakeProfits returns a close signal for the lowest reached tier
// that has not fired yet. Each tier fires at most once per registration.
func (e *Evaluator) CheckPartialTakeProfits(p *domain.Position) *domain.TakeProfitSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(p)
	for i, tier := range e.cfg.Tiers {
		if st.fired[i] || p.UnrealizedPnLPct.LessThan(tier.GainPct) {
			continue
		}
		st.fired[i] = true
		return &domain.TakeProfitSignal{
			ShouldClose: true,
			ClosePct:    tier.ClosePct,
			Reason:      fmt.Sprintf("take-profit tier %d (+%s%%) reached at %s%%", i+1, tier.GainPct, p.UnrealizedPnLPct.StringFixed(2)),
			Tier:        i,
		}
	}
	return nil
}

// ReleaseTier re-arms tier for symbol after its close failed, so the next
// check can fire it again.
func (e *Evaluator) ReleaseTier(symbol string, tier int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[symbol]; ok {
		delete(st.fired, tier)
	}
}

// UpdateTrailingStop ratchets the stop to trail the high-water mark by the
// position's trailing percent. It only ever raises the stop, and only once
// the position has traded above entry.
func (e *Evaluator) UpdateTrailingStop(p *domain.Position) *domain.TrailingStopUpdate {
	pct := e.cfg.TrailingStopPct
	if p.TrailingStopPct != nil {
		pct = *p.TrailingStopPct
	}
	if !pct.IsPositive() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(p)
	if p.CurrentPrice.GreaterThan(st.highWater) {
		st.highWater = p.CurrentPrice
	}
	if !st.highWater.GreaterThan(st.entry) {
		return nil
	}

	stop := st.highWater.Mul(decimal.NewFromInt(100).Sub(pct)).Div(decimal.NewFromInt(100)).Round(2)
	if p.StopLossPrice != nil && !stop.GreaterThan(*p.StopLossPrice) {
		return nil
	}
	return &domain.TrailingStopUpdate{
		NewStopLoss: stop,
		Reason:      fmt.Sprintf("trailing %s%% below high %s", pct, st.highWater.StringFixed(2)),
	}
}

// CheckHoldingPeriod compares the time since the position opened against its
// maximum holding period. It returns nil when no period applies.
func (e *Evaluator) CheckHoldingPeriod(p *domain.Position) *domain.HoldingPeriodCheck {
	limit := e.cfg.MaxHolding
	if p.MaxHoldingPeriod > 0 {
		limit = p.MaxHoldingPeriod
	}
	if limit <= 0 || p.OpenedAt.IsZero() {
		return nil
	}
	held := e.clock.Now().Sub(p.OpenedAt)
	return &domain.HoldingPeriodCheck{
		Exceeded:     held >= limit,
		HoldingHours: held.Hours(),
		MaxHours:     limit.Hours(),
	}
}
