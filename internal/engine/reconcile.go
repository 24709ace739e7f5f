package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tradeguard/internal/broker"
	"tradeguard/internal/domain"
)

// Reconcile brings the book in line with the broker: quantities and prices
// are copied from broker positions, booked positions the broker no longer
// holds are dropped, and broker positions missing from the book are adopted
// under the default stop-loss so the exit rules cover them.
//
// The position list only nominates symbols. Each symbol is re-read from the
// broker and the book under its lock, so an open or close running alongside
// is never undone.
func (e *Engine) Reconcile(ctx context.Context) error {
	held, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: listing broker positions: %w", err)
	}
	seen := make(map[string]bool, len(held))
	for _, p := range held {
		seen[p.Symbol] = true
	}
	for _, p := range e.book.All() {
		seen[p.Symbol] = true
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var synced, dropped, adopted, failed int
	for _, sym := range symbols {
		switch outcome, err := e.reconcileSymbol(ctx, sym); {
		case err != nil:
			e.log.Error("reconcile symbol failed", "symbol", sym, "error", err)
			failed++
		case outcome == "synced":
			synced++
		case outcome == "dropped":
			dropped++
		case outcome == "adopted":
			adopted++
		}
	}

	e.log.Info("reconciled positions", "synced", synced, "dropped", dropped, "adopted", adopted, "failed", failed)
	return nil
}

func (e *Engine) reconcileSymbol(ctx context.Context, sym string) (string, error) {
	unlock := e.lock(sym)
	defer unlock()

	bp, err := e.broker.GetPosition(ctx, sym)
	if errors.Is(err, broker.ErrPositionNotFound) {
		bp, err = nil, nil
	}
	if err != nil {
		return "", err
	}
	booked, ok := e.book.Get(sym)

	switch {
	case bp == nil && !ok:
		return "", nil
	case bp == nil:
		e.log.Warn("position no longer held at broker, dropping", "symbol", sym, "qty", booked.Qty)
		e.dropPosition(sym)
		return "dropped", nil
	case !ok:
		e.adopt(*bp)
		return "adopted", nil
	}

	if !booked.Qty.Equal(bp.Qty) {
		e.log.Warn("position quantity drifted", "symbol", sym, "booked", booked.Qty, "broker", bp.Qty)
	}
	e.book.Update(sym, func(p *domain.Position) {
		p.Qty = bp.Qty
		p.AvailableQty = bp.AvailableQty
		if p.EntryPrice.IsZero() {
			p.EntryPrice = bp.EntryPrice
		}
		if bp.CurrentPrice.IsPositive() {
			p.Mark(bp.CurrentPrice)
		}
	})
	return "synced", nil
}

// adopt books an untracked broker position. The caller holds the symbol lock.
func (e *Engine) adopt(pos domain.Position) {
	pos.Strategy = e.cfg.Strategy
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = e.clock.Now()
	}
	if pos.MaxHoldingPeriod == 0 {
		pos.MaxHoldingPeriod = e.cfg.MaxHolding
	}
	if pos.StopLossPrice == nil && e.cfg.DefaultStopLossPct.IsPositive() {
		pos.StopLossPrice = domain.Ptr(pos.EntryPrice.Mul(hundred.Sub(e.cfg.DefaultStopLossPct)).Div(hundred).Round(2))
	}
	if pos.CurrentPrice.IsPositive() {
		pos.Mark(pos.CurrentPrice)
	}
	e.book.Put(pos)
	if e.rules != nil {
		e.rules.RegisterPosition(pos.Symbol, pos.EntryPrice)
	}
	e.log.Warn("adopted untracked broker position", "symbol", pos.Symbol, "qty", pos.Qty, "entry", pos.EntryPrice)
}
