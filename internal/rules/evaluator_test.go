package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(entry, current string) *domain.Position {
	p := &domain.Position{
		Symbol:       "AAPL",
		Qty:          decimal.NewFromInt(100),
		AvailableQty: decimal.NewFromInt(100),
		EntryPrice:   dec(entry),
	}
	p.Mark(dec(current))
	return p
}

func TestTakeProfitTiersFireOnce(t *testing.T) {
	e := NewEvaluator(Config{}, nil)
	e.RegisterPosition("AAPL", dec("100"))

	if sig := e.CheckPartialTakeProfits(position("100", "109")); sig != nil {
		t.Fatalf("signal below first tier: %+v", sig)
	}
	sig := e.CheckPartialTakeProfits(position("100", "110"))
	if sig == nil || !sig.ShouldClose || !sig.ClosePct.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("tier 1 signal = %+v, want close 25%%", sig)
	}
	if sig := e.CheckPartialTakeProfits(position("100", "112")); sig != nil {
		t.Errorf("tier 1 fired twice: %+v", sig)
	}

	// A jump past two tiers fires them on consecutive checks.
	if sig := e.CheckPartialTakeProfits(position("100", "140")); sig == nil {
		t.Error("tier 2 did not fire")
	}
	if sig := e.CheckPartialTakeProfits(position("100", "140")); sig == nil {
		t.Error("tier 3 did not fire")
	}
	if sig := e.CheckPartialTakeProfits(position("100", "140")); sig != nil {
		t.Errorf("tier 4 fired below +50%%: %+v", sig)
	}
	if got := e.FiredTiers("AAPL"); got != 3 {
		t.Errorf("FiredTiers = %d, want 3", got)
	}

	e.RemoveRules("AAPL")
	if got := e.FiredTiers("AAPL"); got != 0 {
		t.Errorf("FiredTiers after RemoveRules = %d, want 0", got)
	}
}

func TestReleaseTierRearms(t *testing.T) {
	e := NewEvaluator(Config{}, nil)
	e.RegisterPosition("AAPL", dec("100"))

	sig := e.CheckPartialTakeProfits(position("100", "111"))
	if sig == nil || sig.Tier != 0 {
		t.Fatalf("signal = %+v, want tier index 0", sig)
	}
	e.ReleaseTier("AAPL", sig.Tier)
	if got := e.FiredTiers("AAPL"); got != 0 {
		t.Errorf("FiredTiers after release = %d, want 0", got)
	}
	again := e.CheckPartialTakeProfits(position("100", "111"))
	if again == nil || again.Tier != 0 {
		t.Errorf("re-armed signal = %+v, want tier index 0", again)
	}
	e.ReleaseTier("MSFT", 0)
}

func TestTrailingStopOnlyRatchetsUp(t *testing.T) {
	e := NewEvaluator(Config{}, nil)
	e.RegisterPosition("AAPL", dec("100"))
	pct := dec("5")

	p := position("100", "99")
	p.TrailingStopPct = &pct
	if upd := e.UpdateTrailingStop(p); upd != nil {
		t.Errorf("trailing update below entry: %+v", upd)
	}

	p = position("100", "120")
	p.TrailingStopPct = &pct
	upd := e.UpdateTrailingStop(p)
	if upd == nil || !upd.NewStopLoss.Equal(dec("114")) {
		t.Fatalf("update at 120 = %+v, want stop 114", upd)
	}

	stop := upd.NewStopLoss
	p = position("100", "115")
	p.TrailingStopPct = &pct
	p.StopLossPrice = &stop
	if upd := e.UpdateTrailingStop(p); upd != nil {
		t.Errorf("stop lowered on pullback: %+v", upd)
	}

	p = position("100", "130")
	p.TrailingStopPct = &pct
	p.StopLossPrice = &stop
	if upd := e.UpdateTrailingStop(p); upd == nil || !upd.NewStopLoss.Equal(dec("123.5")) {
		t.Errorf("update at 130 = %+v, want stop 123.5", upd)
	}
}

func TestTrailingStopDisabledWithoutPercent(t *testing.T) {
	e := NewEvaluator(Config{}, nil)
	if upd := e.UpdateTrailingStop(position("100", "150")); upd != nil {
		t.Errorf("update without trailing percent: %+v", upd)
	}
}

func TestHoldingPeriod(t *testing.T) {
	start := time.Date(2026, 10, 1, 14, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)
	e := NewEvaluator(Config{MaxHolding: 72 * time.Hour}, c)

	p := position("100", "101")
	if chk := e.CheckHoldingPeriod(p); chk != nil {
		t.Errorf("check without open time = %+v, want nil", chk)
	}

	p.OpenedAt = start
	c.Advance(48 * time.Hour)
	chk := e.CheckHoldingPeriod(p)
	if chk == nil || chk.Exceeded || chk.HoldingHours != 48 || chk.MaxHours != 72 {
		t.Errorf("check at 48h = %+v", chk)
	}

	p.MaxHoldingPeriod = 24 * time.Hour
	if chk := e.CheckHoldingPeriod(p); chk == nil || !chk.Exceeded {
		t.Errorf("position override = %+v, want exceeded", chk)
	}
}
