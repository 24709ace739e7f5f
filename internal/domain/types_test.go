package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatusClassification(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired, OrderStatusSuspended} {
		if !s.IsFailed() {
			t.Errorf("%q.IsFailed() = false, want true", s)
		}
		if s.IsLive() {
			t.Errorf("%q.IsLive() = true, want false", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusNew, OrderStatusAccepted, OrderStatusPendingNew, OrderStatusQueued, OrderStatusPartiallyFilled, OrderStatusFilled} {
		if !s.IsLive() {
			t.Errorf("%q.IsLive() = false, want true", s)
		}
		if s.IsFailed() {
			t.Errorf("%q.IsFailed() = true, want false", s)
		}
	}
}

func TestPositionMark(t *testing.T) {
	pos := Position{
		Symbol:     "AAPL",
		Qty:        decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(150),
	}
	pos.Mark(decimal.NewFromInt(160))

	if !pos.UnrealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("UnrealizedPnL = %s, want 100", pos.UnrealizedPnL)
	}
	want := decimal.RequireFromString("6.6667")
	if !pos.UnrealizedPnLPct.Equal(want) {
		t.Errorf("UnrealizedPnLPct = %s, want %s", pos.UnrealizedPnLPct, want)
	}
	if !pos.MarketValue().Equal(decimal.NewFromInt(1600)) {
		t.Errorf("MarketValue = %s, want 1600", pos.MarketValue())
	}
}

func TestPositionCloneIsDeep(t *testing.T) {
	pos := &Position{Symbol: "MSFT", StopLossPrice: Ptr(decimal.NewFromInt(90))}
	c := pos.Clone()
	*c.StopLossPrice = decimal.NewFromInt(95)

	if !pos.StopLossPrice.Equal(decimal.NewFromInt(90)) {
		t.Errorf("original StopLossPrice = %s, want 90", pos.StopLossPrice)
	}
}

func TestBrokerOrderIntent(t *testing.T) {
	qty := decimal.NewFromInt(5)
	o := BrokerOrder{
		ID:            "o-1",
		ClientOrderID: "c-1",
		Symbol:        "TSLA",
		Side:          OrderSideSell,
		Type:          OrderTypeLimit,
		TimeInForce:   TimeInForceGTC,
		Qty:           &qty,
		LimitPrice:    Ptr(decimal.NewFromInt(200)),
		ExtendedHours: true,
		TakeProfit:    &TakeProfitLeg{LimitPrice: decimal.NewFromInt(220)},
	}
	in := o.Intent()
	if in.Symbol != "TSLA" || in.Side != OrderSideSell || in.Type != OrderTypeLimit {
		t.Errorf("Intent() = %+v, want symbol/side/type copied", in)
	}
	if in.ClientOrderID != "c-1" {
		t.Errorf("ClientOrderID = %q, want %q", in.ClientOrderID, "c-1")
	}
	if !in.HasBracket() {
		t.Error("HasBracket() = false, want true")
	}
	if !in.ExtendedHours {
		t.Error("ExtendedHours = false, want true")
	}
}
