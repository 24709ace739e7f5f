package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
)

func newTestEngine(breakerThreshold int) (*Engine, *broker.SimulatorBroker, *clock.Fake, *Breaker) {
	c := clock.NewFake(time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC))
	sim := broker.NewSimulatorBroker(decimal.NewFromInt(100_000))
	sim.SetPrice("AAPL", decimal.NewFromInt(150))
	sim.SetPrice("MSFT", decimal.NewFromInt(400))
	br := NewBreaker(breakerThreshold, time.Minute, 5*time.Minute, c)
	return NewEngine(sim, nil, br, c, DefaultConfig(), nil), sim, c, br
}

func rejectedBuy(id, symbol string, qty int64) *domain.BrokerOrder {
	q := decimal.NewFromInt(qty)
	return &domain.BrokerOrder{
		ID: id, ClientOrderID: "sub-" + id, Symbol: symbol, Side: domain.OrderSideBuy,
		Type: domain.OrderTypeMarket, TimeInForce: domain.TimeInForceDay, Class: domain.OrderClassSimple,
		Qty: &q, Status: domain.OrderStatusRejected,
	}
}

func TestExtendedHoursRejectionIsFixed(t *testing.T) {
	e, sim, c, _ := newTestEngine(5)
	order := rejectedBuy("o-1", "AAPL", 10)
	order.ExtendedHours = true

	res := e.OnRejection(context.Background(), order, "market orders not allowed during extended hours")
	if !res.Success || res.FinalStatus != StatusRetriedSuccessfully {
		t.Fatalf("result = %+v, want retried_successfully", res)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(res.Attempts))
	}
	a := res.Attempts[0]
	if a.Category != CategoryMarketHours || a.Confidence != ConfidenceHigh || !a.Success {
		t.Errorf("attempt = %+v", a)
	}

	placed, err := sim.GetOrder(context.Background(), res.NewOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if placed.Type != domain.OrderTypeLimit || !placed.ExtendedHours {
		t.Errorf("placed %s extended=%v, want extended-hours limit", placed.Type, placed.ExtendedHours)
	}
	if !placed.LimitPrice.Equal(decimal.RequireFromString("150.75")) {
		t.Errorf("limit = %s, want 150.75", placed.LimitPrice)
	}
	if placed.ClientOrderID == order.ClientOrderID {
		t.Error("retry reused the original client order id")
	}
	if got := c.Slept(); len(got) != 1 || got[0] != 2*time.Second {
		t.Errorf("backoff = %v, want [2s]", got)
	}
}

func TestRetryCap(t *testing.T) {
	e, sim, c, _ := newTestEngine(10)
	sim.RejectWhen(func(*domain.OrderIntent) string { return "order canceled by broker" })
	order := rejectedBuy("o-2", "AAPL", 1)

	res := e.OnRejection(context.Background(), order, "order canceled")
	if res.FinalStatus != StatusMaxRetriesExceeded || res.Success {
		t.Fatalf("result = %+v, want max_retries_exceeded", res)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(res.Attempts))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := c.Slept()
	if len(got) != len(want) {
		t.Fatalf("backoff = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	again := e.OnRejection(context.Background(), order, "order canceled")
	if again.FinalStatus != StatusMaxRetriesExceeded {
		t.Errorf("second OnRejection = %s, want max_retries_exceeded", again.FinalStatus)
	}
	if n := len(e.Attempts(order.ID)); n != 3 {
		t.Errorf("attempts after second call = %d, want 3", n)
	}
}

func TestConcurrentRejectionsShareRetryCap(t *testing.T) {
	e, sim, _, _ := newTestEngine(10)
	var placeCalls atomic.Int32
	sim.RejectWhen(func(*domain.OrderIntent) string {
		placeCalls.Add(1)
		return "order canceled by broker"
	})
	order := rejectedBuy("o-dup", "AAPL", 1)

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.OnRejection(context.Background(), order, "order canceled")
		}(i)
	}
	wg.Wait()

	if n := len(e.Attempts(order.ID)); n != 3 {
		t.Errorf("recorded attempts = %d, want 3", n)
	}
	if n := placeCalls.Load(); n != 3 {
		t.Errorf("broker placements = %d, want 3", n)
	}
	seen := make(map[int]bool)
	for _, a := range e.Attempts(order.ID) {
		if seen[a.Number] || a.Error == "" {
			t.Errorf("attempt %+v duplicated or unsettled", a)
		}
		seen[a.Number] = true
	}
	for i, res := range results {
		if res.FinalStatus != StatusMaxRetriesExceeded {
			t.Errorf("results[%d] = %s, want max_retries_exceeded", i, res.FinalStatus)
		}
	}
}

func TestAttemptHistoryExpires(t *testing.T) {
	e, sim, c, _ := newTestEngine(10)
	sim.RejectWhen(func(*domain.OrderIntent) string { return "order canceled by broker" })
	old := rejectedBuy("o-old", "AAPL", 1)
	e.OnRejection(context.Background(), old, "order canceled")
	if n := len(e.Attempts(old.ID)); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}

	c.Advance(25 * time.Hour)
	sim.RejectWhen(nil)
	if res := e.OnRejection(context.Background(), rejectedBuy("o-new", "AAPL", 1), "order canceled"); !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if n := len(e.Attempts(old.ID)); n != 0 {
		t.Errorf("attempts for expired order = %d, want 0", n)
	}
}

func TestCircuitBreakerHaltsAllSymbols(t *testing.T) {
	e, sim, c, br := newTestEngine(2)
	sim.RejectWhen(func(*domain.OrderIntent) string { return "order canceled by broker" })

	res := e.OnRejection(context.Background(), rejectedBuy("o-3", "AAPL", 1), "order canceled")
	if res.FinalStatus != StatusPermanentFailure {
		t.Fatalf("result = %+v, want permanent_failure once the breaker opens", res)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(res.Attempts))
	}
	if !br.Snapshot().Open {
		t.Fatal("breaker not open")
	}

	sim.RejectWhen(nil)
	other := e.OnRejection(context.Background(), rejectedBuy("o-4", "MSFT", 1), "order canceled")
	if other.FinalStatus != StatusPermanentFailure || len(other.Attempts) != 0 {
		t.Errorf("other symbol = %+v, want permanent_failure without attempts", other)
	}

	c.Advance(5 * time.Minute)
	if br.Snapshot().Open {
		t.Error("breaker still open after reset period")
	}
	ok := e.OnRejection(context.Background(), rejectedBuy("o-5", "MSFT", 1), "order canceled")
	if ok.FinalStatus != StatusRetriedSuccessfully {
		t.Errorf("after reset = %+v, want retried_successfully", ok)
	}
}

func TestNoFixAvailable(t *testing.T) {
	e, sim, c, _ := newTestEngine(5)
	for _, reason := range []string{"invalid symbol: NOPE", "account is restricted", "maximum number of positions reached", "unexplained"} {
		res := e.OnRejection(context.Background(), rejectedBuy("o-"+reason, "AAPL", 1), reason)
		if res.FinalStatus != StatusNoFixAvailable || len(res.Attempts) != 0 {
			t.Errorf("%q: result = %+v, want no_fix_available", reason, res)
		}
	}
	if sim.PlacedCount() != 0 || len(c.Slept()) != 0 {
		t.Error("unfixable rejections reached the broker or waited")
	}
}

func TestInsufficientQtyResubmitsAvailable(t *testing.T) {
	e, sim, _, _ := newTestEngine(5)
	sim.SetPosition(domain.Position{Symbol: "MSFT", Qty: decimal.NewFromInt(6), AvailableQty: decimal.NewFromInt(6), EntryPrice: decimal.NewFromInt(380)})
	q := decimal.NewFromInt(8)
	order := &domain.BrokerOrder{ID: "o-6", Symbol: "MSFT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: &q, Status: domain.OrderStatusRejected}

	res := e.OnRejection(context.Background(), order, "insufficient qty available for order (requested: 8, available: 6)")
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	placed, _ := sim.GetOrder(context.Background(), res.NewOrderID)
	if !placed.Qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("resubmitted qty = %s, want 6", placed.Qty)
	}
}

func TestFailedRetryFeedsNextReason(t *testing.T) {
	e, sim, _, _ := newTestEngine(5)
	sim.RejectNext("time_in_force gtc not supported")
	order := rejectedBuy("o-7", "AAPL", 2)
	order.TimeInForce = domain.TimeInForceGTC

	res := e.OnRejection(context.Background(), order, "time_in_force gtc not supported")
	if !res.Success || len(res.Attempts) != 2 {
		t.Fatalf("result = %+v, want success on the second attempt", res)
	}
	if res.Attempts[0].Success || res.Attempts[0].Error == "" {
		t.Errorf("first attempt = %+v, want recorded failure", res.Attempts[0])
	}
}

func TestRejectionTextInference(t *testing.T) {
	q := decimal.NewFromInt(1)
	tests := []struct {
		name  string
		order domain.BrokerOrder
		want  string
	}{
		{"missing size", domain.BrokerOrder{Type: domain.OrderTypeMarket}, "qty or notional is required"},
		{"extended market", domain.BrokerOrder{Qty: &q, Type: domain.OrderTypeMarket, ExtendedHours: true}, "market orders not allowed during extended hours"},
		{"canceled", domain.BrokerOrder{Qty: &q, Type: domain.OrderTypeLimit, Status: domain.OrderStatusCanceled}, "canceled"},
		{"rejected", domain.BrokerOrder{Qty: &q, Type: domain.OrderTypeLimit, Status: domain.OrderStatusRejected}, "rejected"},
	}
	for _, tt := range tests {
		if got := rejectionText(&tt.order, ""); got != tt.want {
			t.Errorf("%s: rejectionText = %q, want %q", tt.name, got, tt.want)
		}
	}
	if got := rejectionText(&domain.BrokerOrder{}, "explicit"); got != "explicit" {
		t.Errorf("explicit reason = %q", got)
	}
}

func TestBreakerWindow(t *testing.T) {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	br := NewBreaker(3, time.Minute, 5*time.Minute, c)

	br.RecordFailure()
	br.RecordFailure()
	c.Advance(2 * time.Minute)
	br.RecordFailure()
	if s := br.Snapshot(); s.Open || s.Failures != 1 {
		t.Errorf("state = %+v, want closed with count restarted", s)
	}

	br.RecordFailure()
	br.RecordFailure()
	s := br.Snapshot()
	if !s.Open || !s.ResetAt.Equal(c.Now().Add(5*time.Minute)) {
		t.Errorf("state = %+v, want open until now+5m", s)
	}
	if br.Allow() {
		t.Error("Allow while open")
	}
	br.Reset()
	if !br.Allow() || br.Snapshot().Failures != 0 {
		t.Error("manual reset did not close the breaker")
	}
}
