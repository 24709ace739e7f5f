package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/queue"
)

// midBucket sits in the middle of a five-minute bucket.
var midBucket = time.Date(2026, 10, 14, 14, 2, 0, 0, time.UTC)

type fixture struct {
	clock  *clock.Fake
	mem    *queue.MemoryQueue
	broker *broker.SimulatorBroker
	coord  *Coordinator
}

func newFixture(t *testing.T, b broker.Broker) *fixture {
	t.Helper()
	sim := broker.NewSimulatorBroker(decimal.NewFromInt(100_000))
	sim.SetPrice("AAPL", decimal.NewFromInt(150))
	if b == nil {
		b = sim
	}
	c := clock.NewFake(midBucket)
	mem := queue.NewMemoryQueue(c)
	w := queue.NewWorker(mem, QueueHandler(b), c, time.Second)
	return &fixture{
		clock:  c,
		mem:    mem,
		broker: sim,
		coord:  NewCoordinator(queue.NewInline(mem, w), b, c, DefaultConfig(), nil),
	}
}

func buyIntent() domain.OrderIntent {
	n := decimal.NewFromInt(1_500)
	return domain.OrderIntent{
		Symbol:   "aapl",
		Side:     domain.OrderSideBuy,
		Notional: &n,
		Type:     domain.OrderTypeMarket,
		Strategy: "momentum",
	}
}

func TestSubmitDeduplicatesWithinBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if first.OrderID != second.OrderID || first.WorkItemID != second.WorkItemID {
		t.Errorf("second submit = %+v, want cached %+v", second, first)
	}
	if second.Status != domain.OrderStatusFilled {
		t.Errorf("verified status = %q, want filled", second.Status)
	}
	if n := f.broker.PlacedCount(); n != 1 {
		t.Errorf("broker orders = %d, want 1", n)
	}
	if n := f.mem.Len(); n != 1 {
		t.Errorf("work items = %d, want 1", n)
	}
}

func TestSubmitNewBucketPlacesNewOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if _, err := f.coord.Submit(ctx, buyIntent()); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(5 * time.Minute)
	if _, err := f.coord.Submit(ctx, buyIntent()); err != nil {
		t.Fatal(err)
	}
	if n := f.broker.PlacedCount(); n != 2 {
		t.Errorf("broker orders = %d, want 2", n)
	}
}

func TestSubmitStaleDuplicateIsInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.broker.SetFillOnPlace(false)

	first, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatal(err)
	}
	f.broker.SetOrderStatus(first.OrderID, domain.OrderStatusCanceled)

	if _, err := f.coord.Submit(ctx, buyIntent()); !errors.Is(err, ErrStaleDuplicate) {
		t.Fatalf("Submit over canceled order = %v, want ErrStaleDuplicate", err)
	}
	old, _ := f.mem.Get(ctx, first.WorkItemID)
	if old.Status != queue.StatusCancelled {
		t.Errorf("stale item status = %s, want CANCELLED", old.Status)
	}

	fresh, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if fresh.OrderID == first.OrderID {
		t.Errorf("resubmit returned stale order %s", fresh.OrderID)
	}
	if n := f.broker.PlacedCount(); n != 2 {
		t.Errorf("broker orders = %d, want 2", n)
	}
}

func TestSubmitMissingCachedOrderIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	it, err := f.mem.Enqueue(ctx, queue.TypeSubmit, "AAPL", "k-1", []byte(`{}`), 3)
	if err != nil {
		t.Fatal(err)
	}
	claimed, _ := f.mem.Claim(ctx)
	if err := f.mem.Complete(ctx, claimed.ID, queue.Result{OrderID: "gone", Status: domain.OrderStatusAccepted}); err != nil {
		t.Fatal(err)
	}

	intent := buyIntent()
	intent.IdempotencyKey = "k-1"
	if _, err := f.coord.Submit(ctx, intent); !errors.Is(err, ErrStaleDuplicate) {
		t.Errorf("Submit over unknown order = %v, want ErrStaleDuplicate", err)
	}
	got, _ := f.mem.Get(ctx, it.ID)
	if got.Status != queue.StatusCancelled {
		t.Errorf("item status = %s, want CANCELLED", got.Status)
	}
}

func TestSubmitRejectionDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.broker.RejectNext("market orders not allowed during extended hours")

	_, err := f.coord.Submit(ctx, buyIntent())
	var dl *DeadLetterError
	if !errors.As(err, &dl) {
		t.Fatalf("Submit = %v, want DeadLetterError", err)
	}
	if !strings.Contains(dl.LastError, "extended hours") {
		t.Errorf("LastError = %q", dl.LastError)
	}
	it, _ := f.mem.Get(ctx, dl.WorkItemID)
	if it.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a rejection", it.Attempts)
	}
}

// flakyBroker fails PlaceOrder with a transport error.
type flakyBroker struct {
	*broker.SimulatorBroker
	calls int
}

func (b *flakyBroker) PlaceOrder(context.Context, *domain.OrderIntent) (*domain.BrokerOrder, error) {
	b.calls++
	return nil, errors.New("connection reset by peer")
}

func TestSubmitTransientFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimulatorBroker(decimal.NewFromInt(100_000))
	flaky := &flakyBroker{SimulatorBroker: sim}
	f := newFixture(t, flaky)

	_, err := f.coord.Submit(ctx, buyIntent())
	var dl *DeadLetterError
	if !errors.As(err, &dl) {
		t.Fatalf("Submit = %v, want DeadLetterError", err)
	}
	if flaky.calls != 3 {
		t.Errorf("PlaceOrder calls = %d, want 3", flaky.calls)
	}
}

func TestSubmitTimeout(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(midBucket)
	sim := broker.NewSimulatorBroker(decimal.NewFromInt(100_000))
	coord := NewCoordinator(queue.NewMemoryQueue(c), sim, c, DefaultConfig(), nil)

	_, err := coord.Submit(ctx, buyIntent())
	if !errors.Is(err, ErrSubmitTimeout) {
		t.Fatalf("Submit with no worker = %v, want ErrSubmitTimeout", err)
	}
	slept := c.Slept()
	if len(slept) != 30 {
		t.Errorf("poll sleeps = %d, want 30", len(slept))
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Fatalf("poll interval = %s, want 2s", d)
		}
	}
}

func TestSubmitInvalidIntent(t *testing.T) {
	f := newFixture(t, nil)
	in := buyIntent()
	in.Notional = nil
	if _, err := f.coord.Submit(context.Background(), in); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("Submit without size = %v, want ErrInvalidIntent", err)
	}
	if f.mem.Len() != 0 {
		t.Error("invalid intent was enqueued")
	}
}

func TestConcurrentSubmitsPlaceOneOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	results := make([]*SubmitResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.Submit(ctx, buyIntent())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if results[0].OrderID != results[1].OrderID {
		t.Errorf("order ids differ: %s vs %s", results[0].OrderID, results[1].OrderID)
	}
	if n := f.mem.Len(); n != 1 {
		t.Errorf("work items = %d, want 1", n)
	}
	if n := f.broker.PlacedCount(); n != 1 {
		t.Errorf("broker orders = %d, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.broker.SetFillOnPlace(false)

	res, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Cancel(ctx, res.OrderID, "AAPL", "trace-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o, _ := f.broker.GetOrder(ctx, res.OrderID)
	if o.Status != domain.OrderStatusCanceled {
		t.Errorf("order status = %s, want canceled", o.Status)
	}

	// A second cancel in the same bucket collapses onto the first.
	if err := f.coord.Cancel(ctx, res.OrderID, "AAPL", "trace-2"); err != nil {
		t.Errorf("repeat Cancel: %v", err)
	}
	if n := f.broker.CancelCount(); n != 1 {
		t.Errorf("broker cancels = %d, want 1", n)
	}
}

func TestCancelBenignFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	res, err := f.coord.Submit(ctx, buyIntent())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Cancel(ctx, res.OrderID, "AAPL", ""); err != nil {
		t.Errorf("Cancel of filled order = %v, want nil", err)
	}
	if err := f.coord.Cancel(ctx, "no-such-order", "AAPL", ""); err != nil {
		t.Errorf("Cancel of unknown order = %v, want nil", err)
	}
}

func TestCancelTimeoutOnlyWarns(t *testing.T) {
	c := clock.NewFake(midBucket)
	sim := broker.NewSimulatorBroker(decimal.Zero)
	coord := NewCoordinator(queue.NewMemoryQueue(c), sim, c, DefaultConfig(), nil)
	if err := coord.Cancel(context.Background(), "o-1", "AAPL", ""); err != nil {
		t.Errorf("Cancel timeout = %v, want nil", err)
	}
}

func TestNormalize(t *testing.T) {
	q := decimal.NewFromInt(10)
	n := decimal.NewFromInt(500)
	p, err := Normalize(domain.OrderIntent{Symbol: " msft ", Side: domain.OrderSideSell, Qty: &q, Notional: &n})
	if err != nil {
		t.Fatal(err)
	}
	if p.Symbol != "MSFT" || p.Notional != nil || p.Qty == nil {
		t.Errorf("Normalize = %+v, want MSFT with qty only", p)
	}
	if p.Type != domain.OrderTypeMarket || p.TimeInForce != domain.TimeInForceDay {
		t.Errorf("defaults = %s/%s, want market/day", p.Type, p.TimeInForce)
	}
	b, _ := encode(p)
	if strings.Contains(string(b), "limit_price") || strings.Contains(string(b), "notional") {
		t.Errorf("payload %s carries unset fields", b)
	}
}
