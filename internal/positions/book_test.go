package positions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

func pos(symbol string, qty, entry int64) domain.Position {
	return domain.Position{
		Symbol:       symbol,
		Qty:          decimal.NewFromInt(qty),
		AvailableQty: decimal.NewFromInt(qty),
		EntryPrice:   decimal.NewFromInt(entry),
		CurrentPrice: decimal.NewFromInt(entry),
		OpenedAt:     time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC),
	}
}

func TestBookPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")

	b := NewBook(path, nil)
	stop := decimal.NewFromInt(140)
	p := pos("AAPL", 10, 150)
	p.StopLossPrice = &stop
	b.Put(p)
	b.Put(pos("MSFT", 2, 400))
	b.Delete("MSFT")

	reloaded := NewBook(path, nil)
	if reloaded.Count() != 1 {
		t.Fatalf("Count after reload = %d, want 1", reloaded.Count())
	}
	got, ok := reloaded.Get("AAPL")
	if !ok {
		t.Fatal("AAPL missing after reload")
	}
	if !got.Qty.Equal(decimal.NewFromInt(10)) || got.StopLossPrice == nil || !got.StopLossPrice.Equal(stop) {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestBookReturnsCopies(t *testing.T) {
	b := NewBook("", nil)
	b.Put(pos("AAPL", 10, 150))

	got, _ := b.Get("AAPL")
	got.Qty = decimal.NewFromInt(999)
	again, _ := b.Get("AAPL")
	if !again.Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("mutating a copy changed the book: qty = %s", again.Qty)
	}
}

func TestBookUpdateClampsAvailable(t *testing.T) {
	b := NewBook("", nil)
	b.Put(pos("AAPL", 10, 150))

	ok := b.Update("AAPL", func(p *domain.Position) {
		p.Qty = decimal.NewFromInt(4)
	})
	if !ok {
		t.Fatal("Update reported missing position")
	}
	got, _ := b.Get("AAPL")
	if !got.AvailableQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("available = %s, want clamped to 4", got.AvailableQty)
	}
	if b.Update("NOPE", func(*domain.Position) {}) {
		t.Error("Update of unknown symbol returned true")
	}
}

func TestBookEvents(t *testing.T) {
	b := NewBook("", nil)
	id, ch := b.Subscribe(8)

	b.Put(pos("AAPL", 10, 150))
	b.Update("AAPL", func(p *domain.Position) { p.Mark(decimal.NewFromInt(155)) })
	b.Delete("AAPL")
	b.Unsubscribe(id)

	var types []string
	for e := range ch {
		types = append(types, e.Type)
	}
	want := []string{EventOpen, EventUpdate, EventClose}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestBookExposure(t *testing.T) {
	b := NewBook("", nil)
	b.Put(pos("AAPL", 10, 150))
	b.Put(pos("MSFT", 2, 400))
	if got := b.Exposure(); !got.Equal(decimal.NewFromInt(2300)) {
		t.Errorf("Exposure = %s, want 2300", got)
	}
}
