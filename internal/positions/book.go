// Package positions provides the in-memory position book with JSON
// persistence and pub/sub for position lifecycle events.
package positions

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
)

// Event types.
const (
	EventOpen   = "open"
	EventUpdate = "update"
	EventClose  = "close"
)

// Event is published on every book change.
type Event struct {
	Type     string           `json:"type"`
	Symbol   string           `json:"symbol"`
	Position *domain.Position `json:"position,omitempty"` // open/update only
}

// Book holds open positions keyed by symbol. Callers receive copies; all
// mutation goes through Put, Update and Delete.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	filePath  string
	log       *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewBook creates a Book, loading persisted state from filePath. An empty
// filePath keeps the book in memory only.
func NewBook(filePath string, log *slog.Logger) *Book {
	if log == nil {
		log = slog.Default().With("component", "positions")
	}
	b := &Book{
		positions: make(map[string]*domain.Position),
		filePath:  filePath,
		log:       log,
		subs:      make(map[int]chan Event),
	}
	b.load()
	return b
}

// Get returns a copy of the position in symbol.
func (b *Book) Get(symbol string) (*domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// All returns copies of every position, sorted by symbol.
func (b *Book) All() []domain.Position {
	b.mu.RLock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p.Clone())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Count returns the number of open positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Exposure returns the summed market value of all positions.
func (b *Book) Exposure() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

// Put inserts or replaces the position for pos.Symbol.
func (b *Book) Put(pos domain.Position) {
	p := pos.Clone()
	if p.AvailableQty.GreaterThan(p.Qty) {
		p.AvailableQty = p.Qty
	}
	b.mu.Lock()
	_, existed := b.positions[p.Symbol]
	b.positions[p.Symbol] = p
	n := len(b.positions)
	b.flush()
	b.mu.Unlock()

	metrics.OpenPositions.Set(float64(n))
	typ := EventOpen
	if existed {
		typ = EventUpdate
	}
	b.broadcast(Event{Type: typ, Symbol: p.Symbol, Position: p.Clone()})
}

// Update applies fn to the stored position and reports whether it existed.
// Available quantity is clamped to quantity afterwards.
func (b *Book) Update(symbol string, fn func(p *domain.Position)) bool {
	b.mu.Lock()
	p, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return false
	}
	fn(p)
	if p.AvailableQty.GreaterThan(p.Qty) {
		p.AvailableQty = p.Qty
	}
	snap := p.Clone()
	b.flush()
	b.mu.Unlock()

	b.broadcast(Event{Type: EventUpdate, Symbol: symbol, Position: snap})
	return true
}

// Delete removes the position in symbol.
func (b *Book) Delete(symbol string) {
	b.mu.Lock()
	_, ok := b.positions[symbol]
	delete(b.positions, symbol)
	n := len(b.positions)
	b.flush()
	b.mu.Unlock()

	if !ok {
		return
	}
	metrics.OpenPositions.Set(float64(n))
	b.broadcast(Event{Type: EventClose, Symbol: symbol})
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (b *Book) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	b.subsMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Book) Unsubscribe(id int) {
	b.subsMu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (b *Book) broadcast(e Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// load reads the JSON file into memory.
func (b *Book) load() {
	if b.filePath == "" {
		return
	}
	data, err := os.ReadFile(b.filePath)
	if err != nil {
		return // no file yet
	}
	var loaded map[string]*domain.Position
	if err := json.Unmarshal(data, &loaded); err != nil {
		b.log.Warn("loading positions file", "error", err)
		return
	}
	for sym, p := range loaded {
		if p == nil {
			delete(loaded, sym)
		}
	}
	b.positions = loaded
	metrics.OpenPositions.Set(float64(len(loaded)))
	b.log.Info("loaded positions", "count", len(loaded))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (b *Book) flush() {
	if b.filePath == "" {
		return
	}
	data, err := json.MarshalIndent(b.positions, "", "  ")
	if err != nil {
		b.log.Error("marshalling positions", "error", err)
		return
	}
	if err := os.WriteFile(b.filePath, data, 0644); err != nil {
		b.log.Error("writing positions file", "error", err)
	}
}
