package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It tracks orders, positions and cash in memory and simulates order
// state transitions: marketable orders fill at the last price, others rest as
// "new" until cancelled or forced to another state.
type SimulatorBroker struct {
	mu          sync.Mutex
	orders      map[string]*domain.BrokerOrder
	byClientID  map[string]string
	positions   map[string]*domain.Position
	prices      map[string]decimal.Decimal
	untradable  map[string]bool
	reserved    map[string]bool
	cash        decimal.Decimal
	marketOpen  bool
	fillOnPlace bool
	rejects     []string
	rejectFn    func(*domain.OrderIntent) string
	placed      int
	cancels     int
	now         func() time.Time
}

// NewSimulatorBroker creates a SimulatorBroker with the given starting cash.
func NewSimulatorBroker(cash decimal.Decimal) *SimulatorBroker {
	return &SimulatorBroker{
		orders:      make(map[string]*domain.BrokerOrder),
		byClientID:  make(map[string]string),
		positions:   make(map[string]*domain.Position),
		prices:      make(map[string]decimal.Decimal),
		untradable:  make(map[string]bool),
		reserved:    make(map[string]bool),
		cash:        cash,
		marketOpen:  true,
		fillOnPlace: true,
		now:         time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Test and paper-mode controls
// ---------------------------------------------------------------------------

// SetPrice sets the last trade price for symbol and re-marks its position.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
	if p, ok := b.positions[symbol]; ok {
		p.Mark(price)
	}
}

// SetMarketOpen toggles the regular session flag.
func (b *SimulatorBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	b.marketOpen = open
	b.mu.Unlock()
}

// SetFillOnPlace controls whether marketable orders fill immediately.
func (b *SimulatorBroker) SetFillOnPlace(fill bool) {
	b.mu.Lock()
	b.fillOnPlace = fill
	b.mu.Unlock()
}

// SetTradable marks symbol tradable or not.
func (b *SimulatorBroker) SetTradable(symbol string, tradable bool) {
	b.mu.Lock()
	b.untradable[symbol] = !tradable
	b.mu.Unlock()
}

// RejectNext queues a rejection reason for the next PlaceOrder call.
func (b *SimulatorBroker) RejectNext(reason string) {
	b.mu.Lock()
	b.rejects = append(b.rejects, reason)
	b.mu.Unlock()
}

// RejectWhen installs a predicate returning a rejection reason (or "").
func (b *SimulatorBroker) RejectWhen(fn func(*domain.OrderIntent) string) {
	b.mu.Lock()
	b.rejectFn = fn
	b.mu.Unlock()
}

// SetOrderStatus forces an order into status.
func (b *SimulatorBroker) SetOrderStatus(orderID string, status domain.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.Status = status
		o.UpdatedAt = b.now()
	}
}

// Fill executes a resting order at price.
func (b *SimulatorBroker) Fill(orderID string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	b.fillLocked(o, price)
	return nil
}

// SetPosition seeds a position.
func (b *SimulatorBroker) SetPosition(pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := pos.Clone()
	if price, ok := b.prices[p.Symbol]; ok {
		p.Mark(price)
	}
	b.positions[p.Symbol] = p
}

// PlacedCount returns how many orders were accepted by PlaceOrder.
func (b *SimulatorBroker) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

// CancelCount returns how many CancelOrder calls were made.
func (b *SimulatorBroker) CancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Orders returns a copy of every order.
func (b *SimulatorBroker) Orders() []domain.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// PlaceOrder records the order and simulates execution.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, intent *domain.OrderIntent) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rejects) > 0 {
		reason := b.rejects[0]
		b.rejects = b.rejects[1:]
		return nil, Reject("%s", reason)
	}
	if b.rejectFn != nil {
		if reason := b.rejectFn(intent); reason != "" {
			return nil, Reject("%s", reason)
		}
	}
	if intent.ClientOrderID != "" {
		if _, dup := b.byClientID[intent.ClientOrderID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, intent.ClientOrderID)
		}
	}
	if (intent.Qty == nil) == (intent.Notional == nil) {
		return nil, Reject("qty or notional is required")
	}
	price, ok := b.prices[intent.Symbol]
	if !ok || b.untradable[intent.Symbol] {
		return nil, Reject("invalid symbol: %s", intent.Symbol)
	}
	if intent.Type == domain.OrderTypeMarket && intent.ExtendedHours {
		return nil, Reject("market orders not allowed during extended hours")
	}

	now := b.now()
	o := &domain.BrokerOrder{
		ID:            uuid.NewString(),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		Class:         domain.OrderClassSimple,
		Qty:           intent.Qty,
		Notional:      intent.Notional,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TakeProfit:    intent.TakeProfit,
		StopLoss:      intent.StopLoss,
		ExtendedHours: intent.ExtendedHours,
		Status:        domain.OrderStatusAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if intent.HasBracket() {
		o.Class = domain.OrderClassBracket
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = o.ID
	}

	if intent.Side == domain.OrderSideBuy {
		cost := price.Mul(b.orderQty(o, price))
		if cost.GreaterThan(b.cash) {
			return nil, Reject("insufficient buying power: required %s, available %s", cost.StringFixed(2), b.cash.StringFixed(2))
		}
	} else {
		p, held := b.positions[intent.Symbol]
		if !held || b.orderQty(o, price).GreaterThan(p.AvailableQty) {
			avail := decimal.Zero
			if held {
				avail = p.AvailableQty
			}
			return nil, Reject("insufficient qty available for order (requested: %s, available: %s)", b.orderQty(o, price), avail)
		}
	}

	b.orders[o.ID] = o
	b.byClientID[o.ClientOrderID] = o.ID
	b.placed++

	if b.fillOnPlace && marketable(o, price) {
		b.fillLocked(o, price)
	} else if o.Side == domain.OrderSideSell {
		p := b.positions[o.Symbol]
		p.AvailableQty = p.AvailableQty.Sub(b.orderQty(o, price))
		b.reserved[o.ID] = true
	}
	c := *o
	return &c, nil
}

// CancelOrder cancels a working order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	o, ok := b.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !isOpen(o.Status) {
		return Reject("order is already in %q state", o.Status)
	}
	if b.reserved[o.ID] {
		if p, held := b.positions[o.Symbol]; held {
			p.AvailableQty = decimal.Min(p.Qty, p.AvailableQty.Add(b.orderQty(o, b.prices[o.Symbol])))
		}
		delete(b.reserved, o.ID)
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = b.now()
	return nil
}

// GetOrder returns a copy of the order.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

// GetOrderByClientID returns the order placed with clientOrderID.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	id, ok := b.byClientID[clientOrderID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	return b.GetOrder(ctx, id)
}

// ListOpenOrders returns working orders for symbol.
func (b *SimulatorBroker) ListOpenOrders(_ context.Context, symbol string) ([]domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BrokerOrder
	for _, o := range b.orders {
		if isOpen(o.Status) && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// ClosePosition sells the whole position at the last price.
func (b *SimulatorBroker) ClosePosition(_ context.Context, symbol string) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	qty := p.Qty
	now := b.now()
	o := &domain.BrokerOrder{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        domain.OrderSideSell,
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
		Class:       domain.OrderClassSimple,
		Qty:         &qty,
		Status:      domain.OrderStatusAccepted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.ClientOrderID = o.ID
	b.orders[o.ID] = o
	b.byClientID[o.ClientOrderID] = o.ID
	b.placed++
	if b.fillOnPlace {
		b.fillLocked(o, b.prices[symbol])
	}
	c := *o
	return &c, nil
}

// GetPosition returns the position in symbol.
func (b *SimulatorBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return p.Clone(), nil
}

// GetPositions returns all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p.Clone())
	}
	return positions, nil
}

// GetAccount computes equity and buying power from simulated state.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, p := range b.positions {
		equity = equity.Add(p.MarketValue())
	}
	return &domain.AccountInfo{
		Equity:         equity,
		Cash:           b.cash,
		BuyingPower:    b.cash,
		PortfolioValue: equity,
	}, nil
}

// LatestPrice returns the simulated last price.
func (b *SimulatorBroker) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// IsTradable reports whether symbol is priced and not marked untradable.
func (b *SimulatorBroker) IsTradable(_ context.Context, symbol string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, priced := b.prices[symbol]
	return priced && !b.untradable[symbol], nil
}

// IsMarketOpen returns the simulated session flag.
func (b *SimulatorBroker) IsMarketOpen(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketOpen, nil
}

// ---------------------------------------------------------------------------
// Internals (mu held)
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) orderQty(o *domain.BrokerOrder, price decimal.Decimal) decimal.Decimal {
	if o.Qty != nil {
		return *o.Qty
	}
	if o.Notional == nil || price.IsZero() {
		return decimal.Zero
	}
	return o.Notional.DivRound(price, 9)
}

func (b *SimulatorBroker) fillLocked(o *domain.BrokerOrder, price decimal.Decimal) {
	qty := b.orderQty(o, price)
	o.FilledQty = qty
	o.FilledAvgPrice = price
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = b.now()

	p, held := b.positions[o.Symbol]
	if o.Side == domain.OrderSideBuy {
		b.cash = b.cash.Sub(qty.Mul(price))
		if !held {
			p = &domain.Position{Symbol: o.Symbol, EntryPrice: price, OpenedAt: o.UpdatedAt}
			b.positions[o.Symbol] = p
		} else {
			cost := p.EntryPrice.Mul(p.Qty).Add(price.Mul(qty))
			p.EntryPrice = cost.DivRound(p.Qty.Add(qty), 6)
		}
		p.Qty = p.Qty.Add(qty)
		p.AvailableQty = p.AvailableQty.Add(qty)
		p.Mark(price)
		return
	}

	b.cash = b.cash.Add(qty.Mul(price))
	if !held {
		return
	}
	p.Qty = p.Qty.Sub(qty)
	if b.reserved[o.ID] {
		delete(b.reserved, o.ID)
	} else {
		p.AvailableQty = p.AvailableQty.Sub(qty)
	}
	p.AvailableQty = decimal.Min(p.Qty, p.AvailableQty)
	if p.AvailableQty.IsNegative() {
		p.AvailableQty = decimal.Zero
	}
	if !p.Qty.IsPositive() {
		delete(b.positions, o.Symbol)
		return
	}
	p.Mark(price)
}

func marketable(o *domain.BrokerOrder, price decimal.Decimal) bool {
	if o.Type == domain.OrderTypeMarket {
		return true
	}
	if o.Type != domain.OrderTypeLimit || o.LimitPrice == nil {
		return false
	}
	if o.Side == domain.OrderSideBuy {
		return o.LimitPrice.GreaterThanOrEqual(price)
	}
	return o.LimitPrice.LessThanOrEqual(price)
}

func isOpen(s domain.OrderStatus) bool {
	switch s {
	case domain.OrderStatusNew, domain.OrderStatusAccepted, domain.OrderStatusPendingNew,
		domain.OrderStatusQueued, domain.OrderStatusPartiallyFilled:
		return true
	}
	return false
}
