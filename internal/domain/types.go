// Package domain defines the core types shared across the execution, retry
// and position risk layers: order intents, broker orders, positions,
// decisions and execution results.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType enumerates the order types accepted by the broker.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceOPG TimeInForce = "opg"
	TimeInForceCLS TimeInForce = "cls"
)

// OrderClass distinguishes simple orders from bracket orders.
type OrderClass string

const (
	OrderClassSimple  OrderClass = "simple"
	OrderClassBracket OrderClass = "bracket"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusQueued          OrderStatus = "queued"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusSuspended       OrderStatus = "suspended"
)

// IsFailed reports whether the order ended without (further) execution.
func (s OrderStatus) IsFailed() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired, OrderStatusSuspended:
		return true
	}
	return false
}

// IsLive reports whether the broker acknowledged the order as working or
// executed.
func (s OrderStatus) IsLive() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPendingNew, OrderStatusQueued,
		OrderStatusPartiallyFilled, OrderStatusFilled:
		return true
	}
	return false
}

// Action is what a decision or an execution result asks for or did.
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionReinforce Action = "reinforce"
	ActionHold      Action = "hold"
	ActionSkip      Action = "skip"
	ActionError     Action = "error"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// TakeProfitLeg is the limit child of a bracket order.
type TakeProfitLeg struct {
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// StopLossLeg is the stop child of a bracket order.
type StopLossLeg struct {
	StopPrice  decimal.Decimal  `json:"stop_price"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// OrderIntent is a request to place an order. Exactly one of Qty and
// Notional is expected to be set.
type OrderIntent struct {
	Symbol         string
	Side           OrderSide
	Qty            *decimal.Decimal
	Notional       *decimal.Decimal
	Type           OrderType
	TimeInForce    TimeInForce
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TakeProfit     *TakeProfitLeg
	StopLoss       *StopLossLeg
	ExtendedHours  bool
	ClientOrderID  string
	IdempotencyKey string
	TraceID        string
	DecisionID     string
	Strategy       string
	MaxAttempts    int
}

// HasBracket reports whether the intent carries bracket legs.
func (i *OrderIntent) HasBracket() bool {
	return i.TakeProfit != nil || i.StopLoss != nil
}

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Class          OrderClass
	Qty            *decimal.Decimal
	Notional       *decimal.Decimal
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TakeProfit     *TakeProfitLeg
	StopLoss       *StopLossLeg
	ExtendedHours  bool
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Intent re-derives the order intent that would reproduce this order.
func (o *BrokerOrder) Intent() OrderIntent {
	return OrderIntent{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           o.Qty,
		Notional:      o.Notional,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		TakeProfit:    o.TakeProfit,
		StopLoss:      o.StopLoss,
		ExtendedHours: o.ExtendedHours,
		ClientOrderID: o.ClientOrderID,
	}
}

// ---------------------------------------------------------------------------
// Account & positions
// ---------------------------------------------------------------------------

// AccountInfo holds a snapshot of brokerage account metrics.
type AccountInfo struct {
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	PortfolioValue decimal.Decimal
}

// Position is an open long position tracked by the risk engine.
type Position struct {
	Symbol           string           `json:"symbol"`
	Qty              decimal.Decimal  `json:"qty"`
	AvailableQty     decimal.Decimal  `json:"available_qty"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal  `json:"unrealized_pnl_pct"`
	StopLossPrice    *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice  *decimal.Decimal `json:"take_profit_price,omitempty"`
	TrailingStopPct  *decimal.Decimal `json:"trailing_stop_pct,omitempty"`
	MaxHoldingPeriod time.Duration    `json:"max_holding_period,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	Strategy         string           `json:"strategy,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// Mark sets the current price and recomputes unrealized P&L.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Qty)
	if p.EntryPrice.IsZero() {
		p.UnrealizedPnLPct = decimal.Zero
		return
	}
	p.UnrealizedPnLPct = price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred).Round(4)
}

// MarketValue is qty times the current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Qty.Mul(p.CurrentPrice)
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.StopLossPrice = cloneDec(p.StopLossPrice)
	c.TakeProfitPrice = cloneDec(p.TakeProfitPrice)
	c.TrailingStopPct = cloneDec(p.TrailingStopPct)
	return &c
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// ---------------------------------------------------------------------------
// Decisions & results
// ---------------------------------------------------------------------------

// Decision is an opaque trading decision produced upstream.
type Decision struct {
	ID                string
	Action            Action
	Confidence        float64
	Reasoning         string
	RiskLevel         string
	SuggestedFraction decimal.Decimal
	StopLoss          *decimal.Decimal
	TargetPrice       *decimal.Decimal
	TrailingStopPct   *decimal.Decimal
}

// ExecutionResult is the structured outcome of open, close and reinforce.
type ExecutionResult struct {
	Success     bool
	Action      Action
	Reason      string
	Symbol      string
	OrderID     string
	Qty         *decimal.Decimal
	Price       *decimal.Decimal
	RealizedPnL *decimal.Decimal // closing fills only
	Err         error
}

// TradeRecord is a persisted fill.
type TradeRecord struct {
	ID          string
	Symbol      string
	Side        OrderSide
	Qty         decimal.Decimal
	Price       decimal.Decimal
	OrderID     string
	DecisionID  string
	Strategy    string
	Reason      string
	RealizedPnL *decimal.Decimal
	ExecutedAt  time.Time
}

// Ptr returns a pointer to a copy of d.
func Ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
