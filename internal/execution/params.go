package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// ErrInvalidIntent is returned for intents that cannot be normalized.
var ErrInvalidIntent = errors.New("execution: invalid order intent")

// OrderParams is the canonical SUBMIT payload. Unset optional fields are
// omitted so equal intents encode to equal bytes.
type OrderParams struct {
	Symbol        string                `json:"symbol"`
	Side          domain.OrderSide      `json:"side"`
	Qty           *decimal.Decimal      `json:"qty,omitempty"`
	Notional      *decimal.Decimal      `json:"notional,omitempty"`
	Type          domain.OrderType      `json:"type"`
	TimeInForce   domain.TimeInForce    `json:"time_in_force"`
	LimitPrice    *decimal.Decimal      `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal      `json:"stop_price,omitempty"`
	TakeProfit    *domain.TakeProfitLeg `json:"take_profit,omitempty"`
	StopLoss      *domain.StopLossLeg   `json:"stop_loss,omitempty"`
	ExtendedHours bool                  `json:"extended_hours,omitempty"`
	TraceID       string                `json:"trace_id,omitempty"`
	DecisionID    string                `json:"decision_id,omitempty"`
}

// CancelParams is the CANCEL payload.
type CancelParams struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	TraceID string `json:"trace_id,omitempty"`
}

// Normalize converts an intent into canonical parameters. Quantity wins
// when both quantity and notional are set.
func Normalize(in domain.OrderIntent) (OrderParams, error) {
	p := OrderParams{
		Symbol:        strings.ToUpper(strings.TrimSpace(in.Symbol)),
		Side:          in.Side,
		Type:          in.Type,
		TimeInForce:   in.TimeInForce,
		LimitPrice:    in.LimitPrice,
		StopPrice:     in.StopPrice,
		TakeProfit:    in.TakeProfit,
		StopLoss:      in.StopLoss,
		ExtendedHours: in.ExtendedHours,
		TraceID:       in.TraceID,
		DecisionID:    in.DecisionID,
	}
	if p.Symbol == "" {
		return p, fmt.Errorf("%w: symbol is required", ErrInvalidIntent)
	}
	if p.Side != domain.OrderSideBuy && p.Side != domain.OrderSideSell {
		return p, fmt.Errorf("%w: side %q", ErrInvalidIntent, in.Side)
	}

	switch {
	case in.Qty != nil:
		if !in.Qty.IsPositive() {
			return p, fmt.Errorf("%w: qty must be positive, got %s", ErrInvalidIntent, in.Qty)
		}
		p.Qty = in.Qty
	case in.Notional != nil:
		if !in.Notional.IsPositive() {
			return p, fmt.Errorf("%w: notional must be positive, got %s", ErrInvalidIntent, in.Notional)
		}
		p.Notional = in.Notional
	default:
		return p, fmt.Errorf("%w: qty or notional is required", ErrInvalidIntent)
	}

	if p.Type == "" {
		p.Type = domain.OrderTypeMarket
	}
	if p.TimeInForce == "" {
		p.TimeInForce = domain.TimeInForceDay
	}
	if p.Type == domain.OrderTypeLimit && p.LimitPrice == nil {
		return p, fmt.Errorf("%w: limit order without limit price", ErrInvalidIntent)
	}
	return p, nil
}

// Intent rebuilds the broker request, using clientOrderID as the broker-side
// dedup handle.
func (p OrderParams) Intent(clientOrderID string) *domain.OrderIntent {
	return &domain.OrderIntent{
		Symbol:        p.Symbol,
		Side:          p.Side,
		Qty:           p.Qty,
		Notional:      p.Notional,
		Type:          p.Type,
		TimeInForce:   p.TimeInForce,
		LimitPrice:    p.LimitPrice,
		StopPrice:     p.StopPrice,
		TakeProfit:    p.TakeProfit,
		StopLoss:      p.StopLoss,
		ExtendedHours: p.ExtendedHours,
		ClientOrderID: clientOrderID,
		TraceID:       p.TraceID,
		DecisionID:    p.DecisionID,
	}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
