// Package broker defines the Broker interface and provides implementations
// for executing orders and reading account state across brokerages.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

var (
	// ErrOrderNotFound is returned when the broker has no such order.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrPositionNotFound is returned when no position is held for a symbol.
	ErrPositionNotFound = errors.New("broker: position not found")

	// ErrDuplicateClientOrderID is returned when a client order id was
	// already used for an earlier order.
	ErrDuplicateClientOrderID = errors.New("broker: client_order_id must be unique")
)

// RejectionError is a broker refusal of an order (as opposed to a transport
// failure). Retrying the same request will not help.
type RejectionError struct {
	Reason     string
	StatusCode int
}

func (e *RejectionError) Error() string { return e.Reason }

// Reject builds a RejectionError.
func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a broker rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Broker abstracts brokerage operations. All calls are assumed unreliable.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder sends an order to the brokerage.
	PlaceOrder(ctx context.Context, intent *domain.OrderIntent) (*domain.BrokerOrder, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder returns the live state of an order, or ErrOrderNotFound.
	GetOrder(ctx context.Context, orderID string) (*domain.BrokerOrder, error)

	// GetOrderByClientID looks an order up by its client order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrder, error)

	// ListOpenOrders returns working orders for symbol ("" for all).
	ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error)

	// ClosePosition liquidates the whole position in symbol.
	ClosePosition(ctx context.Context, symbol string) (*domain.BrokerOrder, error)

	// GetPosition returns the position in symbol, or ErrPositionNotFound.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// LatestPrice returns the last trade price for symbol.
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// IsTradable reports whether the asset can currently be traded.
	IsTradable(ctx context.Context, symbol string) (bool, error)

	// IsMarketOpen reports whether the regular session is open now.
	IsMarketOpen(ctx context.Context) (bool, error)
}
