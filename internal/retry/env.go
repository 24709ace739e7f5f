package retry

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"tradeguard/internal/broker"
	"tradeguard/internal/domain"
)

// Env gives fix functions read access to live account and market state.
type Env interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	BuyingPower(ctx context.Context) (decimal.Decimal, error)
	// Position returns nil, nil when nothing is held.
	Position(ctx context.Context, symbol string) (*domain.Position, error)
}

// BrokerEnv reads the environment from a broker.
type BrokerEnv struct {
	Broker broker.Broker
}

// LatestPrice returns the broker's last trade price.
func (e BrokerEnv) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return e.Broker.LatestPrice(ctx, symbol)
}

// BuyingPower returns the account's buying power.
func (e BrokerEnv) BuyingPower(ctx context.Context) (decimal.Decimal, error) {
	a, err := e.Broker.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return a.BuyingPower, nil
}

// Position returns the live position in symbol.
func (e BrokerEnv) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	p, err := e.Broker.GetPosition(ctx, symbol)
	if errors.Is(err, broker.ErrPositionNotFound) {
		return nil, nil
	}
	return p, err
}
