package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/util"
)

// Risk check failures. CheckRiskLimits wraps them with the offending values.
var (
	ErrKillSwitch         = errors.New("risk: kill switch active")
	ErrMaxPositions       = errors.New("risk: maximum open positions reached")
	ErrNoPrice            = errors.New("risk: no valid live price")
	ErrPositionTooLarge   = errors.New("risk: trade exceeds maximum position size")
	ErrExposureTooLarge   = errors.New("risk: trade exceeds maximum total exposure")
	ErrAccountUnavailable = errors.New("risk: account unavailable")
)

// PositionCounter reports how many positions are open.
type PositionCounter interface {
	Count() int
}

// RiskManager enforces pre-trade limits on buys: the kill switch, the open
// position cap, live price availability and maximum position size relative to
// buying power. Sells always pass; loss protection on exits is position-aware
// and lives in Engine.Close.
type RiskManager struct {
	broker             broker.Broker
	positions          PositionCounter
	maxPositions       int
	maxPositionSizePct decimal.Decimal
	clock              clock.Clock

	priceAttempts int
	priceBackoff  time.Duration
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositions: open positions allowed at once; zero disables the cap.
//   - maxPositionSizePct: largest single trade as a percent of buying power
//     (e.g. 10 for 10%).
//
// Price lookups are retried with backoff on c; nil means the wall clock.
func NewRiskManager(b broker.Broker, positions PositionCounter, maxPositions int, maxPositionSizePct decimal.Decimal, c clock.Clock) *RiskManager {
	if c == nil {
		c = clock.Real{}
	}
	return &RiskManager{
		broker:             b,
		positions:          positions,
		maxPositions:       maxPositions,
		maxPositionSizePct: maxPositionSizePct,
		clock:              c,
		priceAttempts:      2,
		priceBackoff:       200 * time.Millisecond,
	}
}

// CheckRiskLimits returns nil when a trade of tradeValue dollars in symbol is
// within limits.
func (rm *RiskManager) CheckRiskLimits(ctx context.Context, side domain.OrderSide, symbol string, tradeValue decimal.Decimal, killSwitchActive bool) error {
	if side != domain.OrderSideBuy {
		return nil
	}
	if killSwitchActive {
		return ErrKillSwitch
	}
	if rm.maxPositions > 0 && rm.positions != nil {
		if n := rm.positions.Count(); n >= rm.maxPositions {
			return fmt.Errorf("%w: %d of %d", ErrMaxPositions, n, rm.maxPositions)
		}
	}

	var price decimal.Decimal
	err := util.Retry(ctx, rm.clock, rm.priceAttempts, rm.priceBackoff, func() error {
		p, err := rm.broker.LatestPrice(ctx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrNoPrice, symbol, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w for %s: %s", ErrNoPrice, symbol, price)
	}

	acct, err := rm.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccountUnavailable, err)
	}
	limit := acct.BuyingPower.Mul(rm.maxPositionSizePct).Div(decimal.NewFromInt(100))
	if tradeValue.GreaterThan(limit) {
		return fmt.Errorf("%w: %s > %s (%s%% of buying power %s)", ErrPositionTooLarge,
			tradeValue.StringFixed(2), limit.StringFixed(2), rm.maxPositionSizePct, acct.BuyingPower.StringFixed(2))
	}
	return nil
}
