package domain

import "github.com/shopspring/decimal"

// TakeProfitSignal asks for a partial close of a position.
type TakeProfitSignal struct {
	ShouldClose bool
	ClosePct    decimal.Decimal
	Reason      string
	// Tier is the zero-based tier index, handed back to ReleaseTier when the
	// close does not go through.
	Tier int
}

// TrailingStopUpdate carries a raised stop-loss price.
type TrailingStopUpdate struct {
	NewStopLoss decimal.Decimal
	Reason      string
}

// HoldingPeriodCheck reports how long a position has been held.
type HoldingPeriodCheck struct {
	Exceeded     bool
	HoldingHours float64
	MaxHours     float64
}
