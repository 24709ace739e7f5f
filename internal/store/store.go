// Package store defines the trade journal and its SQLite and Parquet
// backends. The journal records every fill the position risk engine acts on,
// together with the realized P&L of closing fills.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// TradeJournal persists and retrieves executed trades.
type TradeJournal interface {
	// RecordTrade persists a fill. Recording the same ID twice replaces the
	// earlier row.
	RecordTrade(ctx context.Context, t *domain.TradeRecord) error

	// ListTrades returns trades executed in [start, end) ordered by execution
	// time. An empty symbol matches all symbols.
	ListTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error)

	// RealizedPnL sums realized P&L over trades executed at or after since.
	RealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)
}
