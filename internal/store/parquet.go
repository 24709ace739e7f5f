package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// ParquetStore archives the trade journal to one Parquet file per day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// TradeRow is the Parquet schema for archived trades. Decimals are kept as
// strings so the archive is as exact as the journal.
type TradeRow struct {
	ID          string `parquet:"id"`
	Symbol      string `parquet:"symbol"`
	Side        string `parquet:"side"`
	Qty         string `parquet:"qty"`
	Price       string `parquet:"price"`
	OrderID     string `parquet:"order_id"`
	DecisionID  string `parquet:"decision_id"`
	Strategy    string `parquet:"strategy"`
	Reason      string `parquet:"reason"`
	RealizedPnL string `parquet:"realized_pnl,optional"`
	ExecutedAt  int64  `parquet:"executed_at,timestamp(millisecond)"` // Unix ms
}

// ArchiveDay copies the journal's trades for the UTC day containing day into
// <DataDir>/trades/<YYYY-MM-DD>.parquet, merging with any earlier archive of
// the same day. It returns the number of rows in the file.
func (s *ParquetStore) ArchiveDay(ctx context.Context, j TradeJournal, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	trades, err := j.ListTrades(ctx, "", start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, nil
	}

	incoming := make([]TradeRow, len(trades))
	for i := range trades {
		incoming[i] = toRow(&trades[i])
	}
	path := s.tradePath(start)
	existing, err := readParquetFile[TradeRow](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("reading existing archive %s: %w", path, err)
	}
	merged := mergeTradeRows(existing, incoming)
	if err := writeParquetFile(path, merged); err != nil {
		return 0, fmt.Errorf("archiving trades for %s: %w", start.Format("2006-01-02"), err)
	}
	return len(merged), nil
}

// ReadDay returns the archived trades for the UTC day containing day.
func (s *ParquetStore) ReadDay(_ context.Context, day time.Time) ([]domain.TradeRecord, error) {
	rows, err := readParquetFile[TradeRow](s.tradePath(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	trades := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// tradePath returns the filesystem path for a day's archive.
// Layout: <dataDir>/trades/<YYYY-MM-DD>.parquet
func (s *ParquetStore) tradePath(t time.Time) string {
	return filepath.Join(s.DataDir, "trades", t.UTC().Format("2006-01-02")+".parquet")
}

func toRow(t *domain.TradeRecord) TradeRow {
	r := TradeRow{
		ID:         t.ID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Qty:        t.Qty.String(),
		Price:      t.Price.String(),
		OrderID:    t.OrderID,
		DecisionID: t.DecisionID,
		Strategy:   t.Strategy,
		Reason:     t.Reason,
		ExecutedAt: t.ExecutedAt.UnixMilli(),
	}
	if t.RealizedPnL != nil {
		r.RealizedPnL = t.RealizedPnL.String()
	}
	return r
}

func fromRow(r TradeRow) (domain.TradeRecord, error) {
	t := domain.TradeRecord{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Side:       domain.OrderSide(r.Side),
		OrderID:    r.OrderID,
		DecisionID: r.DecisionID,
		Strategy:   r.Strategy,
		Reason:     r.Reason,
		ExecutedAt: time.UnixMilli(r.ExecutedAt).UTC(),
	}
	var err error
	if t.Qty, err = decimal.NewFromString(r.Qty); err != nil {
		return t, fmt.Errorf("archived trade %s qty: %w", r.ID, err)
	}
	if t.Price, err = decimal.NewFromString(r.Price); err != nil {
		return t, fmt.Errorf("archived trade %s price: %w", r.ID, err)
	}
	if r.RealizedPnL != "" {
		v, err := decimal.NewFromString(r.RealizedPnL)
		if err != nil {
			return t, fmt.Errorf("archived trade %s pnl: %w", r.ID, err)
		}
		t.RealizedPnL = &v
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeTradeRows deduplicates rows by id, preferring incoming rows over
// existing ones. Results are sorted by execution time.
func mergeTradeRows(existing, incoming []TradeRow) []TradeRow {
	seen := make(map[string]TradeRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]TradeRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ExecutedAt != merged[j].ExecutedAt {
			return merged[i].ExecutedAt < merged[j].ExecutedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
