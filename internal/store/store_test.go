package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})
	return s
}

func trade(id, symbol string, side domain.OrderSide, qty, price string, pnl *decimal.Decimal, at time.Time) *domain.TradeRecord {
	return &domain.TradeRecord{
		ID:          id,
		Symbol:      symbol,
		Side:        side,
		Qty:         decimal.RequireFromString(qty),
		Price:       decimal.RequireFromString(price),
		OrderID:     "ord-" + id,
		Strategy:    "momentum",
		RealizedPnL: pnl,
		ExecutedAt:  at,
	}
}

func TestSQLiteStoreRecordAndList(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	pnl := decimal.RequireFromString("100.00")
	trades := []*domain.TradeRecord{
		trade("t1", "AAPL", domain.OrderSideBuy, "10", "150", nil, day.Add(14*time.Hour)),
		trade("t2", "MSFT", domain.OrderSideBuy, "2.5", "401.13", nil, day.Add(15*time.Hour)),
		trade("t3", "AAPL", domain.OrderSideSell, "10", "160", &pnl, day.Add(16*time.Hour)),
		trade("t4", "AAPL", domain.OrderSideBuy, "1", "155", nil, day.Add(30*time.Hour)),
	}
	for _, tr := range trades {
		if err := s.RecordTrade(ctx, tr); err != nil {
			t.Fatalf("RecordTrade(%s): %v", tr.ID, err)
		}
	}

	got, err := s.ListTrades(ctx, "AAPL", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "t3" {
		t.Fatalf("ListTrades(AAPL) = %+v, want [t1 t3]", got)
	}
	if got[0].RealizedPnL != nil {
		t.Errorf("opening trade pnl = %v, want nil", got[0].RealizedPnL)
	}
	if !got[1].RealizedPnL.Equal(pnl) {
		t.Errorf("closing trade pnl = %v, want %s", got[1].RealizedPnL, pnl)
	}
	if !got[1].ExecutedAt.Equal(trades[2].ExecutedAt) {
		t.Errorf("ExecutedAt = %v, want %v", got[1].ExecutedAt, trades[2].ExecutedAt)
	}

	all, err := s.ListTrades(ctx, "", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListTrades(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTrades(all) returned %d trades, want 3", len(all))
	}
	if !all[1].Qty.Equal(decimal.RequireFromString("2.5")) || all[1].Price.String() != "401.13" {
		t.Errorf("MSFT trade = %s @ %s, want 2.5 @ 401.13", all[1].Qty, all[1].Price)
	}
}

func TestSQLiteStoreRecordReplaces(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

	tr := trade("t1", "AAPL", domain.OrderSideBuy, "10", "150", nil, at)
	if err := s.RecordTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}
	tr.Price = decimal.RequireFromString("150.25")
	if err := s.RecordTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListTrades(ctx, "", at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Price.String() != "150.25" {
		t.Errorf("ListTrades = %+v, want one trade at 150.25", got)
	}
}

func TestSQLiteStoreRealizedPnLIsExact(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)

	// 0.1 summed ten times drifts in binary floating point.
	tenth := decimal.RequireFromString("0.1")
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := s.RecordTrade(ctx, trade(id, "AAPL", domain.OrderSideSell, "1", "1", &tenth, start.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordTrade(ctx, trade("opening", "AAPL", domain.OrderSideBuy, "1", "1", nil, start)); err != nil {
		t.Fatal(err)
	}

	got, err := s.RealizedPnL(ctx, start)
	if err != nil {
		t.Fatalf("RealizedPnL: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("RealizedPnL = %s, want 1", got)
	}

	later, err := s.RealizedPnL(ctx, start.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !later.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("RealizedPnL(since +5m) = %s, want 0.5", later)
	}
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")
	ts := time.Date(2024, 6, 15, 22, 30, 0, 0, time.UTC)

	want := filepath.Join("/data", "trades", "2024-06-15.parquet")
	if got := ps.tradePath(ts); got != want {
		t.Errorf("tradePath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreArchiveDay(t *testing.T) {
	s := newTestSQLite(t)
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	day := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	pnl := decimal.RequireFromString("-100")
	if err := s.RecordTrade(ctx, trade("t1", "AAPL", domain.OrderSideBuy, "10", "160", nil, day.Add(14*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTrade(ctx, trade("t2", "AAPL", domain.OrderSideSell, "10", "150", &pnl, day.Add(15*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTrade(ctx, trade("t3", "MSFT", domain.OrderSideBuy, "1", "400", nil, day.AddDate(0, 0, 1))); err != nil {
		t.Fatal(err)
	}

	n, err := ps.ArchiveDay(ctx, s, day.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveDay: %v", err)
	}
	if n != 2 {
		t.Fatalf("ArchiveDay wrote %d rows, want 2", n)
	}

	got, err := ps.ReadDay(ctx, day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadDay returned %d trades, want 2", len(got))
	}
	if got[0].ID != "t1" || got[0].RealizedPnL != nil {
		t.Errorf("first archived trade = %+v, want t1 without pnl", got[0])
	}
	if got[1].RealizedPnL == nil || !got[1].RealizedPnL.Equal(pnl) {
		t.Errorf("second archived pnl = %v, want -100", got[1].RealizedPnL)
	}

	// Re-archiving merges by id rather than duplicating.
	if n, err := ps.ArchiveDay(ctx, s, day); err != nil || n != 2 {
		t.Errorf("second ArchiveDay = %d, %v, want 2 rows", n, err)
	}
}

func TestParquetStoreArchiveDayKeepsUnreadableArchive(t *testing.T) {
	s := newTestSQLite(t)
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	day := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	if err := s.RecordTrade(ctx, trade("t1", "AAPL", domain.OrderSideBuy, "10", "160", nil, day.Add(14*time.Hour))); err != nil {
		t.Fatal(err)
	}

	path := ps.tradePath(day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	corrupt := []byte("not a parquet file")
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ps.ArchiveDay(ctx, s, day); err == nil {
		t.Fatal("ArchiveDay over a corrupt archive returned nil error")
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(corrupt) {
		t.Errorf("archive rewritten: %q, %v", got, err)
	}
}

func TestParquetStoreReadMissingDay(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	got, err := ps.ReadDay(context.Background(), time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || got != nil {
		t.Errorf("ReadDay(missing) = %v, %v, want nil, nil", got, err)
	}
}
