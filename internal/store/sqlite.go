package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TradeJournal = (*SQLiteStore)(nil)

const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          TEXT NOT NULL,
	price        TEXT NOT NULL,
	order_id     TEXT NOT NULL DEFAULT '',
	decision_id  TEXT NOT NULL DEFAULT '',
	strategy     TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	realized_pnl TEXT,
	executed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_executed ON trades(executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, executed_at);
`

// SQLiteStore is a TradeJournal backed by a SQLite database. Money columns
// are stored as decimal strings so values round-trip exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(tradesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trades: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the connection so other tables (the work queue) can share the
// database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTrade inserts or replaces a trade row.
func (s *SQLiteStore) RecordTrade(ctx context.Context, t *domain.TradeRecord) error {
	var pnl sql.NullString
	if t.RealizedPnL != nil {
		pnl = sql.NullString{String: t.RealizedPnL.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
			(id, symbol, side, qty, price, order_id, decision_id, strategy, reason, realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, string(t.Side), t.Qty.String(), t.Price.String(),
		t.OrderID, t.DecisionID, t.Strategy, t.Reason, pnl, t.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns trades in [start, end) for symbol ("" for all).
func (s *SQLiteStore) ListTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, qty, price, order_id, decision_id, strategy, reason, realized_pnl, executed_at
		FROM trades
		WHERE executed_at >= ? AND executed_at < ? AND (? = '' OR symbol = ?)
		ORDER BY executed_at, id`,
		start.UnixMilli(), end.UnixMilli(), symbol, symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// RealizedPnL sums realized_pnl in decimal arithmetic rather than SQL REAL.
func (s *SQLiteStore) RealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM trades WHERE realized_pnl IS NOT NULL AND executed_at >= ?`,
		since.UnixMilli(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing realized pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing realized pnl %q: %w", raw, err)
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

func scanTrade(rows *sql.Rows) (*domain.TradeRecord, error) {
	var (
		t               domain.TradeRecord
		side, qty, px   string
		pnl             sql.NullString
		executedAtMilli int64
	)
	if err := rows.Scan(&t.ID, &t.Symbol, &side, &qty, &px, &t.OrderID, &t.DecisionID,
		&t.Strategy, &t.Reason, &pnl, &executedAtMilli); err != nil {
		return nil, err
	}
	var err error
	if t.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("trade %s qty: %w", t.ID, err)
	}
	if t.Price, err = decimal.NewFromString(px); err != nil {
		return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
	}
	if pnl.Valid {
		v, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return nil, fmt.Errorf("trade %s pnl: %w", t.ID, err)
		}
		t.RealizedPnL = &v
	}
	t.Side = domain.OrderSide(side)
	t.ExecutedAt = time.UnixMilli(executedAtMilli).UTC()
	return &t, nil
}
