package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
)

// Compile-time interface check.
var _ Store = (*SQLiteQueue)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL UNIQUE,
	payload          BLOB,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	result_order_id  TEXT NOT NULL DEFAULT '',
	result_status    TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status, created_at);
`

const itemColumns = `id, type, status, symbol, idempotency_key, payload, attempts, max_attempts,
	result_order_id, result_status, last_error, created_at, updated_at`

// SQLiteQueue is a Store persisted in a SQLite table. Deduplication relies on
// the UNIQUE constraint on idempotency_key.
type SQLiteQueue struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteQueue creates the work_items table on db if needed.
func NewSQLiteQueue(db *sql.DB, c clock.Clock) (*SQLiteQueue, error) {
	if c == nil {
		c = clock.Real{}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating work_items: %w", err)
	}
	return &SQLiteQueue{db: db, clock: c}, nil
}

// Enqueue inserts a new item or returns the one already holding key.
func (q *SQLiteQueue) Enqueue(ctx context.Context, typ ItemType, symbol, key string, payload []byte, maxAttempts int) (*WorkItem, error) {
	if key == "" {
		return nil, fmt.Errorf("queue: empty idempotency key")
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := q.clock.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (id, type, status, symbol, idempotency_key, payload, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		uuid.NewString(), string(typ), string(StatusPending), symbol, key, payload, maxAttempts, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting work item %s: %w", key, err)
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE idempotency_key = ?`, key)
	return scanItem(row)
}

// Get returns the item with id, or nil.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*WorkItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// Invalidate cancels the item and frees its key.
func (q *SQLiteQueue) Invalidate(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, last_error = ?, idempotency_key = idempotency_key || '#invalidated#' || id, updated_at = ?
		WHERE id = ?`,
		string(StatusCancelled), reason, q.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", id, err)
	}
	return requireRow(res)
}

// Claim moves the oldest pending item to IN_PROGRESS.
func (q *SQLiteQueue) Claim(ctx context.Context) (*WorkItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM work_items WHERE status = ? ORDER BY created_at LIMIT 1`,
		string(StatusPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pending item: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusInProgress), q.clock.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claiming %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

// Complete marks the item SUCCEEDED with res.
func (q *SQLiteQueue) Complete(ctx context.Context, id string, res Result) error {
	r, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, result_order_id = ?, result_status = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		string(StatusSucceeded), res.OrderID, string(res.Status), q.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("completing %s: %w", id, err)
	}
	return requireRow(r)
}

// Fail records a failed attempt, dead-lettering on exhaustion.
func (q *SQLiteQueue) Fail(ctx context.Context, id, errMsg string) error {
	r, err := q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusDeadLetter), string(StatusPending), errMsg, q.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failing %s: %w", id, err)
	}
	return requireRow(r)
}

// DeadLetter moves the item to DEAD_LETTER.
func (q *SQLiteQueue) DeadLetter(ctx context.Context, id, errMsg string) error {
	r, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusDeadLetter), errMsg, q.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("dead-lettering %s: %w", id, err)
	}
	return requireRow(r)
}

// Recover requeues IN_PROGRESS items untouched for staleAfter.
func (q *SQLiteQueue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := q.clock.Now().Add(-staleAfter).UnixMilli()
	r, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ? WHERE status = ? AND updated_at <= ?`,
		string(StatusPending), string(StatusInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovering stale items: %w", err)
	}
	n, _ := r.RowsAffected()
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var (
		it                    WorkItem
		typ, status           string
		resOrderID, resStatus string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&it.ID, &typ, &status, &it.Symbol, &it.IdempotencyKey, &it.Payload,
		&it.Attempts, &it.MaxAttempts, &resOrderID, &resStatus, &it.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.Type = ItemType(typ)
	it.Status = Status(status)
	if resOrderID != "" || resStatus != "" {
		it.Result = &Result{OrderID: resOrderID, Status: domain.OrderStatus(resStatus)}
	}
	it.CreatedAt = time.UnixMilli(createdAt)
	it.UpdatedAt = time.UnixMilli(updatedAt)
	return &it, nil
}
