package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
)

func newSQLiteQueue(t *testing.T, c clock.Clock) *SQLiteQueue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := NewSQLiteQueue(db, c)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryQueue(clock.NewFake(time.Unix(1_700_000_000, 0))))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteQueue(t, clock.NewFake(time.Unix(1_700_000_000, 0))))
	})
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.Enqueue(ctx, TypeSubmit, "AAPL", "k1", []byte(`{"a":1}`), 3)
		if err != nil {
			t.Fatal(err)
		}
		b, err := s.Enqueue(ctx, TypeSubmit, "AAPL", "k1", []byte(`{"a":2}`), 3)
		if err != nil {
			t.Fatal(err)
		}
		if a.ID != b.ID {
			t.Errorf("second Enqueue returned %s, want existing %s", b.ID, a.ID)
		}
		if string(b.Payload) != `{"a":1}` {
			t.Errorf("payload = %s, want original", b.Payload)
		}
		if a.Status != StatusPending || a.MaxAttempts != 3 {
			t.Errorf("new item = %+v, want PENDING with 3 max attempts", a)
		}
	})
}

func TestConcurrentEnqueueSingleItem(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		ids := make([]string, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				it, err := s.Enqueue(ctx, TypeSubmit, "X", "same-key", nil, 3)
				if err != nil {
					t.Error(err)
					return
				}
				ids[i] = it.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("concurrent enqueue produced ids %v", ids)
			}
		}
	})
}

func TestInvalidateReleasesKey(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, _ := s.Enqueue(ctx, TypeSubmit, "AAPL", "k", nil, 3)
		if err := s.Invalidate(ctx, first.ID, "stale"); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, first.ID)
		if got.Status != StatusCancelled || got.LastError != "stale" {
			t.Errorf("invalidated item = %+v, want CANCELLED/stale", got)
		}

		second, _ := s.Enqueue(ctx, TypeSubmit, "AAPL", "k", nil, 3)
		if second.ID == first.ID {
			t.Error("Enqueue after Invalidate returned the invalidated item")
		}
		if err := s.Invalidate(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Invalidate(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestWorkerLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		calls := 0
		w := NewWorker(s, func(_ context.Context, it *WorkItem) (Result, error) {
			calls++
			if it.IdempotencyKey == "fails" {
				return Result{}, errors.New("broker unavailable")
			}
			if it.IdempotencyKey == "rejects" {
				return Result{}, Permanent(errors.New("invalid symbol"))
			}
			return Result{OrderID: "ord-" + it.Symbol, Status: domain.OrderStatusAccepted}, nil
		}, nil, time.Millisecond)

		ok, _ := s.Enqueue(ctx, TypeSubmit, "AAPL", "ok", nil, 3)
		bad, _ := s.Enqueue(ctx, TypeSubmit, "MSFT", "fails", nil, 3)
		rej, _ := s.Enqueue(ctx, TypeSubmit, "ZZZZ", "rejects", nil, 3)

		if err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}

		got, _ := s.Get(ctx, ok.ID)
		if got.Status != StatusSucceeded || got.Result == nil || got.Result.OrderID != "ord-AAPL" {
			t.Errorf("ok item = %+v, want SUCCEEDED with ord-AAPL", got)
		}
		if got.Result.Status != domain.OrderStatusAccepted {
			t.Errorf("result status = %q, want accepted", got.Result.Status)
		}

		got, _ = s.Get(ctx, bad.ID)
		if got.Status != StatusDeadLetter || got.Attempts != 3 || got.LastError != "broker unavailable" {
			t.Errorf("failing item = %+v, want DEAD_LETTER after 3 attempts", got)
		}

		got, _ = s.Get(ctx, rej.ID)
		if got.Status != StatusDeadLetter || got.Attempts != 1 {
			t.Errorf("permanent item = %+v, want DEAD_LETTER after 1 attempt", got)
		}
		if calls != 5 {
			t.Errorf("handler calls = %d, want 5", calls)
		}
	})
}

func TestGetMissingReturnsNil(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		it, err := s.Get(context.Background(), "nope")
		if err != nil || it != nil {
			t.Errorf("Get(nope) = %v, %v; want nil, nil", it, err)
		}
	})
}

func TestRecoverRequeuesStaleClaims(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		it, _ := s.Enqueue(ctx, TypeCancel, "AAPL", "c", nil, 3)
		if _, err := s.Claim(ctx); err != nil {
			t.Fatal(err)
		}
		n, err := s.Recover(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("Recover = %d, want 1", n)
		}
		got, _ := s.Get(ctx, it.ID)
		if got.Status != StatusPending || got.Attempts != 1 {
			t.Errorf("recovered item = %+v, want PENDING with 1 attempt", got)
		}
	})
}

func TestInlineQueueSettlesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryQueue(clock.NewFake(time.Unix(1_700_000_000, 0)))
	calls := 0
	w := NewWorker(mem, func(context.Context, *WorkItem) (Result, error) {
		calls++
		return Result{OrderID: "o-1", Status: domain.OrderStatusAccepted}, nil
	}, nil, 0)
	q := NewInline(mem, w)

	it, err := q.Enqueue(ctx, TypeSubmit, "AAPL", "k", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(ctx, it.ID)
	if got.Status != StatusSucceeded || got.Result.OrderID != "o-1" {
		t.Errorf("item after inline enqueue = %+v, want SUCCEEDED o-1", got)
	}

	dup, err := q.Enqueue(ctx, TypeSubmit, "AAPL", "k", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID != it.ID || dup.Status != StatusSucceeded {
		t.Errorf("duplicate enqueue = %s/%s, want %s/SUCCEEDED", dup.ID, dup.Status, it.ID)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}
