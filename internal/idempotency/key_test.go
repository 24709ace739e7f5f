package idempotency

import (
	"strings"
	"testing"
	"time"

	"tradeguard/internal/domain"
)

func TestSubmitKeySameBucket(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 14, 30, 5, 0, time.UTC)
	t1 := t0.Add(4 * time.Minute)

	a := SubmitKey("momentum", "aapl", domain.OrderSideBuy, t0)
	b := SubmitKey("momentum", "AAPL", domain.OrderSideBuy, t1)
	if a != b {
		t.Errorf("keys differ within one bucket: %q vs %q", a, b)
	}

	c := SubmitKey("momentum", "AAPL", domain.OrderSideBuy, t0.Add(5*time.Minute))
	if a == c {
		t.Errorf("keys equal across buckets: %q", a)
	}
	if d := SubmitKey("momentum", "AAPL", domain.OrderSideSell, t0); d == a {
		t.Errorf("buy and sell share key %q", a)
	}
	if e := SubmitKey("mean_rev", "AAPL", domain.OrderSideBuy, t0); e == a {
		t.Errorf("strategies share key %q", a)
	}
}

func TestCancelKeyOneMinuteBucket(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	a := CancelKey("ord-1", "AAPL", t0)
	if b := CancelKey("ord-1", "AAPL", t0.Add(59*time.Second)); a != b {
		t.Errorf("keys differ within one minute: %q vs %q", a, b)
	}
	if c := CancelKey("ord-1", "AAPL", t0.Add(time.Minute)); a == c {
		t.Errorf("keys equal across minutes: %q", a)
	}
	if d := CancelKey("ord-2", "AAPL", t0); a == d {
		t.Errorf("different orders share key %q", a)
	}
}

func TestKeyLengthBounded(t *testing.T) {
	k := SubmitKey(strings.Repeat("s", 300), "AAPL", domain.OrderSideBuy, time.Now())
	if len(k) > maxKeyLen {
		t.Errorf("len(key) = %d, want <= %d", len(k), maxKeyLen)
	}
	if strings.ContainsAny(SubmitKey("a b/c", "X", domain.OrderSideBuy, time.Now()), " /") {
		t.Error("strategy not sanitized")
	}
}
