// Package idempotency builds deterministic keys that collapse repeated
// same-intent requests inside a time bucket into a single unit of work.
package idempotency

import (
	"fmt"
	"strings"
	"time"

	"tradeguard/internal/domain"
)

// Bucket widths.
const (
	SubmitWindow = 5 * time.Minute
	CancelWindow = time.Minute
)

// maxKeyLen matches the broker's client_order_id limit; keys double as
// client order ids.
const maxKeyLen = 128

// Bucket returns the index of the window containing t.
func Bucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return t.UnixMilli()
	}
	return t.UnixMilli() / window.Milliseconds()
}

// SubmitKey identifies an order submission by strategy, symbol, side and
// five-minute bucket.
func SubmitKey(strategy, symbol string, side domain.OrderSide, t time.Time) string {
	return SubmitKeyWindow(strategy, symbol, side, t, SubmitWindow)
}

// SubmitKeyWindow is SubmitKey with an explicit bucket width.
func SubmitKeyWindow(strategy, symbol string, side domain.OrderSide, t time.Time, window time.Duration) string {
	if strategy == "" {
		strategy = "default"
	}
	return clip(fmt.Sprintf("sub-%s-%s-%s-%d",
		sanitize(strategy), strings.ToUpper(symbol), side, Bucket(t, window)))
}

// CancelKey identifies a cancellation of orderID in a one-minute bucket.
func CancelKey(orderID, symbol string, t time.Time) string {
	return CancelKeyWindow(orderID, symbol, t, CancelWindow)
}

// CancelKeyWindow is CancelKey with an explicit bucket width.
func CancelKeyWindow(orderID, symbol string, t time.Time, window time.Duration) string {
	return clip(fmt.Sprintf("cxl-%s-%s-%d", strings.ToUpper(symbol), orderID, Bucket(t, window)))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

func clip(s string) string {
	if len(s) > maxKeyLen {
		return s[:maxKeyLen]
	}
	return s
}
