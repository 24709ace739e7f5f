package retry

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// Category classifies a rejection.
type Category string

const (
	CategoryMarketHours       Category = "market_hours"
	CategoryPriceValidation   Category = "price_validation"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryPositionLimits    Category = "position_limits"
	CategoryFractionalShares  Category = "fractional_shares"
	CategoryOrderType         Category = "order_type"
	CategoryBracket           Category = "bracket_unsupported"
	CategorySymbolInvalid     Category = "symbol_invalid"
	CategoryRegulatory        Category = "regulatory"
	CategoryOrderCanceled     Category = "order_canceled"
	CategoryMissingQty        Category = "missing_qty"
	CategoryInsufficientQty   Category = "insufficient_qty_available"
)

// Confidence is how likely a fix is to be accepted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Fix is a corrected order.
type Fix struct {
	Intent      domain.OrderIntent
	Description string
	Confidence  Confidence
	// Delay is a minimum wait before resubmitting; the backoff applies when
	// it is longer.
	Delay time.Duration
}

// FixFunc derives a corrected intent from a rejected one. A nil Fix means
// the rejection needs an operator.
type FixFunc func(ctx context.Context, env Env, in domain.OrderIntent, reason string) (*Fix, error)

// Handler binds a rejection pattern to its fix.
type Handler struct {
	Name     string
	Category Category
	Match    *regexp.Regexp
	Fix      FixFunc
}

// Match returns the first handler whose pattern matches reason.
func Match(handlers []Handler, reason string) *Handler {
	for i := range handlers {
		if handlers[i].Match.MatchString(reason) {
			return &handlers[i]
		}
	}
	return nil
}

// Extended-hours limit orders are priced this far through the last trade.
var limitBuffer = decimal.RequireFromString("0.005")

// Share of buying power used when resizing for insufficient funds.
var buyingPowerShare = decimal.RequireFromString("0.95")

// DefaultHandlers returns the rejection handlers in match order.
func DefaultHandlers() []Handler {
	return []Handler{
		{
			Name:     "extended-hours-limit",
			Category: CategoryMarketHours,
			Match:    regexp.MustCompile(`(?i)extended hours|market (is )?closed|outside (of )?(regular )?(market|trading) hours|after.?hours|pre.?market`),
			Fix:      fixMarketHours,
		},
		{
			Name:     "reprice",
			Category: CategoryPriceValidation,
			Match:    regexp.MustCompile(`(?i)(limit|stop) price|invalid price|sub.?penny|price increment|tick size|price (must|should)`),
			Fix:      fixPrice,
		},
		{
			Name:     "resize-to-buying-power",
			Category: CategoryInsufficientFunds,
			Match:    regexp.MustCompile(`(?i)insufficient (buying power|funds|cash)|not enough (buying power|funds|cash)`),
			Fix:      fixInsufficientFunds,
		},
		{
			Name:     "position-limit",
			Category: CategoryPositionLimits,
			Match:    regexp.MustCompile(`(?i)max(imum)? (number of )?positions|position limit|exceeds? (the )?max(imum)? position|concentration limit`),
			Fix:      noFix,
		},
		{
			Name:     "whole-shares",
			Category: CategoryFractionalShares,
			Match:    regexp.MustCompile(`(?i)fractional|whole shares|not fractionable|qty must be (an )?integer`),
			Fix:      fixFractional,
		},
		{
			Name:     "day-order",
			Category: CategoryOrderType,
			Match:    regexp.MustCompile(`(?i)time.?in.?force|invalid (order )?type|order type .*not (supported|allowed)|\btif\b`),
			Fix:      fixTimeInForce,
		},
		{
			Name:     "strip-bracket",
			Category: CategoryBracket,
			Match:    regexp.MustCompile(`(?i)bracket|order.?class|take.?profit|\boto\b|\boco\b`),
			Fix:      fixBracket,
		},
		{
			Name:     "invalid-symbol",
			Category: CategorySymbolInvalid,
			Match:    regexp.MustCompile(`(?i)invalid symbol|unknown symbol|symbol .*not found|asset .*not (found|active|tradable)|not tradable`),
			Fix:      noFix,
		},
		{
			Name:     "regulatory",
			Category: CategoryRegulatory,
			Match:    regexp.MustCompile(`(?i)wash trade|pattern day|\bpdt\b|restricted|short.?sale|not shortable|hard to borrow|account is blocked`),
			Fix:      fixRegulatory,
		},
		{
			Name:     "resubmit-canceled",
			Category: CategoryOrderCanceled,
			Match:    regexp.MustCompile(`(?i)cancel+ed|expired`),
			Fix:      fixResubmit,
		},
		{
			Name:     "size-from-position",
			Category: CategoryMissingQty,
			Match:    regexp.MustCompile(`(?i)qty or notional is required|(qty|quantity) is required|missing (qty|quantity)|must specify (qty|quantity)`),
			Fix:      fixMissingQty,
		},
		{
			Name:     "sell-available",
			Category: CategoryInsufficientQty,
			Match:    regexp.MustCompile(`(?i)insufficient (qty|quantity)|qty available`),
			Fix:      fixInsufficientQty,
		},
	}
}

func noFix(context.Context, Env, domain.OrderIntent, string) (*Fix, error) {
	return nil, nil
}

// fixMarketHours converts the order to an extended-hours limit order priced
// half a percent through the last trade. Extended-hours orders must be whole
// shares without legs.
func fixMarketHours(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	last, err := env.LatestPrice(ctx, in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	if !last.IsPositive() {
		return nil, nil
	}
	limit := bufferedPrice(last, in.Side)

	out := in
	out.Type = domain.OrderTypeLimit
	out.LimitPrice = &limit
	out.StopPrice = nil
	out.TimeInForce = domain.TimeInForceDay
	out.ExtendedHours = true
	out.TakeProfit, out.StopLoss = nil, nil
	if out.Qty == nil && out.Notional != nil {
		q := out.Notional.Div(limit).Floor()
		if !q.IsPositive() {
			return nil, nil
		}
		out.Qty, out.Notional = &q, nil
	} else if out.Qty != nil {
		q := out.Qty.Floor()
		if !q.IsPositive() {
			return nil, nil
		}
		out.Qty = &q
	}
	return &Fix{
		Intent:      out,
		Description: fmt.Sprintf("market order converted to extended-hours limit at %s", limit.StringFixed(2)),
		Confidence:  ConfidenceHigh,
	}, nil
}

func fixPrice(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	out := in
	switch {
	case in.Type == domain.OrderTypeLimit || in.Type == domain.OrderTypeStopLimit:
		last, err := env.LatestPrice(ctx, in.Symbol)
		if err != nil {
			return nil, fmt.Errorf("latest price: %w", err)
		}
		if !last.IsPositive() {
			return nil, nil
		}
		p := bufferedPrice(last, in.Side)
		out.LimitPrice = &p
		if in.StopPrice != nil {
			s := roundPrice(*in.StopPrice)
			out.StopPrice = &s
		}
		return &Fix{Intent: out, Description: "limit price reset to " + p.StringFixed(2) + " from last trade", Confidence: ConfidenceMedium}, nil
	case in.StopPrice != nil:
		s := roundPrice(*in.StopPrice)
		out.StopPrice = &s
		return &Fix{Intent: out, Description: "stop price rounded to a valid increment", Confidence: ConfidenceMedium}, nil
	}
	return nil, nil
}

func fixInsufficientFunds(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	if in.Side != domain.OrderSideBuy {
		return nil, nil
	}
	bp, err := env.BuyingPower(ctx)
	if err != nil {
		return nil, fmt.Errorf("buying power: %w", err)
	}
	budget := bp.Mul(buyingPowerShare)
	if !budget.IsPositive() {
		return nil, nil
	}

	out := in
	if in.Notional != nil {
		n := decimal.Min(*in.Notional, budget).RoundFloor(2)
		if !n.IsPositive() {
			return nil, nil
		}
		out.Notional = &n
		return &Fix{Intent: out, Description: "notional reduced to " + n.StringFixed(2), Confidence: ConfidenceMedium}, nil
	}
	if in.Qty == nil {
		return nil, nil
	}
	price := decimal.Zero
	if in.LimitPrice != nil {
		price = *in.LimitPrice
	} else if price, err = env.LatestPrice(ctx, in.Symbol); err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	if !price.IsPositive() {
		return nil, nil
	}
	q := budget.Div(price)
	if in.Qty.Equal(in.Qty.Floor()) {
		q = q.Floor()
	} else {
		q = q.RoundFloor(4)
	}
	if !q.IsPositive() {
		return nil, nil
	}
	out.Qty = &q
	return &Fix{Intent: out, Description: "quantity reduced to " + q.String() + " to fit 95% of buying power", Confidence: ConfidenceMedium}, nil
}

func fixFractional(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	out := in
	switch {
	case in.Qty != nil:
		q := in.Qty.Floor()
		if !q.IsPositive() {
			return nil, nil
		}
		out.Qty = &q
	case in.Notional != nil:
		last, err := env.LatestPrice(ctx, in.Symbol)
		if err != nil {
			return nil, fmt.Errorf("latest price: %w", err)
		}
		if !last.IsPositive() {
			return nil, nil
		}
		q := in.Notional.Div(last).Floor()
		if !q.IsPositive() {
			return nil, nil
		}
		out.Qty, out.Notional = &q, nil
	default:
		return nil, nil
	}
	return &Fix{Intent: out, Description: "quantity floored to " + out.Qty.String() + " whole shares", Confidence: ConfidenceHigh}, nil
}

func fixTimeInForce(_ context.Context, _ Env, in domain.OrderIntent, _ string) (*Fix, error) {
	out := in
	out.TimeInForce = domain.TimeInForceDay
	return &Fix{Intent: out, Description: "time in force set to day", Confidence: ConfidenceHigh}, nil
}

func fixBracket(_ context.Context, _ Env, in domain.OrderIntent, _ string) (*Fix, error) {
	if !in.HasBracket() {
		return nil, nil
	}
	out := in
	out.TakeProfit, out.StopLoss = nil, nil
	return &Fix{Intent: out, Description: "bracket legs removed", Confidence: ConfidenceMedium}, nil
}

var washTrade = regexp.MustCompile(`(?i)wash trade`)

func fixRegulatory(_ context.Context, _ Env, in domain.OrderIntent, reason string) (*Fix, error) {
	if !washTrade.MatchString(reason) {
		return nil, nil
	}
	return &Fix{Intent: in, Description: "resubmitting after wash-trade cool-down", Confidence: ConfidenceLow, Delay: 30 * time.Second}, nil
}

func fixResubmit(_ context.Context, _ Env, in domain.OrderIntent, _ string) (*Fix, error) {
	return &Fix{Intent: in, Description: "resubmitting canceled order", Confidence: ConfidenceMedium}, nil
}

func fixMissingQty(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	if in.Side != domain.OrderSideSell {
		return nil, nil
	}
	return sellAvailable(ctx, env, in, "quantity set from live position")
}

func fixInsufficientQty(ctx context.Context, env Env, in domain.OrderIntent, _ string) (*Fix, error) {
	if in.Side != domain.OrderSideSell {
		return nil, nil
	}
	return sellAvailable(ctx, env, in, "quantity reduced to available")
}

func sellAvailable(ctx context.Context, env Env, in domain.OrderIntent, desc string) (*Fix, error) {
	pos, err := env.Position(ctx, in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	if pos == nil || !pos.AvailableQty.IsPositive() {
		return nil, nil
	}
	q := pos.AvailableQty
	out := in
	out.Qty, out.Notional = &q, nil
	return &Fix{Intent: out, Description: desc + " " + q.String(), Confidence: ConfidenceHigh}, nil
}

// bufferedPrice prices a limit order through the market: above the last
// trade for buys, below for sells.
func bufferedPrice(last decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	if side == domain.OrderSideSell {
		return roundPrice(last.Mul(decimal.NewFromInt(1).Sub(limitBuffer)))
	}
	return roundPrice(last.Mul(decimal.NewFromInt(1).Add(limitBuffer)))
}

// roundPrice rounds to cents, or to four places below one dollar.
func roundPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(decimal.NewFromInt(1)) {
		return p.Round(4)
	}
	return p.Round(2)
}
