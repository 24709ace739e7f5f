package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
	"tradeguard/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client  *alpaca.Client
	data    *marketdata.Client
	feed    marketdata.Feed
	limiter *util.RateLimiter
}

// AlpacaOptions configures NewAlpacaBroker.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	DataURL         string
	Feed            string
	RateLimitPerMin int
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}
	perMin := opts.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		feed:    marketdata.Feed(opts.Feed),
		limiter: util.NewRateLimiter(perMin, 10, nil),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder sends an order to POST /v2/orders.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, intent *domain.OrderIntent) (*domain.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Qty,
		Notional:      intent.Notional,
		Side:          alpaca.Side(intent.Side),
		Type:          alpaca.OrderType(intent.Type),
		TimeInForce:   alpaca.TimeInForce(intent.TimeInForce),
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		ExtendedHours: intent.ExtendedHours,
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.HasBracket() {
		req.OrderClass = alpaca.OrderClass(domain.OrderClassBracket)
		if intent.TakeProfit != nil {
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: domain.Ptr(intent.TakeProfit.LimitPrice)}
		}
		if intent.StopLoss != nil {
			req.StopLoss = &alpaca.StopLoss{
				StopPrice:  domain.Ptr(intent.StopLoss.StopPrice),
				LimitPrice: intent.StopLoss.LimitPrice,
			}
		}
	}
	o, err := b.client.PlaceOrder(req)
	if err != nil {
		return nil, translateErr(err)
	}
	return fromAlpacaOrder(o), nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id}.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return translateErr(b.client.CancelOrder(orderID))
}

// GetOrder fetches GET /v2/orders/{id}.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, translateErr(err)
	}
	return fromAlpacaOrder(o), nil
}

// GetOrderByClientID fetches GET /v2/orders:by_client_order_id.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, translateErr(err)
	}
	return fromAlpacaOrder(o), nil
}

// ListOpenOrders fetches GET /v2/orders?status=open.
func (b *AlpacaBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{Status: "open", Limit: 500}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	orders, err := b.client.GetOrders(req)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]domain.BrokerOrder, 0, len(orders))
	for i := range orders {
		out = append(out, *fromAlpacaOrder(&orders[i]))
	}
	return out, nil
}

// ClosePosition liquidates via DELETE /v2/positions/{symbol}.
func (b *AlpacaBroker) ClosePosition(ctx context.Context, symbol string) (*domain.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, translateErr(err)
	}
	return fromAlpacaOrder(o), nil
}

// GetPosition fetches GET /v2/positions/{symbol}.
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	p, err := b.client.GetPosition(symbol)
	if err != nil {
		err = translateErr(err)
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	pos := fromAlpacaPosition(p)
	return &pos, nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ps, err := b.client.GetPositions()
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]domain.Position, 0, len(ps))
	for i := range ps {
		out = append(out, fromAlpacaPosition(&ps[i]))
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	a, err := b.client.GetAccount()
	if err != nil {
		return nil, translateErr(err)
	}
	return &domain.AccountInfo{
		Equity:         a.Equity,
		Cash:           a.Cash,
		BuyingPower:    a.BuyingPower,
		PortfolioValue: a.PortfolioValue,
	}, nil
}

// LatestPrice returns the latest trade price, retrying transient failures.
func (b *AlpacaBroker) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price float64
	err := util.Retry(ctx, nil, 3, 250*time.Millisecond, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		tr, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: b.feed})
		if err != nil {
			return err
		}
		if tr == nil {
			return fmt.Errorf("no latest trade for %s", symbol)
		}
		price = tr.Price
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest trade %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(price), nil
}

// IsTradable checks GET /v2/assets/{symbol}.
func (b *AlpacaBroker) IsTradable(ctx context.Context, symbol string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	a, err := b.client.GetAsset(symbol)
	if err != nil {
		return false, translateErr(err)
	}
	return a.Tradable && strings.EqualFold(string(a.Status), "active"), nil
}

// IsMarketOpen checks GET /v2/clock.
func (b *AlpacaBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	c, err := b.client.GetClock()
	if err != nil {
		return false, translateErr(err)
	}
	return c.IsOpen, nil
}

// translateErr maps Alpaca API errors onto the package sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case strings.Contains(strings.ToLower(apiErr.Message), "client_order_id must be unique"):
			return fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, apiErr.Message)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests:
			return &RejectionError{Reason: apiErr.Message, StatusCode: apiErr.StatusCode}
		}
	}
	return err
}

func fromAlpacaOrder(o *alpaca.Order) *domain.BrokerOrder {
	out := &domain.BrokerOrder{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		TimeInForce:   domain.TimeInForce(o.TimeInForce),
		Class:         domain.OrderClass(o.OrderClass),
		Qty:           o.Qty,
		Notional:      o.Notional,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		ExtendedHours: o.ExtendedHours,
		Status:        domain.OrderStatus(o.Status),
		FilledQty:     o.FilledQty,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = *o.FilledAvgPrice
	}
	for _, leg := range o.Legs {
		switch {
		case leg.Type == alpaca.OrderType(domain.OrderTypeLimit) && leg.LimitPrice != nil:
			out.TakeProfit = &domain.TakeProfitLeg{LimitPrice: *leg.LimitPrice}
		case leg.StopPrice != nil:
			out.StopLoss = &domain.StopLossLeg{StopPrice: *leg.StopPrice, LimitPrice: leg.LimitPrice}
		}
	}
	return out
}

func fromAlpacaPosition(p *alpaca.Position) domain.Position {
	pos := domain.Position{
		Symbol:       p.Symbol,
		Qty:          p.Qty,
		AvailableQty: p.QtyAvailable,
		EntryPrice:   p.AvgEntryPrice,
	}
	if pos.AvailableQty.GreaterThan(pos.Qty) {
		pos.AvailableQty = pos.Qty
	}
	if p.CurrentPrice != nil {
		pos.Mark(*p.CurrentPrice)
	}
	return pos
}
