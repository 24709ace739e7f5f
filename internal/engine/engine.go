// Package engine is the position risk state machine. It opens, reinforces and
// closes positions through the order coordinator, evaluates exit rules on
// every price tick in strict priority order and keeps the position book in
// line with the broker.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/domain"
	"tradeguard/internal/execution"
	"tradeguard/internal/positions"
	"tradeguard/internal/retry"
	"tradeguard/internal/store"
	"tradeguard/internal/util"
)

var (
	// ErrNoOperator is returned when the engine has no operator identity.
	// Nothing is sent to the broker without one.
	ErrNoOperator = errors.New("engine: operator identity not configured")

	// ErrFillTimeout means an accepted order did not fill in time. The
	// order may still fill; reconcile before acting on it again.
	ErrFillTimeout = errors.New("engine: timed out waiting for fill")
)

// RuleEvaluator is the tiered take-profit, trailing stop and holding period
// evaluator consulted by CheckRules.
type RuleEvaluator interface {
	RegisterPosition(symbol string, entry decimal.Decimal)
	CheckPartialTakeProfits(p *domain.Position) *domain.TakeProfitSignal
	ReleaseTier(symbol string, tier int)
	UpdateTrailingStop(p *domain.Position) *domain.TrailingStopUpdate
	CheckHoldingPeriod(p *domain.Position) *domain.HoldingPeriodCheck
	RemoveRules(symbol string)
}

// SectorGuard rejects buys that would over-concentrate a sector.
type SectorGuard interface {
	CheckSectorExposure(ctx context.Context, symbol string, tradeValue decimal.Decimal) error
}

// PreTradeGuard is a final veto on a buy decision.
type PreTradeGuard interface {
	CheckPreTrade(ctx context.Context, symbol string, d domain.Decision) error
}

// OutcomeRecorder receives every applied fill together with the decision that
// caused it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, d domain.Decision, t *domain.TradeRecord)
}

// Submitter places and cancels orders idempotently.
type Submitter interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (*execution.SubmitResult, error)
	Cancel(ctx context.Context, orderID, symbol, traceID string) error
}

// RejectionHandler diagnoses a rejected order and resubmits a corrected one.
type RejectionHandler interface {
	OnRejection(ctx context.Context, order *domain.BrokerOrder, reason string) *retry.Result
}

// Config holds the engine's trading limits.
type Config struct {
	OperatorID string
	Strategy   string

	MaxPositions        int
	MaxPositionSizePct  decimal.Decimal // of portfolio value per position
	MaxTotalExposurePct decimal.Decimal // of portfolio value across positions
	EmergencyStopPct    decimal.Decimal // close when unrealized P&L% <= -EmergencyStopPct
	DefaultStopLossPct  decimal.Decimal // stop below entry when the decision has none
	ExtendedHoursBuffer decimal.Decimal // percent over last trade for extended-hours limits
	MaxHolding          time.Duration

	FillPollInterval time.Duration
	FillTimeout      time.Duration
}

// DefaultConfig returns the engine defaults. OperatorID must still be set.
func DefaultConfig() Config {
	return Config{
		Strategy:            "default",
		MaxPositions:        10,
		MaxPositionSizePct:  decimal.NewFromInt(10),
		MaxTotalExposurePct: decimal.NewFromInt(80),
		EmergencyStopPct:    decimal.NewFromInt(8),
		DefaultStopLossPct:  decimal.NewFromInt(5),
		ExtendedHoursBuffer: decimal.RequireFromString("0.5"),
		FillPollInterval:    time.Second,
		FillTimeout:         30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxPositionSizePct.IsZero() {
		c.MaxPositionSizePct = d.MaxPositionSizePct
	}
	if c.MaxTotalExposurePct.IsZero() {
		c.MaxTotalExposurePct = d.MaxTotalExposurePct
	}
	if c.EmergencyStopPct.IsZero() {
		c.EmergencyStopPct = d.EmergencyStopPct
	}
	if c.ExtendedHoursBuffer.IsZero() {
		c.ExtendedHoursBuffer = d.ExtendedHoursBuffer
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = d.FillPollInterval
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = d.FillTimeout
	}
}

// Deps are the engine's collaborators. Sectors, PreTrade, Outcomes and
// Calendar are optional.
type Deps struct {
	Broker   broker.Broker
	Orders   Submitter
	Retry    RejectionHandler
	Rules    RuleEvaluator
	Book     *positions.Book
	Journal  store.TradeJournal
	Sectors  SectorGuard
	PreTrade PreTradeGuard
	Outcomes OutcomeRecorder
	Calendar *util.TradingCalendar
	Clock    clock.Clock
}

// Stats are cumulative engine counters.
type Stats struct {
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenPositions int             `json:"open_positions"`
	KillSwitch    bool            `json:"kill_switch"`
}

// Engine orchestrates the position lifecycle.
type Engine struct {
	broker   broker.Broker
	orders   Submitter
	retry    RejectionHandler
	rules    RuleEvaluator
	book     *positions.Book
	journal  store.TradeJournal
	sectors  SectorGuard
	preTrade PreTradeGuard
	outcomes OutcomeRecorder
	calendar *util.TradingCalendar
	clock    clock.Clock
	risk     *RiskManager
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer

	killSwitch atomic.Bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu      sync.Mutex
	stats   Stats
	applied map[string]time.Time // order id -> when its fill was applied
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(d Deps, cfg Config, log *slog.Logger) *Engine {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Calendar == nil {
		d.Calendar = util.NewTradingCalendar()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:   d.Broker,
		orders:   d.Orders,
		retry:    d.Retry,
		rules:    d.Rules,
		book:     d.Book,
		journal:  d.Journal,
		sectors:  d.Sectors,
		preTrade: d.PreTrade,
		outcomes: d.Outcomes,
		calendar: d.Calendar,
		clock:    d.Clock,
		risk:     NewRiskManager(d.Broker, d.Book, cfg.MaxPositions, cfg.MaxPositionSizePct, d.Clock),
		cfg:      cfg,
		log:      log.With("component", "engine"),
		tracer:   otel.Tracer("tradeguard/engine"),
		locks:    make(map[string]*sync.Mutex),
		applied:  make(map[string]time.Time),
	}
}

// SetKillSwitch blocks (true) or allows (false) new buys. Exits are never
// blocked.
func (e *Engine) SetKillSwitch(on bool) {
	if e.killSwitch.Swap(on) != on {
		e.log.Warn("kill switch changed", "active", on)
	}
}

// KillSwitch reports whether new buys are blocked.
func (e *Engine) KillSwitch() bool {
	return e.killSwitch.Load()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	e.mu.Unlock()
	s.OpenPositions = e.book.Count()
	s.KillSwitch = e.killSwitch.Load()
	return s
}

// lock serializes all work on one symbol.
func (e *Engine) lock(symbol string) func() {
	e.locksMu.Lock()
	m, ok := e.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		e.locks[symbol] = m
	}
	e.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// markApplied records that the fill of orderID has been booked. It reports
// false if it already was, which happens when an idempotent resubmission
// returns an order an earlier call already acted on.
func (e *Engine) markApplied(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for id, at := range e.applied {
		if now.Sub(at) > time.Hour {
			delete(e.applied, id)
		}
	}
	if _, ok := e.applied[orderID]; ok {
		return false
	}
	e.applied[orderID] = now
	return true
}

func (e *Engine) recordTrade(ctx context.Context, d domain.Decision, t *domain.TradeRecord, log *slog.Logger) {
	if e.journal != nil {
		if err := e.journal.RecordTrade(ctx, t); err != nil {
			log.Error("persisting trade failed", "order_id", t.OrderID, "error", err)
		}
	}
	if e.outcomes != nil {
		e.outcomes.RecordOutcome(ctx, d, t)
	}
}

func skip(symbol string, action domain.Action, reason string) *domain.ExecutionResult {
	return &domain.ExecutionResult{Success: false, Action: action, Symbol: symbol, Reason: reason}
}

func failure(symbol, reason string, err error) *domain.ExecutionResult {
	return &domain.ExecutionResult{Success: false, Action: domain.ActionError, Symbol: symbol, Reason: reason, Err: err}
}
