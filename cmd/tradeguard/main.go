package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradeguard/internal/broker"
	"tradeguard/internal/clock"
	"tradeguard/internal/config"
	"tradeguard/internal/engine"
	"tradeguard/internal/execution"
	"tradeguard/internal/health"
	"tradeguard/internal/positions"
	"tradeguard/internal/queue"
	"tradeguard/internal/retry"
	"tradeguard/internal/rules"
	"tradeguard/internal/store"
	"tradeguard/internal/util"
)

func main() {
	cfgPath := "config/tradeguard.yaml"
	if p := os.Getenv("TRADEGUARD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Trading.OperatorID == "" {
		// The engine refuses every order without one; fail at startup instead.
		log.Fatalf("trading.operator_id (or TRADEGUARD_OPERATOR) is required")
	}
	for _, dir := range []string{cfg.Storage.DataDir, filepath.Dir(cfg.Storage.SQLitePath), filepath.Dir(cfg.Storage.PositionsFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("creating %s: %v", dir, err)
		}
	}

	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening journal: %v", err)
	}
	defer journal.Close()
	archive := store.NewParquetStore(cfg.Storage.DataDir)

	wall := clock.Real{}
	q, err := queue.NewSQLiteQueue(journal.DB(), wall)
	if err != nil {
		log.Fatalf("opening work queue: %v", err)
	}

	var b broker.Broker
	if cfg.Trading.Simulate {
		b = broker.NewSimulatorBroker(decimal.NewFromFloat(cfg.Trading.SimulatorCash))
	} else {
		b = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		})
	}

	worker := queue.NewWorker(q, execution.QueueHandler(b), wall, cfg.Execution.WorkerInterval)
	coord := execution.NewCoordinator(q, b, wall, execution.Config{
		SubmitWindow: cfg.Execution.SubmitWindow,
		CancelWindow: cfg.Execution.CancelWindow,
		MaxAttempts:  cfg.Execution.MaxAttempts,
		PollInterval: cfg.Execution.PollInterval,
		PollTimeout:  cfg.Execution.PollTimeout,
	}, logger)

	breaker := retry.NewBreaker(cfg.Retry.BreakerThreshold, cfg.Retry.BreakerWindow, cfg.Retry.BreakerReset, wall)
	retrier := retry.NewEngine(b, nil, breaker, wall, retry.Config{
		MaxRetries:  cfg.Retry.MaxRetries,
		BaseBackoff: cfg.Retry.BaseBackoff,
	}, logger)

	maxHolding := time.Duration(cfg.Trading.MaxHoldingHours * float64(time.Hour))
	evaluator := rules.NewEvaluator(rules.Config{
		TrailingStopPct: decimal.NewFromFloat(cfg.Trading.TrailingStopPct),
		MaxHolding:      maxHolding,
	}, wall)
	book := positions.NewBook(cfg.Storage.PositionsFile, logger.With("component", "positions"))

	eng := engine.NewEngine(engine.Deps{
		Broker:  b,
		Orders:  coord,
		Retry:   retrier,
		Rules:   evaluator,
		Book:    book,
		Journal: journal,
		Clock:   wall,
	}, engine.Config{
		OperatorID:          cfg.Trading.OperatorID,
		Strategy:            cfg.Trading.Strategy,
		MaxPositions:        cfg.Trading.MaxPositions,
		MaxPositionSizePct:  decimal.NewFromFloat(cfg.Trading.MaxPositionSizePct),
		MaxTotalExposurePct: decimal.NewFromFloat(cfg.Trading.MaxTotalExposurePct),
		EmergencyStopPct:    decimal.NewFromFloat(cfg.Trading.EmergencyStopPct),
		DefaultStopLossPct:  decimal.NewFromFloat(cfg.Trading.DefaultStopLossPct),
		ExtendedHoursBuffer: decimal.NewFromFloat(cfg.Trading.ExtendedHoursBuffer),
		MaxHolding:          maxHolding,
		FillPollInterval:    cfg.Execution.FillPollInterval,
		FillTimeout:         cfg.Execution.FillTimeout,
	}, logger)
	eng.SetKillSwitch(cfg.Trading.KillSwitch)

	monitor := health.NewMonitor(breaker, eng, wall, 5*time.Second, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("tradeguard starting",
		"broker", b.Name(),
		"operator", cfg.Trading.OperatorID,
		"strategy", cfg.Trading.Strategy,
		"kill_switch", cfg.Trading.KillSwitch,
	)
	if err := eng.Reconcile(ctx); err != nil {
		logger.Error("initial reconcile failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return monitor.Serve(gctx, cfg.Telemetry.HealthAddr) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Telemetry.MetricsAddr, eng, logger) })
	g.Go(func() error { return watchPositions(gctx, book, logger) })
	g.Go(func() error { return tickLoop(gctx, eng, b, book, cfg.Execution.TickInterval, logger) })
	g.Go(func() error {
		return reconcileLoop(gctx, eng, journal, archive, cfg.Execution.ReconcileInterval, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("tradeguard stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("tradeguard stopped", "stats", eng.Stats())
}

// serveMetrics exposes /metrics and a JSON /stats snapshot of the engine.
func serveMetrics(ctx context.Context, addr string, eng *engine.Engine, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eng.Stats()); err != nil {
			logger.Warn("encoding stats", "error", err)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// watchPositions logs every position lifecycle event.
func watchPositions(ctx context.Context, book *positions.Book, logger *slog.Logger) error {
	id, events := book.Subscribe(64)
	defer book.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			attrs := []any{"event", ev.Type, "symbol", ev.Symbol}
			if ev.Position != nil {
				attrs = append(attrs, "qty", ev.Position.Qty, "unrealized_pnl_pct", ev.Position.UnrealizedPnLPct.StringFixed(2))
			}
			logger.Debug("position event", attrs...)
		}
	}
}

// tickLoop marks every booked position at the latest price and runs the exit
// rules on it.
func tickLoop(ctx context.Context, eng *engine.Engine, b broker.Broker, book *positions.Book, every time.Duration, logger *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for _, p := range book.All() {
			price, err := b.LatestPrice(ctx, p.Symbol)
			if err != nil {
				logger.Warn("price tick failed", "symbol", p.Symbol, "error", err)
				continue
			}
			if res := eng.OnPriceTick(ctx, p.Symbol, price); res != nil {
				logger.Info("exit rule acted", "symbol", p.Symbol, "action", res.Action, "success", res.Success, "reason", res.Reason)
			}
		}
	}
}

// reconcileLoop reconciles the book with the broker and archives each
// finished UTC day of the trade journal to Parquet.
func reconcileLoop(ctx context.Context, eng *engine.Engine, journal store.TradeJournal, archive *store.ParquetStore, every time.Duration, logger *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	var archived time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := eng.Reconcile(ctx); err != nil {
			logger.Error("reconcile failed", "error", err)
		}

		yesterday := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
		if yesterday.Equal(archived) {
			continue
		}
		n, err := archive.ArchiveDay(ctx, journal, yesterday)
		if err != nil {
			logger.Error("archiving trades failed", "day", yesterday.Format(time.DateOnly), "error", err)
			continue
		}
		archived = yesterday
		logger.Info("archived trades", "day", yesterday.Format(time.DateOnly), "count", n)
	}
}
