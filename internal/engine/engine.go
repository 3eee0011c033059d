// Package engine is the central orchestrator of the trading executor.
//
// It wires together all subsystems:
//
//  1. The exchange adapter (REST client + mark-price WebSocket feed).
//  2. The position store (sqlite) and the in-memory price cache.
//  3. The position manager, risk gates, and signal router.
//  4. The monitor that drives exit rules on every tick.
//  5. A cron scheduler that logs the daily rollup and resets the risk
//     counters at UTC midnight.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop(). Start first
// rehydrates open positions from the store and resubscribes their
// mark-price streams, so a restart carries live positions forward.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"perp-executor/internal/config"
	"perp-executor/internal/exchange"
	"perp-executor/internal/market"
	"perp-executor/internal/position"
	"perp-executor/internal/report"
	"perp-executor/internal/risk"
	"perp-executor/internal/router"
	"perp-executor/internal/store"
)

// Engine owns the lifecycle of every background goroutine.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	feed     *exchange.MarkPriceFeed
	prices   *market.Cache
	store    *store.Store
	manager  *position.Manager
	monitor  *position.Monitor
	gates    *risk.Gates
	router   *router.Router
	reporter *report.Reporter
	cron     *cron.Cron
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(
		cfg.Exchange.APIKey, cfg.Exchange.Secret, cfg.Exchange.Passphrase,
		cfg.Exchange.Simulated)
	client := exchange.NewClient(cfg, auth, logger)
	feed := exchange.NewMarkPriceFeed(cfg.Exchange.WSPublicURL, logger)

	prices := market.NewCache()
	instruments := market.NewInstruments(client)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	gates := risk.NewGates(cfg.Risk, logger)
	manager := position.NewManager(
		client, st, prices, instruments, gates, feed,
		cfg.Monitor.MaxPriceAge, logger)
	monitor := position.NewMonitor(manager, prices, cfg.Monitor, logger)
	rt := router.New(manager, gates, cfg.Strategy, logger)
	reporter := report.New(manager, prices, st)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		client:   client,
		feed:     feed,
		prices:   prices,
		store:    st,
		manager:  manager,
		monitor:  monitor,
		gates:    gates,
		router:   rt,
		reporter: reporter,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Router returns the signal entry point for transports.
func (e *Engine) Router() *router.Router { return e.router }

// Reporter returns the read-only view builder.
func (e *Engine) Reporter() *report.Reporter { return e.reporter }

// Manager returns the position manager (close_all endpoint).
func (e *Engine) Manager() *position.Manager { return e.manager }

// Start launches the feed, the tick pump, the monitor, and the daily job.
func (e *Engine) Start() error {
	// Rehydrate before anything can trade.
	if err := e.manager.Rehydrate(e.ctx); err != nil {
		return err
	}

	// Mark-price WebSocket feed
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("mark-price feed error", "error", err)
		}
	}()

	// Tick pump: WS feed → price cache
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case tick := <-e.feed.Ticks():
				e.prices.Update(tick.Symbol, tick.Price, tick.Timestamp)
			}
		}
	}()

	// Monitor gets its own cancel so Stop can halt it before the rest.
	monitorCtx, monitorCancel := context.WithCancel(e.ctx)
	e.monitorCancel = monitorCancel
	e.monitorDone = make(chan struct{})
	go func() {
		defer close(e.monitorDone)
		e.monitor.Run(monitorCtx)
	}()

	// Daily rollup + risk counter reset at UTC midnight.
	if _, err := e.cron.AddFunc("0 0 * * *", e.dailyJob); err != nil {
		return err
	}
	e.cron.Start()

	e.logger.Info("engine started",
		"open_positions", e.manager.OpenCount(),
		"monitor_interval", e.cfg.Monitor.Interval,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop shuts the engine down: monitor first so no new orders fire, then a
// short grace window for in-flight operations, then everything else.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")

	if e.monitorCancel != nil {
		e.monitorCancel()
		select {
		case <-e.monitorDone:
		case <-time.After(15 * time.Second):
			e.logger.Warn("monitor did not stop within grace window")
		}
	}

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()

	e.cancel()
	e.feed.Close()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// dailyJob logs yesterday's realized summary and resets the per-day risk
// counters. Runs at UTC midnight, so "yesterday" is the day that just ended.
func (e *Engine) dailyJob() {
	now := time.Now().UTC()
	summary, err := e.reporter.Daily(now.Add(-24 * time.Hour))
	if err != nil {
		e.logger.Error("daily rollup failed", "error", err)
	} else {
		e.logger.Info("daily rollup",
			"date", summary.Date,
			"realized_pnl", summary.RealizedPnL,
			"closed", summary.ClosedCount,
			"wins", summary.Wins,
			"losses", summary.Losses,
			"win_rate", summary.WinRate,
		)
	}
	e.gates.ResetDaily(now)
}
