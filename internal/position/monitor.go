package position

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"perp-executor/internal/config"
	"perp-executor/internal/market"
	"perp-executor/internal/risk"
	"perp-executor/pkg/types"
)

// Monitor drives the exit rules: on each tick it evaluates every open
// position against the freshest cached mark price and executes whatever the
// evaluator decides. Ticks are single-flight; if one evaluation pass
// overruns the interval, the next tick is skipped rather than stacked.
type Monitor struct {
	manager *Manager
	prices  *market.Cache
	cfg     config.MonitorConfig
	logger  *slog.Logger

	running chan struct{} // size 1, held while a pass is in flight
}

// NewMonitor creates the position monitor.
func NewMonitor(manager *Manager, prices *market.Cache, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		manager: manager,
		prices:  prices,
		cfg:     cfg,
		logger:  logger.With("component", "monitor"),
		running: make(chan struct{}, 1),
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. If a previous pass is still in flight the
// tick is dropped.
func (m *Monitor) Tick(ctx context.Context) {
	select {
	case m.running <- struct{}{}:
	default:
		m.logger.Warn("previous pass still running, skipping tick")
		return
	}
	defer func() { <-m.running }()

	m.manager.Reconcile(ctx)

	positions := m.manager.Snapshot()
	if len(positions) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pos := range positions {
		if pos.Status != types.StatusOpen {
			continue
		}
		pos := pos
		g.Go(func() error {
			symCtx, cancel := context.WithTimeout(gctx, m.cfg.PerSymbolTimeout)
			defer cancel()
			m.evaluateOne(symCtx, pos)
			return nil
		})
	}
	g.Wait()
}

// evaluateOne applies the exit rules to one position. Watermarks advance
// before evaluation so a fresh extreme is visible to the trailing rule in
// the same tick.
func (m *Monitor) evaluateOne(ctx context.Context, pos *types.Position) {
	now := time.Now()
	mp, ok := m.prices.GetFresh(pos.Symbol, m.cfg.MaxPriceAge, now)
	if !ok {
		m.logger.Warn("no fresh price, holding", "symbol", pos.Symbol)
		return
	}

	m.manager.UpdateWatermarks(pos.Symbol, mp.Price)
	current, ok := m.manager.Get(pos.Symbol)
	if !ok || current.Status != types.StatusOpen {
		return
	}

	decision := risk.Evaluate(current, mp.Price, mp.Timestamp, now, m.cfg.MaxPriceAge)
	if decision.Note != "" {
		m.logger.Warn("evaluation note", "symbol", pos.Symbol, "note", decision.Note)
	}

	switch decision.Kind {
	case risk.Close:
		if _, err := m.manager.Close(ctx, pos.Symbol, decision.Reason); err != nil {
			m.logger.Error("exit failed", "symbol", pos.Symbol, "reason", decision.Reason, "error", err)
		}
	case risk.PartialClose:
		if _, err := m.manager.PartialClose(ctx, pos.Symbol, decision.Fraction, decision.NewTier); err != nil {
			m.logger.Error("ladder reduction failed", "symbol", pos.Symbol, "error", err)
		}
	}
}
