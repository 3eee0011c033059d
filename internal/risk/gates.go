package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/internal/config"
	"perp-executor/pkg/types"
)

// Gates enforces the open-side risk limits. Counters are kept per UTC day
// and roll over lazily on the first check of a new day; the engine's daily
// job also resets them explicitly at midnight.
type Gates struct {
	logger *slog.Logger

	mu            sync.Mutex
	cfg           config.RiskConfig
	lastOpen      map[string]time.Time
	day           string // UTC date the counters belong to, e.g. 2026-08-24
	dailyTrades   int
	dailyRealized decimal.Decimal // realized PnL accumulated today (negative = loss)
}

// NewGates creates a risk gate set.
func NewGates(cfg config.RiskConfig, logger *slog.Logger) *Gates {
	return &Gates{
		logger:   logger.With("component", "risk-gates"),
		cfg:      cfg,
		lastOpen: make(map[string]time.Time),
	}
}

// CheckOpen returns a *types.RiskGateError when an open on symbol is blocked.
// openCount is the current number of non-closed positions.
func (g *Gates) CheckOpen(symbol string, openCount int, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)

	if g.cfg.MaxConcurrentPositions > 0 && openCount >= g.cfg.MaxConcurrentPositions {
		return &types.RiskGateError{Reason: fmt.Sprintf(
			"max concurrent positions reached (%d)", g.cfg.MaxConcurrentPositions)}
	}

	if g.cfg.EnableCoolingPeriod && g.cfg.CoolingPeriod > 0 {
		if last, ok := g.lastOpen[symbol]; ok {
			if wait := g.cfg.CoolingPeriod - now.Sub(last); wait > 0 {
				return &types.RiskGateError{Reason: fmt.Sprintf(
					"cooling period on %s: %s remaining", symbol, wait.Round(time.Second))}
			}
		}
	}

	if g.cfg.EnableDailyLimit && g.dailyTrades >= g.cfg.MaxDailyTrades {
		return &types.RiskGateError{Reason: fmt.Sprintf(
			"daily trade cap reached (%d)", g.cfg.MaxDailyTrades)}
	}

	if g.cfg.EnableLossLimit {
		maxLoss := decimal.NewFromFloat(g.cfg.MaxDailyLoss)
		if maxLoss.Sign() > 0 && g.dailyRealized.LessThanOrEqual(maxLoss.Neg()) {
			return &types.RiskGateError{Reason: fmt.Sprintf(
				"daily loss cap reached (%s)", g.dailyRealized)}
		}
	}

	return nil
}

// RecordOpen counts a successful open against the cooling period and the
// daily trade cap.
func (g *Gates) RecordOpen(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)

	g.lastOpen[symbol] = now
	g.dailyTrades++
}

// RecordRealized accumulates realized PnL into today's counter.
func (g *Gates) RecordRealized(pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)

	g.dailyRealized = g.dailyRealized.Add(pnl)
}

// ResetDaily clears the per-day counters. Called by the midnight job.
func (g *Gates) ResetDaily(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.day = now.UTC().Format("2006-01-02")
	g.dailyTrades = 0
	g.dailyRealized = decimal.Zero
	g.logger.Info("daily risk counters reset", "day", g.day)
}

// Reconfigure swaps the gate limits. Existing counters are preserved.
func (g *Gates) Reconfigure(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

func (g *Gates) rolloverLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.dailyTrades = 0
		g.dailyRealized = decimal.Zero
	}
}
