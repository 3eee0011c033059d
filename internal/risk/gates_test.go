package risk

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"perp-executor/internal/config"
	"perp-executor/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func gateCfg() config.RiskConfig {
	return config.RiskConfig{
		EnableCoolingPeriod:    true,
		CoolingPeriod:          30 * time.Minute,
		EnableDailyLimit:       true,
		MaxDailyTrades:         2,
		EnableLossLimit:        true,
		MaxDailyLoss:           100,
		MaxConcurrentPositions: 3,
	}
}

func TestGatesPositionCap(t *testing.T) {
	t.Parallel()
	g := NewGates(gateCfg(), discard())
	now := time.Now()

	if err := g.CheckOpen("BTC-USDT-SWAP", 2, now); err != nil {
		t.Fatalf("below cap rejected: %v", err)
	}

	err := g.CheckOpen("BTC-USDT-SWAP", 3, now)
	var gate *types.RiskGateError
	if !errors.As(err, &gate) {
		t.Fatalf("at cap: got %v, want RiskGateError", err)
	}
}

func TestGatesCoolingPeriod(t *testing.T) {
	t.Parallel()
	g := NewGates(gateCfg(), discard())
	now := time.Now()

	g.RecordOpen("BTC-USDT-SWAP", now)

	var gate *types.RiskGateError
	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now.Add(time.Minute)); !errors.As(err, &gate) {
		t.Errorf("within cooling period: got %v, want RiskGateError", err)
	}
	// Another symbol is unaffected.
	if err := g.CheckOpen("ETH-USDT-SWAP", 0, now.Add(time.Minute)); err != nil {
		t.Errorf("other symbol blocked: %v", err)
	}
	// After the cooling period the symbol opens again.
	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now.Add(31*time.Minute)); err != nil {
		t.Errorf("after cooling period: %v", err)
	}
}

func TestGatesDailyTradeCap(t *testing.T) {
	t.Parallel()
	cfg := gateCfg()
	cfg.EnableCoolingPeriod = false
	g := NewGates(cfg, discard())
	now := time.Now()

	g.RecordOpen("BTC-USDT-SWAP", now)
	g.RecordOpen("ETH-USDT-SWAP", now)

	var gate *types.RiskGateError
	if err := g.CheckOpen("SOL-USDT-SWAP", 0, now); !errors.As(err, &gate) {
		t.Errorf("at daily cap: got %v, want RiskGateError", err)
	}

	// The counter rolls over at the next UTC day.
	if err := g.CheckOpen("SOL-USDT-SWAP", 0, now.Add(24*time.Hour)); err != nil {
		t.Errorf("after rollover: %v", err)
	}
}

func TestGatesDailyLossCap(t *testing.T) {
	t.Parallel()
	cfg := gateCfg()
	cfg.EnableCoolingPeriod = false
	g := NewGates(cfg, discard())
	now := time.Now()

	g.RecordRealized(d("-99.99"), now)
	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now); err != nil {
		t.Errorf("below loss cap: %v", err)
	}

	g.RecordRealized(d("-0.01"), now)
	var gate *types.RiskGateError
	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now); !errors.As(err, &gate) {
		t.Errorf("at loss cap: got %v, want RiskGateError", err)
	}

	// Profits offset losses.
	g.RecordRealized(d("50"), now)
	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now); err != nil {
		t.Errorf("after offsetting profit: %v", err)
	}
}

func TestGatesResetDaily(t *testing.T) {
	t.Parallel()
	cfg := gateCfg()
	cfg.EnableCoolingPeriod = false
	g := NewGates(cfg, discard())
	now := time.Now()

	g.RecordOpen("BTC-USDT-SWAP", now)
	g.RecordOpen("ETH-USDT-SWAP", now)
	g.RecordRealized(d("-500"), now)

	g.ResetDaily(now)

	if err := g.CheckOpen("BTC-USDT-SWAP", 0, now); err != nil {
		t.Errorf("after reset: %v", err)
	}
}
