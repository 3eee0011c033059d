package position

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"perp-executor/internal/config"
	"perp-executor/pkg/types"
)

func newMonitor(env *managerEnv) *Monitor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMonitor(env.manager, env.prices, config.MonitorConfig{
		Interval:         time.Second,
		MaxPriceAge:      30 * time.Second,
		PerSymbolTimeout: 5 * time.Second,
	}, logger)
}

func TestMonitorStopLossExit(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	// Long at 50000 with 3% stop: 48500 must trigger an exit.
	if _, err := env.manager.Open(ctx, openParams("BTC-USDT-SWAP", "req-1")); err != nil {
		t.Fatal(err)
	}
	env.adapter.setFill("48500")
	env.prices.Update("BTC-USDT-SWAP", d("48500"), time.Now())

	newMonitor(env).Tick(ctx)

	if _, ok := env.manager.Get("BTC-USDT-SWAP"); ok {
		t.Fatal("position survived the stop-loss tick")
	}
	hist, err := env.store.QueryHistory("BTC-USDT-SWAP", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history rows = %d (%v)", len(hist), err)
	}
	if hist[0].CloseReason != types.ReasonStopLoss {
		t.Errorf("reason = %s, want stop_loss", hist[0].CloseReason)
	}
}

func TestMonitorLadderReduction(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	p := openParams("BTC-USDT-SWAP", "req-1")
	p.Rules.TakeProfitPct = d("0")
	p.Rules.Ladder = types.LadderConfig{Enabled: true, StepPct: d("0.01"), ClosePct: d("0.25")}
	if _, err := env.manager.Open(ctx, p); err != nil {
		t.Fatal(err)
	}

	// +1% reaches the first tier: one of four contracts comes off.
	env.adapter.setFill("50500")
	env.prices.Update("BTC-USDT-SWAP", d("50500"), time.Now())

	newMonitor(env).Tick(ctx)

	pos, ok := env.manager.Get("BTC-USDT-SWAP")
	if !ok {
		t.Fatal("position gone after partial close")
	}
	if pos.Quantity != 3 || pos.LadderTierHit != 1 {
		t.Errorf("after tick: qty %d tier %d, want 3/1", pos.Quantity, pos.LadderTierHit)
	}
}

func TestMonitorHoldsWithoutFreshPrice(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Open(ctx, openParams("BTC-USDT-SWAP", "req-1")); err != nil {
		t.Fatal(err)
	}
	// A stale tick far below the stop must not trigger an exit.
	env.prices.Update("BTC-USDT-SWAP", d("40000"), time.Now().Add(-time.Minute))

	newMonitor(env).Tick(ctx)

	if _, ok := env.manager.Get("BTC-USDT-SWAP"); !ok {
		t.Error("position closed on a stale price")
	}
}

func TestMonitorAdvancesWatermarks(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	p := openParams("BTC-USDT-SWAP", "req-1")
	p.Rules.TakeProfitPct = d("0")
	p.Rules.StopLossPct = d("0")
	if _, err := env.manager.Open(ctx, p); err != nil {
		t.Fatal(err)
	}

	env.prices.Update("BTC-USDT-SWAP", d("51000"), time.Now())
	newMonitor(env).Tick(ctx)

	pos, _ := env.manager.Get("BTC-USDT-SWAP")
	if !pos.HighWatermark.Equal(d("51000")) {
		t.Errorf("high watermark = %s, want 51000", pos.HighWatermark)
	}
}

func TestMonitorResolvesReconciling(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	env.adapter.setPlaceErr(types.ErrAdapterTimeout)
	env.manager.Open(ctx, openParams("BTC-USDT-SWAP", "req-1"))

	env.adapter.mu.Lock()
	env.adapter.placeErr = nil
	env.adapter.positions = []types.ExchangePosition{{
		Symbol:   "BTC-USDT-SWAP",
		Quantity: d("4"),
		AvgPrice: d("50000"),
	}}
	env.adapter.mu.Unlock()

	// The tick runs reconciliation before evaluation.
	newMonitor(env).Tick(ctx)

	pos, ok := env.manager.Get("BTC-USDT-SWAP")
	if !ok || pos.Status != types.StatusOpen {
		t.Errorf("position after tick = %+v ok=%v", pos, ok)
	}
}
