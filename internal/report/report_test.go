package report

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/internal/config"
	"perp-executor/internal/market"
	"perp-executor/internal/position"
	"perp-executor/internal/risk"
	"perp-executor/internal/store"
	"perp-executor/pkg/types"
)

type fakeAdapter struct{ fillPrice decimal.Decimal }

func (a *fakeAdapter) GetContractSpec(ctx context.Context, symbol string) (types.ContractSpec, error) {
	return types.ContractSpec{Symbol: symbol, ContractSize: decimal.NewFromFloat(0.01), MinSize: 1}, nil
}

func (a *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (a *fakeAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{
		OrderID:      "ord-1",
		FilledSize:   req.SizeContracts,
		AvgFillPrice: a.fillPrice,
		Status:       types.OrderFilled,
	}, nil
}

func (a *fakeAdapter) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	return nil, nil
}

func (a *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (types.MarkPrice, error) {
	return types.MarkPrice{Symbol: symbol, Price: a.fillPrice, Timestamp: time.Now()}, nil
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(symbols []string) error   { return nil }
func (noopSubscriber) Unsubscribe(symbols []string) error { return nil }

func newReporter(t *testing.T) (*Reporter, *position.Manager, *market.Cache, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "executor.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapter := &fakeAdapter{fillPrice: decimal.NewFromInt(50000)}
	prices := market.NewCache()
	gates := risk.NewGates(config.RiskConfig{MaxConcurrentPositions: 10}, logger)
	manager := position.NewManager(adapter, st, prices, market.NewInstruments(adapter),
		gates, noopSubscriber{}, 30*time.Second, logger)

	return New(manager, prices, st), manager, prices, st
}

func openOne(t *testing.T, m *position.Manager) {
	t.Helper()
	_, err := m.Open(context.Background(), position.OpenParams{
		Symbol:    "BTC-USDT-SWAP",
		Direction: types.Long,
		Quantity:  decimal.NewFromInt(4),
		Unit:      types.UnitContract,
		Leverage:  3,
		Rules: types.RuleSnapshot{
			TakeProfitPct: decimal.NewFromFloat(0.05),
			StopLossPct:   decimal.NewFromFloat(0.03),
		},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenPositionsMarksToCachedPrice(t *testing.T) {
	t.Parallel()
	r, manager, prices, _ := newReporter(t)
	openOne(t, manager)

	// Without a cached tick the price fields stay nil.
	out := r.OpenPositions(time.Now())
	if len(out) != 1 {
		t.Fatalf("positions = %d, want 1", len(out))
	}
	if out[0].CurrentPrice != nil || out[0].UnrealizedPnL != nil {
		t.Errorf("unmarked position carries price fields: %+v", out[0])
	}
	// Absolute exit levels from the percentage rules: 50000×1.05, 50000×0.97.
	if out[0].TakeProfitPrice == nil || !out[0].TakeProfitPrice.Equal(decimal.NewFromInt(52500)) {
		t.Errorf("TakeProfitPrice = %v, want 52500", out[0].TakeProfitPrice)
	}
	if out[0].StopLossPrice == nil || !out[0].StopLossPrice.Equal(decimal.NewFromInt(48500)) {
		t.Errorf("StopLossPrice = %v, want 48500", out[0].StopLossPrice)
	}

	// 4 × 0.01 × (51000 − 50000) = 40; pct 0.02 unleveraged, 0.06 at 3x.
	prices.Update("BTC-USDT-SWAP", decimal.NewFromInt(51000), time.Now())
	out = r.OpenPositions(time.Now())
	if out[0].UnrealizedPnL == nil || !out[0].UnrealizedPnL.Equal(decimal.NewFromInt(40)) {
		t.Errorf("UnrealizedPnL = %v, want 40", out[0].UnrealizedPnL)
	}
	if !out[0].UnrealizedPnLPct.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("UnrealizedPnLPct = %s, want 0.02", out[0].UnrealizedPnLPct)
	}
	if !out[0].LeveragedPnLPct.Equal(decimal.NewFromFloat(0.06)) {
		t.Errorf("LeveragedPnLPct = %s, want 0.06", out[0].LeveragedPnLPct)
	}
}

func TestDailySummaryWinRate(t *testing.T) {
	t.Parallel()
	r, _, _, st := newReporter(t)
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	closes := []struct {
		symbol string
		pnl    string
	}{
		{"BTC-USDT-SWAP", "30"},
		{"ETH-USDT-SWAP", "10"},
		{"SOL-USDT-SWAP", "-15"},
	}
	for i, c := range closes {
		p := &types.Position{
			Symbol:       c.symbol,
			PositionID:   "ord-" + c.symbol,
			Direction:    types.Long,
			EntryPrice:   decimal.NewFromInt(100),
			Quantity:     1,
			Leverage:     1,
			EntryTime:    day,
			ContractSize: decimal.NewFromFloat(0.01),
			Status:       types.StatusOpen,
		}
		if err := st.Upsert(p); err != nil {
			t.Fatal(err)
		}
		pnl, _ := decimal.NewFromString(c.pnl)
		if err := st.RecordClose(c.symbol, decimal.NewFromInt(110), day.Add(time.Duration(i)*time.Hour),
			pnl, decimal.NewFromFloat(0.1), types.ReasonTakeProfit); err != nil {
			t.Fatal(err)
		}
	}

	s, err := r.Daily(day)
	if err != nil {
		t.Fatalf("Daily() error: %v", err)
	}
	if s.Date != "2026-08-20" || s.ClosedCount != 3 || s.Wins != 2 || s.Losses != 1 {
		t.Errorf("summary = %+v", s)
	}
	if !s.RealizedPnL.Equal(decimal.NewFromInt(25)) {
		t.Errorf("RealizedPnL = %s, want 25", s.RealizedPnL)
	}
	if s.WinRate < 0.66 || s.WinRate > 0.67 {
		t.Errorf("WinRate = %v, want 2/3", s.WinRate)
	}
}

func TestDailySummaryEmptyDay(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newReporter(t)

	s, err := r.Daily(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if s.ClosedCount != 0 || s.WinRate != 0 {
		t.Errorf("empty day summary = %+v", s)
	}
}
