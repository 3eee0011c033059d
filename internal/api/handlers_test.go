package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/internal/config"
	"perp-executor/internal/market"
	"perp-executor/internal/position"
	"perp-executor/internal/report"
	"perp-executor/internal/risk"
	"perp-executor/internal/router"
	"perp-executor/internal/store"
	"perp-executor/pkg/types"
)

type fakeAdapter struct {
	mu     sync.Mutex
	orders int
}

func (a *fakeAdapter) GetContractSpec(ctx context.Context, symbol string) (types.ContractSpec, error) {
	return types.ContractSpec{Symbol: symbol, ContractSize: decimal.NewFromFloat(0.01), MinSize: 1}, nil
}

func (a *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (a *fakeAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders++
	return types.OrderResult{
		OrderID:      "ord-" + strconv.Itoa(a.orders),
		FilledSize:   req.SizeContracts,
		AvgFillPrice: decimal.NewFromInt(50000),
		Status:       types.OrderFilled,
	}, nil
}

func (a *fakeAdapter) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	return nil, nil
}

func (a *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (types.MarkPrice, error) {
	return types.MarkPrice{Symbol: symbol, Price: decimal.NewFromInt(50000), Timestamp: time.Now()}, nil
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(symbols []string) error   { return nil }
func (noopSubscriber) Unsubscribe(symbols []string) error { return nil }

func newHandlers(t *testing.T) *Handlers {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "executor.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapter := &fakeAdapter{}
	prices := market.NewCache()
	gates := risk.NewGates(config.RiskConfig{MaxConcurrentPositions: 10}, logger)
	manager := position.NewManager(adapter, st, prices, market.NewInstruments(adapter),
		gates, noopSubscriber{}, 30*time.Second, logger)

	strategy := config.StrategyConfig{
		Leverage:         3,
		PerPositionQuote: 1000,
		UnitType:         "quote",
		TakeProfitPct:    0.05,
		StopLossPct:      0.03,
		EntryPricePolicy: "cap",
	}
	rt := router.New(manager, gates, strategy, logger)
	reporter := report.New(manager, prices, st)

	return NewHandlers(rt, reporter, manager, logger)
}

type response struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var out response
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func trigger(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/trigger", strings.NewReader(body))
	h.HandleTrigger(rec, req)
	return rec
}

func TestTriggerMethodNotAllowed(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleTrigger(rec, httptest.NewRequest(http.MethodGet, "/api/trigger", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestTriggerMalformedBody(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := trigger(t, h, `{"action": "open",`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if out := decode(t, rec); out.Message == "" {
		t.Error("expected a message explaining the rejection")
	}
}

func TestTriggerInvalidSignal(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	// Well-formed JSON, no symbol: rejected, not a server error.
	rec := trigger(t, h, `{"action": "open", "direction": "long"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTriggerUnknownKeysIgnored(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := trigger(t, h, `{"action": "open", "symbol": "BTC-USDT-SWAP", "direction": "long", "whatever": 42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body)
	}
	if out := decode(t, rec); !out.Success {
		t.Errorf("success = false: %s", out.Message)
	}
}

func TestTriggerStatusNotFound(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := trigger(t, h, `{"action": "status", "symbol": "BTC-USDT-SWAP"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// The leg failed, so the aggregate is not a success.
	if out := decode(t, rec); out.Success {
		t.Error("status on a missing position reported success")
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	if rec := trigger(t, h, `{"action": "open", "symbol": "BTC-USDT-SWAP", "direction": "long"}`); rec.Code != http.StatusOK {
		t.Fatalf("open failed: %d %s", rec.Code, rec.Body)
	}

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	if !out.Success || out.Data["open_count"].(float64) != 1 {
		t.Errorf("response = %+v", out)
	}
}

func TestCloseAllEndpoint(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleCloseAll(rec, httptest.NewRequest(http.MethodGet, "/api/close_all", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET close_all status = %d, want 405", rec.Code)
	}

	trigger(t, h, `{"action": "open", "symbol": "BTC-USDT-SWAP", "direction": "long"}`)
	trigger(t, h, `{"action": "open", "symbol": "ETH-USDT-SWAP", "direction": "short"}`)

	rec = httptest.NewRecorder()
	h.HandleCloseAll(rec, httptest.NewRequest(http.MethodPost, "/api/close_all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("close_all status = %d", rec.Code)
	}
	if out := decode(t, rec); !out.Success {
		t.Errorf("close_all failed: %s", out.Message)
	}

	rec = httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if out := decode(t, rec); out.Data["open_count"].(float64) != 0 {
		t.Errorf("positions survived close_all: %+v", out.Data)
	}
}

func TestHistoryParamValidation(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"defaults", "", http.StatusOK},
		{"iso dates", "?start_date=2026-08-01&end_date=2026-08-02", http.StatusOK},
		{"rfc3339 window", "?start_date=2026-08-01T00:00:00Z&end_date=2026-08-02T00:00:00Z", http.StatusOK},
		{"unix millis", "?start_date=1756684800000", http.StatusOK},
		{"bad start_date", "?start_date=yesterday", http.StatusBadRequest},
		{"bad limit", "?limit=0", http.StatusBadRequest},
		{"negative limit", "?limit=-5", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/position_history"+tt.query, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHistoryReturnsClosedPositions(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	trigger(t, h, `{"action": "open", "symbol": "BTC-USDT-SWAP", "direction": "long"}`)
	trigger(t, h, `{"action": "close", "symbol": "BTC-USDT-SWAP"}`)

	rec := httptest.NewRecorder()
	h.HandleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/position_history?symbol=BTC-USDT-SWAP", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	if out.Data["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", out.Data["count"])
	}

	// The documented date params actually bound the window.
	rec = httptest.NewRecorder()
	h.HandleHistory(rec, httptest.NewRequest(http.MethodGet,
		"/api/position_history?symbol=BTC-USDT-SWAP&start_date=2000-01-01", nil))
	if out := decode(t, rec); out.Data["count"].(float64) != 1 {
		t.Errorf("wide window count = %v, want 1", out.Data["count"])
	}

	rec = httptest.NewRecorder()
	h.HandleHistory(rec, httptest.NewRequest(http.MethodGet,
		"/api/position_history?symbol=BTC-USDT-SWAP&start_date=2100-01-01", nil))
	if out := decode(t, rec); out.Data["count"].(float64) != 0 {
		t.Errorf("future window count = %v, want 0", out.Data["count"])
	}
}

func TestDailyPnL(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleDailyPnL(rec, httptest.NewRequest(http.MethodGet, "/api/daily_pnl?date=not-a-date", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}

	trigger(t, h, `{"action": "open", "symbol": "BTC-USDT-SWAP", "direction": "long"}`)
	trigger(t, h, `{"action": "close", "symbol": "BTC-USDT-SWAP"}`)

	rec = httptest.NewRecorder()
	h.HandleDailyPnL(rec, httptest.NewRequest(http.MethodGet, "/api/daily_pnl", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	if out.Data["closed_count"].(float64) != 1 {
		t.Errorf("daily summary = %+v", out.Data)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Errorf("body = %v (%v)", body, err)
	}
}
