// Package exchange implements the OKX v5 REST and WebSocket clients.
//
// The REST client (Client) covers the adapter surface the executor needs:
//   - GetContractSpec: GET  /api/v5/public/instruments   — contract size, min size, precisions
//   - SetLeverage:     POST /api/v5/account/set-leverage — per-instrument leverage
//   - PlaceOrder:      POST /api/v5/trade/order          — market/limit order placement
//   - GetOrder:        GET  /api/v5/trade/order          — fill state by client order id
//   - GetPositions:    GET  /api/v5/account/positions    — exchange-side position view
//   - GetMarkPrice:    GET  /api/v5/public/mark-price    — REST fallback for the WS feed
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, bounded by the configured call timeout, and routed
// through a circuit breaker so a flapping exchange fails fast instead of
// stacking blocked goroutines. Private calls are signed with HMAC headers.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"perp-executor/internal/config"
	"perp-executor/pkg/types"
)

// Client is the OKX v5 REST API client.
// It wraps a resty HTTP client with rate limiting, retry, auth, and a breaker.
type Client struct {
	http        *resty.Client
	auth        *Auth
	rl          *RateLimiter
	breaker     *gobreaker.CircuitBreaker
	callTimeout time.Duration
	marginMode  string
	dryRun      bool // when true, mutating methods return synthetic fills without HTTP calls
	logger      *slog.Logger

	// Synthetic position book for dry-run: fills accumulate here so
	// GetPositions reports the same view a real exchange would.
	dryMu        sync.Mutex
	dryPositions map[string]types.ExchangePosition
}

// NewClient creates a REST client with rate limiting, retry, and a breaker.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(cfg.Exchange.CallTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "okx-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:         httpClient,
		auth:         auth,
		rl:           NewRateLimiter(),
		breaker:      breaker,
		callTimeout:  cfg.Exchange.CallTimeout,
		marginMode:   cfg.Exchange.MarginMode,
		dryRun:       cfg.DryRun,
		logger:       logger.With("component", "exchange"),
		dryPositions: make(map[string]types.ExchangePosition),
	}
}

// apiResponse is the OKX v5 envelope. Code "0" means success; per-order
// failures inside a successful envelope surface through sCode/sMsg.
type apiResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type instrumentData struct {
	apiResponse
	Data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		TickSz string `json:"tickSz"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
	} `json:"data"`
}

type orderData struct {
	apiResponse
	Data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	} `json:"data"`
}

type orderDetailData struct {
	apiResponse
	Data []struct {
		OrdID     string `json:"ordId"`
		State     string `json:"state"`
		AvgPx     string `json:"avgPx"`
		AccFillSz string `json:"accFillSz"`
	} `json:"data"`
}

type positionsData struct {
	apiResponse
	Data []struct {
		InstID string `json:"instId"`
		Pos    string `json:"pos"`
		AvgPx  string `json:"avgPx"`
		Lever  string `json:"lever"`
	} `json:"data"`
}

type markPriceData struct {
	apiResponse
	Data []struct {
		InstID string `json:"instId"`
		MarkPx string `json:"markPx"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// GetContractSpec fetches the immutable contract attributes for a swap
// instrument.
func (c *Client) GetContractSpec(ctx context.Context, symbol string) (types.ContractSpec, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return types.ContractSpec{}, err
	}

	var result instrumentData
	path := "/api/v5/public/instruments"
	resp, err := c.get(ctx, path, map[string]string{
		"instType": "SWAP",
		"instId":   symbol,
	}, &result, false)
	if err != nil {
		return types.ContractSpec{}, c.classify("get instruments", err)
	}
	if err := okxOK(resp, result.apiResponse, "get instruments"); err != nil {
		return types.ContractSpec{}, err
	}
	if len(result.Data) == 0 {
		return types.ContractSpec{}, &types.AdapterError{Op: "get instruments", Err: fmt.Errorf("unknown instrument %s", symbol)}
	}

	d := result.Data[0]
	ctVal, err := decimal.NewFromString(d.CtVal)
	if err != nil {
		return types.ContractSpec{}, &types.AdapterError{Op: "get instruments", Err: fmt.Errorf("bad ctVal %q: %w", d.CtVal, err)}
	}
	minSz, err := strconv.ParseInt(strings.SplitN(d.MinSz, ".", 2)[0], 10, 64)
	if err != nil || minSz < 1 {
		minSz = 1
	}
	return types.ContractSpec{
		Symbol:         d.InstID,
		ContractSize:   ctVal,
		PricePrecision: decimalPlaces(d.TickSz),
		SizePrecision:  decimalPlaces(d.LotSz),
		MinSize:        minSz,
	}, nil
}

// SetLeverage sets per-instrument leverage before the first open.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return err
	}

	body := map[string]string{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": c.marginMode,
	}
	var result apiResponse
	resp, err := c.post(ctx, "/api/v5/account/set-leverage", body, &result)
	if err != nil {
		return c.classify("set leverage", err)
	}
	return okxOK(resp, result, "set leverage")
}

// PlaceOrder submits one market or limit order and waits for its fill state.
// The client order id is forwarded to the exchange, so a replayed request id
// is rejected server-side instead of double-ordering.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if c.dryRun {
		return c.dryRunFill(ctx, req)
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	body := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  c.marginMode,
		"side":    string(req.Side),
		"posSide": string(req.PosSide),
		"sz":      strconv.FormatInt(req.SizeContracts, 10),
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = sanitizeClientID(req.ClientOrderID)
	}
	if req.Price != nil {
		body["ordType"] = "limit"
		body["px"] = req.Price.String()
	} else {
		body["ordType"] = "market"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	var result orderData
	resp, err := c.post(ctx, "/api/v5/trade/order", body, &result)
	if err != nil {
		return types.OrderResult{}, c.classify("place order", err)
	}
	if err := okxOK(resp, result.apiResponse, "place order"); err != nil {
		return types.OrderResult{}, err
	}
	if len(result.Data) == 0 {
		return types.OrderResult{}, &types.AdapterError{Op: "place order", Err: errors.New("empty order response")}
	}
	d := result.Data[0]
	if d.SCode != "" && d.SCode != "0" {
		return types.OrderResult{}, &types.AdapterError{Op: "place order", Err: fmt.Errorf("sCode %s: %s", d.SCode, d.SMsg)}
	}

	return c.waitFilled(ctx, req.Symbol, d.OrdID)
}

// waitFilled polls order details until the order leaves the live state or
// ctx expires. Market orders on liquid swaps fill within one or two polls.
func (c *Client) waitFilled(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		res, err := c.GetOrder(ctx, symbol, orderID)
		if err != nil {
			return types.OrderResult{}, err
		}
		if res.Status != types.OrderLive {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return types.OrderResult{}, c.classify("await fill", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetOrder fetches the state of one order by exchange order id.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var result orderDetailData
	resp, err := c.get(ctx, "/api/v5/trade/order", map[string]string{
		"instId": symbol,
		"ordId":  orderID,
	}, &result, true)
	if err != nil {
		return types.OrderResult{}, c.classify("get order", err)
	}
	if err := okxOK(resp, result.apiResponse, "get order"); err != nil {
		return types.OrderResult{}, err
	}
	if len(result.Data) == 0 {
		return types.OrderResult{}, &types.AdapterError{Op: "get order", Err: fmt.Errorf("order %s not found", orderID)}
	}

	d := result.Data[0]
	out := types.OrderResult{OrderID: d.OrdID}
	switch d.State {
	case "filled":
		out.Status = types.OrderFilled
	case "partially_filled":
		out.Status = types.OrderPartiallyFilled
	case "canceled", "mmp_canceled":
		out.Status = types.OrderCanceled
	default:
		out.Status = types.OrderLive
	}
	if d.AccFillSz != "" {
		out.FilledSize, _ = strconv.ParseInt(strings.SplitN(d.AccFillSz, ".", 2)[0], 10, 64)
	}
	if d.AvgPx != "" {
		out.AvgFillPrice, _ = decimal.NewFromString(d.AvgPx)
	}
	return out, nil
}

// GetPositions returns the exchange-side view of open swap positions,
// used for reconciliation.
func (c *Client) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	if c.dryRun {
		c.dryMu.Lock()
		out := make([]types.ExchangePosition, 0, len(c.dryPositions))
		for _, p := range c.dryPositions {
			out = append(out, p)
		}
		c.dryMu.Unlock()
		return out, nil
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result positionsData
	resp, err := c.get(ctx, "/api/v5/account/positions", map[string]string{
		"instType": "SWAP",
	}, &result, true)
	if err != nil {
		return nil, c.classify("get positions", err)
	}
	if err := okxOK(resp, result.apiResponse, "get positions"); err != nil {
		return nil, err
	}

	out := make([]types.ExchangePosition, 0, len(result.Data))
	for _, d := range result.Data {
		qty, err := decimal.NewFromString(d.Pos)
		if err != nil || qty.IsZero() {
			continue
		}
		avg, _ := decimal.NewFromString(d.AvgPx)
		lever, _ := strconv.Atoi(d.Lever)
		out = append(out, types.ExchangePosition{
			Symbol:   d.InstID,
			Quantity: qty,
			AvgPrice: avg,
			Leverage: lever,
		})
	}
	return out, nil
}

// GetMarkPrice fetches the current mark price over REST. The WS feed is the
// primary source; this is the fallback for sizing before the feed warms up.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (types.MarkPrice, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return types.MarkPrice{}, err
	}

	var result markPriceData
	resp, err := c.get(ctx, "/api/v5/public/mark-price", map[string]string{
		"instType": "SWAP",
		"instId":   symbol,
	}, &result, false)
	if err != nil {
		return types.MarkPrice{}, c.classify("get mark price", err)
	}
	if err := okxOK(resp, result.apiResponse, "get mark price"); err != nil {
		return types.MarkPrice{}, err
	}
	if len(result.Data) == 0 {
		return types.MarkPrice{}, fmt.Errorf("%w: no mark price for %s", types.ErrPriceUnavailable, symbol)
	}

	d := result.Data[0]
	px, err := decimal.NewFromString(d.MarkPx)
	if err != nil {
		return types.MarkPrice{}, fmt.Errorf("%w: bad mark price %q", types.ErrPriceUnavailable, d.MarkPx)
	}
	ms, _ := strconv.ParseInt(d.TS, 10, 64)
	return types.MarkPrice{
		Symbol:    d.InstID,
		Price:     px,
		Timestamp: time.UnixMilli(ms).UTC(),
	}, nil
}

func (c *Client) dryRunFill(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	px := decimal.Zero
	if req.Price != nil {
		px = *req.Price
	} else if mp, err := c.GetMarkPrice(ctx, req.Symbol); err == nil {
		px = mp.Price
	}
	c.logger.Info("DRY-RUN: would place order",
		"symbol", req.Symbol, "side", req.Side, "pos_side", req.PosSide,
		"size", req.SizeContracts, "price", px)
	c.recordDryRunFill(req, px)
	return types.OrderResult{
		OrderID:      "dry-run-" + sanitizeClientID(req.ClientOrderID),
		FilledSize:   req.SizeContracts,
		AvgFillPrice: px,
		Status:       types.OrderFilled,
	}, nil
}

// recordDryRunFill applies a synthetic fill to the dry-run position book.
// Quantity is signed the way OKX reports pos: positive long, negative short.
func (c *Client) recordDryRunFill(req types.OrderRequest, px decimal.Decimal) {
	c.dryMu.Lock()
	defer c.dryMu.Unlock()

	delta := decimal.NewFromInt(req.SizeContracts)
	if req.PosSide == types.Short {
		delta = delta.Neg()
	}
	if req.ReduceOnly {
		delta = delta.Neg()
	}

	cur, held := c.dryPositions[req.Symbol]
	next := cur.Quantity.Add(delta)
	if next.IsZero() {
		delete(c.dryPositions, req.Symbol)
		return
	}
	avg := px
	if held {
		avg = cur.AvgPrice // reductions keep the original entry
	}
	c.dryPositions[req.Symbol] = types.ExchangePosition{
		Symbol:   req.Symbol,
		Quantity: next,
		AvgPrice: avg,
	}
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, result any, signed bool) (*resty.Response, error) {
	return c.do(ctx, func(callCtx context.Context) (*resty.Response, error) {
		r := c.http.R().SetContext(callCtx).SetQueryParams(params).SetResult(result)
		if signed {
			r.SetHeaders(c.auth.Headers(http.MethodGet, withQuery(path, params), ""))
		}
		return r.Get(path)
	})
}

func (c *Client) post(ctx context.Context, path string, body map[string]string, result any) (*resty.Response, error) {
	// Marshal once and send the exact bytes that were signed.
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &types.AdapterError{Op: "marshal request", Err: err}
	}
	return c.do(ctx, func(callCtx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(callCtx).
			SetHeaders(c.auth.Headers(http.MethodPost, path, string(payload))).
			SetBody(json.RawMessage(payload)).
			SetResult(result).
			Post(path)
	})
}

// do bounds one round-trip with the call timeout and routes it through the
// circuit breaker.
func (c *Client) do(ctx context.Context, call func(context.Context) (*resty.Response, error)) (*resty.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		return call(callCtx)
	})
	if err != nil {
		return nil, err
	}
	return out.(*resty.Response), nil
}

// classify maps transport failures to the adapter error kinds: deadline
// expiry becomes ErrAdapterTimeout (the caller moves the symbol to the
// reconciling state), everything else is a retryable AdapterError.
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", types.ErrAdapterTimeout, op)
	}
	return &types.AdapterError{Op: op, Err: err}
}

func okxOK(resp *resty.Response, env apiResponse, op string) error {
	if resp.StatusCode() != http.StatusOK {
		return &types.AdapterError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if env.Code != "0" {
		return &types.AdapterError{Op: op, Err: fmt.Errorf("code %s: %s", env.Code, env.Msg)}
	}
	return nil
}

// sanitizeClientID maps a request id onto OKX's clOrdId charset
// (alphanumeric, max 32 chars).
func sanitizeClientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func decimalPlaces(s string) int32 {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

func withQuery(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	// resty encodes query params sorted by key, so signing over the same
	// ordering keeps the signature valid.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
