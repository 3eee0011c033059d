// ws.go implements the OKX public WebSocket feed for real-time mark prices.
//
// One connection carries every subscription: the feed subscribes to the
// "mark-price" channel per instrument and emits decoded ticks on a single
// typed channel. The connection auto-reconnects with exponential backoff
// (1s to 30s max) and re-subscribes to all tracked instruments on
// reconnection. A read deadline (40s) detects silent server failures within
// ~2 missed pings; OKX drops connections idle for 30s, so the client pings
// every 20s.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-executor/pkg/types"
)

const (
	wsPingInterval     = 20 * time.Second // OKX disconnects after 30s idle
	wsReadTimeout      = 40 * time.Second // ~2 missed pings triggers reconnect
	wsMaxReconnectWait = 30 * time.Second // cap on exponential backoff
	wsWriteTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize     = 256              // buffer for mark-price ticks
)

// MarkPriceFeed manages the public mark-price WebSocket connection.
// It handles connection lifecycle, subscription tracking, tick decoding,
// and automatic reconnection with exponential backoff.
type MarkPriceFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // instrument ids

	tickCh chan types.MarkPrice

	logger *slog.Logger
}

// NewMarkPriceFeed creates a feed for the public mark-price channel.
func NewMarkPriceFeed(wsURL string, logger *slog.Logger) *MarkPriceFeed {
	return &MarkPriceFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.MarkPrice, tickBufferSize),
		logger:     logger.With("component", "ws_mark_price"),
	}
}

// Ticks returns a read-only channel of decoded mark-price ticks.
func (f *MarkPriceFeed) Ticks() <-chan types.MarkPrice { return f.tickCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Subscribe starts the mark-price stream for the given instruments.
func (f *MarkPriceFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg("subscribe", symbols))
}

// Unsubscribe stops the stream for instruments with no remaining positions.
func (f *MarkPriceFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg("unsubscribe", symbols))
}

// Close gracefully closes the connection.
func (f *MarkPriceFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type wsOpMsg struct {
	Op   string      `json:"op"`
	Args []wsChannel `json:"args"`
}

type wsChannel struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func subscribeMsg(op string, symbols []string) wsOpMsg {
	args := make([]wsChannel, len(symbols))
	for i, s := range symbols {
		args[i] = wsChannel{Channel: "mark-price", InstID: s}
	}
	return wsOpMsg{Op: op, Args: args}
}

func (f *MarkPriceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-subscribe to everything tracked
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *MarkPriceFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg("subscribe", symbols))
}

func (f *MarkPriceFeed) dispatchMessage(data []byte) {
	// "pong" replies and subscription acks are not JSON push frames
	if string(data) == "pong" {
		return
	}

	var frame struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
		} `json:"arg"`
		Data []struct {
			InstID string `json:"instId"`
			MarkPx string `json:"markPx"`
			TS     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch {
	case frame.Event == "error":
		f.logger.Error("ws error event", "msg", frame.Msg)
	case frame.Event != "":
		// subscribe/unsubscribe acks
		f.logger.Debug("ws event", "event", frame.Event)
	case frame.Arg.Channel == "mark-price":
		for _, d := range frame.Data {
			px, err := decimal.NewFromString(d.MarkPx)
			if err != nil {
				f.logger.Error("bad mark price", "symbol", d.InstID, "value", d.MarkPx)
				continue
			}
			ms, _ := strconv.ParseInt(d.TS, 10, 64)
			tick := types.MarkPrice{
				Symbol:    d.InstID,
				Price:     px,
				Timestamp: time.UnixMilli(ms).UTC(),
			}
			select {
			case f.tickCh <- tick:
			default:
				f.logger.Warn("tick channel full, dropping tick", "symbol", d.InstID)
			}
		}
	default:
		f.logger.Debug("unknown ws frame", "channel", frame.Arg.Channel)
	}
}

func (f *MarkPriceFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarkPriceFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarkPriceFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
