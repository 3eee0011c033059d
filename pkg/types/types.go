// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the executor — trade signals,
// positions, and the exchange adapter contract. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action enumerates the operations a trade signal can request.
type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionModify Action = "modify"
	ActionTP     Action = "tp"     // adjust take-profit only
	ActionSL     Action = "sl"     // adjust stop-loss only
	ActionStatus Action = "status" // read-only position summary
)

// Direction is the side of a position: long or short.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short, as a decimal multiplier
// for PnL arithmetic.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OpenSide returns the order side that opens a position in this direction.
func (d Direction) OpenSide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// CloseSide returns the order side that reduces a position in this direction.
func (d Direction) CloseSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// UnitType identifies how a signal expresses its requested size.
type UnitType string

const (
	UnitQuote    UnitType = "quote"    // quote-currency notional (e.g. USDT)
	UnitBase     UnitType = "base"     // base-currency amount (e.g. BTC)
	UnitContract UnitType = "contract" // contract count
)

// PositionStatus is the durable lifecycle state of a position row.
type PositionStatus string

const (
	StatusOpen        PositionStatus = "open"
	StatusClosed      PositionStatus = "closed"
	StatusReconciling PositionStatus = "reconciling"
)

// CloseReason explains why a position (or part of one) was closed.
type CloseReason string

const (
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonLadderTP     CloseReason = "ladder_tp"
	ReasonManual       CloseReason = "manual"
	ReasonForced       CloseReason = "forced"
	ReasonExpired      CloseReason = "expired"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// LadderConfig describes staged partial profit-taking: every StepPct of
// favorable unleveraged price move closes ClosePct of the remaining quantity.
type LadderConfig struct {
	Enabled  bool            `json:"enabled"`
	StepPct  decimal.Decimal `json:"step_pct"`
	ClosePct decimal.Decimal `json:"close_pct"`
}

// TradeSignal is the canonical signal produced by strategy adapters and the
// HTTP trigger endpoint. Optional fields are pointers: nil means "use the
// configured default" (or "leave unchanged" for modify). Unknown JSON keys
// are ignored on the wire. All percentage fields are decimal fractions of
// the unleveraged price move (0.05 = price moved 5% against entry).
type TradeSignal struct {
	Action    Action    `json:"action"`
	Symbol    string    `json:"symbol,omitempty"`
	Symbols   []string  `json:"symbols,omitempty"` // multi-symbol fan-out
	Direction Direction `json:"direction,omitempty"`

	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	UnitType   UnitType         `json:"unit_type,omitempty"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"` // missing = market
	Leverage   *int             `json:"leverage,omitempty"`

	TakeProfitPct    *decimal.Decimal `json:"take_profit_pct,omitempty"`
	StopLossPct      *decimal.Decimal `json:"stop_loss_pct,omitempty"`
	TrailingStop     *bool            `json:"trailing_stop,omitempty"`
	TrailingDistance *decimal.Decimal `json:"trailing_distance,omitempty"`
	LadderTP         *LadderConfig    `json:"ladder_tp,omitempty"`

	OverrideSymbolPool bool `json:"override_symbol_pool,omitempty"`

	// RequestID is the client-generated idempotency key. Replays with the
	// same id must not double-order; it is forwarded to the exchange as
	// the client order id. Assigned by the router when absent.
	RequestID string `json:"request_id,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// WithSymbol returns a copy of the signal narrowed to a single symbol,
// used when fanning out a multi-symbol signal.
func (s TradeSignal) WithSymbol(symbol string) TradeSignal {
	out := s
	out.Symbol = symbol
	out.Symbols = nil
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// RuleSnapshot is the per-position exit-rule configuration, frozen at open
// and overridable only by an explicit modify signal. Later config changes
// never retroactively alter live positions.
type RuleSnapshot struct {
	TakeProfitPct    decimal.Decimal `json:"take_profit_pct"`
	StopLossPct      decimal.Decimal `json:"stop_loss_pct"`
	TrailingEnabled  bool            `json:"trailing_enabled"`
	TrailingDistance decimal.Decimal `json:"trailing_distance"`
	TrailingArmPct   decimal.Decimal `json:"trailing_arm_pct"` // arm threshold; zero = TrailingDistance
	Ladder           LadderConfig    `json:"ladder"`
	MaxHoldSeconds   int64           `json:"max_hold_seconds"` // 0 = no expiry
}

// Position is one perpetual-swap position, keyed by (Symbol, PositionID).
// Quantity is a signed contract count: positive = long, negative = short.
// Its magnitude never increases after open; ladder closures only decrease
// it and a close sets it to zero.
type Position struct {
	Symbol     string    `json:"symbol"`
	PositionID string    `json:"position_id"` // adapter fill identifier
	Direction  Direction `json:"direction"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   int64           `json:"quantity"` // signed contracts
	Leverage   int             `json:"leverage"`
	EntryTime  time.Time       `json:"entry_ts"`

	ContractSize decimal.Decimal `json:"contract_size"` // base units per contract

	Rules RuleSnapshot `json:"rules"`

	// Runtime fields, maintained by the position manager on monitor ticks.
	HighWatermark        decimal.Decimal `json:"high_watermark"`
	LowWatermark         decimal.Decimal `json:"low_watermark"`
	LadderTierHit        int             `json:"ladder_tier_hit"`
	LadderClosedFraction decimal.Decimal `json:"ladder_closed_fraction"` // in [0,1]

	Status PositionStatus `json:"status"`

	// Terminal fields, set on close.
	ExitPrice   decimal.Decimal `json:"exit_price"`
	ExitTime    time.Time       `json:"exit_ts"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PnLPct      decimal.Decimal `json:"pnl_pct"` // unleveraged
}

// AbsQuantity returns the unsigned contract count.
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// UnleveragedPnLPct computes sign · (price − entry) / entry.
func (p *Position) UnleveragedPnLPct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(p.Direction.Sign())
}

// ————————————————————————————————————————————————————————————————————————
// Exchange adapter contract
// ————————————————————————————————————————————————————————————————————————

// ContractSpec holds the immutable attributes of an instrument, fetched once
// via the adapter and cached.
type ContractSpec struct {
	Symbol         string
	ContractSize   decimal.Decimal // base units per contract
	PricePrecision int32           // decimal places of the price tick
	SizePrecision  int32
	MinSize        int64 // minimum order size in contracts
}

// OrderRequest is a single order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	PosSide       Direction
	SizeContracts int64
	Price         *decimal.Decimal // nil = market order
	ClientOrderID string
	ReduceOnly    bool
}

// OrderStatus is the adapter-reported order state.
type OrderStatus string

const (
	OrderLive            OrderStatus = "live"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
)

// OrderResult is the adapter's response to a placed (or polled) order.
type OrderResult struct {
	OrderID      string
	FilledSize   int64
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
}

// ExchangePosition is the adapter's view of an open position, used for
// reconciliation after restarts or timeouts.
type ExchangePosition struct {
	Symbol   string
	Quantity decimal.Decimal // signed contracts
	AvgPrice decimal.Decimal
	Leverage int
}

// MarkPrice is one tick of the mark-price subscription.
type MarkPrice struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}
