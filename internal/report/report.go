// Package report builds the read-only views served by the API: live open
// positions with unrealized PnL, daily realized summaries, and the closed
// position history.
package report

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/internal/market"
	"perp-executor/internal/position"
	"perp-executor/internal/store"
	"perp-executor/pkg/types"
)

// OpenPosition is one live position with its mark-to-market figures.
// UnrealizedPnLPct is the unleveraged price move; LeveragedPnLPct multiplies
// it by the position's leverage, matching the margin-relative return.
type OpenPosition struct {
	Symbol           string               `json:"symbol"`
	Direction        types.Direction      `json:"direction"`
	Status           types.PositionStatus `json:"status"`
	EntryPrice       decimal.Decimal      `json:"entry_price"`
	CurrentPrice     *decimal.Decimal     `json:"current_price,omitempty"`
	Quantity         int64                `json:"quantity"`
	Leverage         int                  `json:"leverage"`
	UnrealizedPnL    *decimal.Decimal     `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPct *decimal.Decimal     `json:"unrealized_pnl_pct,omitempty"`
	LeveragedPnLPct  *decimal.Decimal     `json:"leveraged_pnl_pct,omitempty"`
	TakeProfitPrice  *decimal.Decimal     `json:"take_profit_price,omitempty"`
	StopLossPrice    *decimal.Decimal     `json:"stop_loss_price,omitempty"`
	LadderTierHit    int                  `json:"ladder_tier_hit"`
	HighWatermark    decimal.Decimal      `json:"high_watermark"`
	LowWatermark     decimal.Decimal      `json:"low_watermark"`
	EntryTime        time.Time            `json:"entry_ts"`
	HeldFor          string               `json:"held_for"`
}

// DailySummary aggregates one UTC day of closed positions.
type DailySummary struct {
	Date        string          `json:"date"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedCount int             `json:"closed_count"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     float64         `json:"win_rate"`
}

// Reporter assembles views from the manager, price cache, and store.
type Reporter struct {
	manager *position.Manager
	prices  *market.Cache
	store   *store.Store
}

// New creates a reporter.
func New(manager *position.Manager, prices *market.Cache, st *store.Store) *Reporter {
	return &Reporter{manager: manager, prices: prices, store: st}
}

// OpenPositions returns every tracked position marked to the latest cached
// price. Price fields stay nil for symbols without a cached tick.
func (r *Reporter) OpenPositions(now time.Time) []OpenPosition {
	positions := r.manager.Snapshot()
	out := make([]OpenPosition, 0, len(positions))

	for _, p := range positions {
		op := OpenPosition{
			Symbol:        p.Symbol,
			Direction:     p.Direction,
			Status:        p.Status,
			EntryPrice:    p.EntryPrice,
			Quantity:      p.Quantity,
			Leverage:      p.Leverage,
			LadderTierHit: p.LadderTierHit,
			HighWatermark: p.HighWatermark,
			LowWatermark:  p.LowWatermark,
			EntryTime:     p.EntryTime,
			HeldFor:       now.Sub(p.EntryTime).Round(time.Second).String(),
		}
		if tp, sl := exitPrices(p); tp != nil || sl != nil {
			op.TakeProfitPrice = tp
			op.StopLossPrice = sl
		}
		if mp, ok := r.prices.Get(p.Symbol); ok {
			pct := p.UnleveragedPnLPct(mp.Price)
			lev := pct.Mul(decimal.NewFromInt(int64(p.Leverage)))
			pnl := mp.Price.Sub(p.EntryPrice).
				Mul(p.Direction.Sign()).
				Mul(decimal.NewFromInt(p.AbsQuantity())).
				Mul(p.ContractSize)
			op.CurrentPrice = &mp.Price
			op.UnrealizedPnL = &pnl
			op.UnrealizedPnLPct = &pct
			op.LeveragedPnLPct = &lev
		}
		out = append(out, op)
	}
	return out
}

// exitPrices translates the percentage rules into absolute price levels.
// The fixed take-profit level is omitted when the ladder owns profit exits.
func exitPrices(p *types.Position) (tp, sl *decimal.Decimal) {
	one := decimal.NewFromInt(1)
	sign := p.Direction.Sign()
	if p.Rules.TakeProfitPct.Sign() > 0 && !p.Rules.Ladder.Enabled {
		v := p.EntryPrice.Mul(one.Add(p.Rules.TakeProfitPct.Mul(sign)))
		tp = &v
	}
	if p.Rules.StopLossPct.Sign() > 0 {
		v := p.EntryPrice.Mul(one.Sub(p.Rules.StopLossPct.Mul(sign)))
		sl = &v
	}
	return tp, sl
}

// Daily returns the realized summary for the UTC day containing date.
func (r *Reporter) Daily(date time.Time) (DailySummary, error) {
	roll, err := r.store.Rollup(date)
	if err != nil {
		return DailySummary{}, err
	}

	s := DailySummary{
		Date:        date.UTC().Format("2006-01-02"),
		RealizedPnL: roll.RealizedPnL,
		ClosedCount: roll.ClosedCount,
		Wins:        roll.Wins,
		Losses:      roll.Losses,
	}
	if decided := roll.Wins + roll.Losses; decided > 0 {
		s.WinRate = float64(roll.Wins) / float64(decided)
	}
	return s, nil
}

// History returns closed positions in [start, end), newest first.
func (r *Reporter) History(symbol string, start, end time.Time, limit int) ([]store.ClosedRow, error) {
	return r.store.QueryHistory(symbol, start, end, limit)
}
