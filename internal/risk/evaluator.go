// Package risk decides when positions exit and gates when they may open.
//
// Evaluate is a pure function from (position, price, now) to a decision —
// it reads watermarks and ladder progress but never writes them; watermark
// maintenance belongs to the position manager. Gates (gates.go) enforce the
// open-side limits: cooling period, daily trade cap, daily loss cap, and the
// concurrent-position cap.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-executor/pkg/types"
)

// DecisionKind is the outcome class of one evaluation.
type DecisionKind int

const (
	Hold DecisionKind = iota
	Close
	PartialClose
)

// Decision is the result of evaluating a position against a fresh price.
// For PartialClose, Fraction is the share of the REMAINING quantity to
// reduce and NewTier the ladder tier that triggered it. Note carries a
// warning for Hold decisions produced by the price-sanity guard.
type Decision struct {
	Kind     DecisionKind
	Reason   types.CloseReason
	Fraction decimal.Decimal
	NewTier  int
	Note     string
}

var one = decimal.NewFromInt(1)

// Evaluate applies the exit rules to a position, in fixed priority order:
// price sanity, stop-loss, fixed take-profit, ladder take-profit,
// trailing stop, expiry. Stop-loss precedes all profit exits; fixed TP and
// ladder precede trailing; expiry beats only Hold. All thresholds compare
// the unleveraged PnL fraction u = sign · (price − entry) / entry, and both
// TP and SL fire inclusively (u == threshold triggers).
func Evaluate(p *types.Position, price decimal.Decimal, priceTS time.Time, now time.Time, maxPriceAge time.Duration) Decision {
	// Price sanity: bad, stale, or absurd prices never trigger an exit.
	if price.Sign() <= 0 {
		return Decision{Kind: Hold, Note: fmt.Sprintf("non-positive price %s for %s", price, p.Symbol)}
	}
	if now.Sub(priceTS) > maxPriceAge {
		return Decision{Kind: Hold, Note: fmt.Sprintf("price for %s is %s old", p.Symbol, now.Sub(priceTS))}
	}
	u := p.UnleveragedPnLPct(price)
	if u.Abs().GreaterThan(one) {
		return Decision{Kind: Hold, Note: fmt.Sprintf("implausible move %s on %s, ignoring tick", u, p.Symbol)}
	}

	rules := p.Rules

	// Stop-loss precedes everything.
	if rules.StopLossPct.Sign() > 0 && u.LessThanOrEqual(rules.StopLossPct.Neg()) {
		return Decision{Kind: Close, Reason: types.ReasonStopLoss}
	}

	// Fixed take-profit, unless the ladder replaces it.
	if !rules.Ladder.Enabled && rules.TakeProfitPct.Sign() > 0 && u.GreaterThanOrEqual(rules.TakeProfitPct) {
		return Decision{Kind: Close, Reason: types.ReasonTakeProfit}
	}

	// Ladder take-profit.
	if rules.Ladder.Enabled && rules.Ladder.StepPct.Sign() > 0 && u.Sign() > 0 {
		tier := int(u.Div(rules.Ladder.StepPct).IntPart())
		if tier >= 1 && tier > p.LadderTierHit {
			steps := int64(tier - p.LadderTierHit)
			fraction := rules.Ladder.ClosePct.Mul(decimal.NewFromInt(steps))
			cumulative := p.LadderClosedFraction.Add(fraction)
			if cumulative.GreaterThanOrEqual(one) {
				return Decision{Kind: Close, Reason: types.ReasonTakeProfit}
			}
			return Decision{
				Kind:     PartialClose,
				Reason:   types.ReasonLadderTP,
				Fraction: fraction,
				NewTier:  tier,
			}
		}
	}

	// Trailing stop, only once armed: the favorable watermark must have
	// moved at least the arm threshold past entry.
	if rules.TrailingEnabled && rules.TrailingDistance.Sign() > 0 {
		arm := rules.TrailingArmPct
		if arm.Sign() <= 0 {
			arm = rules.TrailingDistance
		}
		switch p.Direction {
		case types.Long:
			armLevel := p.EntryPrice.Mul(one.Add(arm))
			if p.HighWatermark.GreaterThanOrEqual(armLevel) {
				stop := p.HighWatermark.Mul(one.Sub(rules.TrailingDistance))
				if price.LessThanOrEqual(stop) {
					return Decision{Kind: Close, Reason: types.ReasonTrailingStop}
				}
			}
		case types.Short:
			armLevel := p.EntryPrice.Mul(one.Sub(arm))
			if p.LowWatermark.Sign() > 0 && p.LowWatermark.LessThanOrEqual(armLevel) {
				stop := p.LowWatermark.Mul(one.Add(rules.TrailingDistance))
				if price.GreaterThanOrEqual(stop) {
					return Decision{Kind: Close, Reason: types.ReasonTrailingStop}
				}
			}
		}
	}

	// Expiry beats Hold only.
	if rules.MaxHoldSeconds > 0 && now.Sub(p.EntryTime) > time.Duration(rules.MaxHoldSeconds)*time.Second {
		return Decision{Kind: Close, Reason: types.ReasonExpired}
	}

	return Decision{Kind: Hold}
}
