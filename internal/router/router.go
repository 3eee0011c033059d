// Package router turns validated trade signals into position operations.
//
// The router is the single entry point for signals regardless of transport:
// the HTTP trigger endpoint and any future strategy adapter all hand their
// signals here. It validates, applies the symbol whitelist, merges the
// signal with configured defaults, runs the open-side risk gates, and fans
// multi-symbol signals out concurrently. Per-symbol outcomes are aggregated
// so one rejected symbol never blocks the rest.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"perp-executor/internal/config"
	"perp-executor/internal/position"
	"perp-executor/internal/risk"
	"perp-executor/pkg/types"
)

// Result is the per-symbol outcome of one signal.
type Result struct {
	Symbol   string          `json:"symbol"`
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Position *types.Position `json:"position,omitempty"`
}

// Router dispatches signals to the position manager.
type Router struct {
	manager *position.Manager
	gates   *risk.Gates
	logger  *slog.Logger

	mu       sync.RWMutex
	strategy config.StrategyConfig
	allowed  map[string]bool
}

// New creates a signal router with the given strategy defaults.
func New(manager *position.Manager, gates *risk.Gates, strategy config.StrategyConfig, logger *slog.Logger) *Router {
	r := &Router{
		manager: manager,
		gates:   gates,
		logger:  logger.With("component", "router"),
	}
	r.SetStrategy(strategy)
	return r
}

// SetStrategy swaps the default strategy parameters. Live positions keep
// their frozen rule snapshots.
func (r *Router) SetStrategy(strategy config.StrategyConfig) {
	allowed := make(map[string]bool, len(strategy.AllowedSymbols))
	for _, s := range strategy.AllowedSymbols {
		allowed[s] = true
	}
	r.mu.Lock()
	r.strategy = strategy
	r.allowed = allowed
	r.mu.Unlock()
}

// Handle validates and executes one signal, returning per-symbol outcomes.
func (r *Router) Handle(ctx context.Context, sig types.TradeSignal) ([]Result, error) {
	symbols, err := expandSymbols(sig)
	if err != nil {
		return nil, err
	}
	if err := validate(sig); err != nil {
		return nil, err
	}

	if sig.RequestID == "" {
		sig.RequestID = uuid.NewString()
	}

	r.logger.Info("signal received",
		"action", sig.Action, "symbols", symbols, "request_id", sig.RequestID)

	results := make([]Result, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			one := sig.WithSymbol(symbol)
			// Fan-out shares one request id; suffix per symbol so each
			// leg stays individually idempotent.
			if len(symbols) > 1 {
				one.RequestID = fmt.Sprintf("%s-%d", sig.RequestID, i)
			}
			results[i] = r.handleOne(gctx, one)
			return nil
		})
	}
	g.Wait()
	return results, nil
}

func (r *Router) handleOne(ctx context.Context, sig types.TradeSignal) Result {
	res := Result{Symbol: sig.Symbol}

	var (
		pos *types.Position
		err error
	)
	switch sig.Action {
	case types.ActionOpen:
		pos, err = r.open(ctx, sig)
	case types.ActionClose:
		pos, err = r.manager.Close(ctx, sig.Symbol, types.ReasonManual)
	case types.ActionModify:
		pos, err = r.manager.Modify(ctx, sig.Symbol, position.RuleUpdate{
			TakeProfitPct:    sig.TakeProfitPct,
			StopLossPct:      sig.StopLossPct,
			TrailingEnabled:  sig.TrailingStop,
			TrailingDistance: sig.TrailingDistance,
			Ladder:           sig.LadderTP,
		})
	case types.ActionTP:
		pos, err = r.manager.Modify(ctx, sig.Symbol, position.RuleUpdate{TakeProfitPct: sig.TakeProfitPct})
	case types.ActionSL:
		pos, err = r.manager.Modify(ctx, sig.Symbol, position.RuleUpdate{StopLossPct: sig.StopLossPct})
	case types.ActionStatus:
		var ok bool
		pos, ok = r.manager.Get(sig.Symbol)
		if !ok {
			err = fmt.Errorf("%w: %s", types.ErrNoSuchPosition, sig.Symbol)
		}
	default:
		err = fmt.Errorf("%w: unknown action %q", types.ErrInvalidSignal, sig.Action)
	}

	if err != nil {
		res.Message = err.Error()
		r.logger.Warn("signal leg failed",
			"action", sig.Action, "symbol", sig.Symbol, "error", err)
		return res
	}
	res.OK = true
	res.Position = pos
	return res
}

func (r *Router) open(ctx context.Context, sig types.TradeSignal) (*types.Position, error) {
	r.mu.RLock()
	strategy := r.strategy
	allowed := r.allowed
	r.mu.RUnlock()

	if strategy.EnableSymbolPool && !sig.OverrideSymbolPool && !allowed[sig.Symbol] {
		return nil, fmt.Errorf("%w: %s", types.ErrSymbolNotAllowed, sig.Symbol)
	}
	if err := r.gates.CheckOpen(sig.Symbol, r.manager.OpenCount(), time.Now()); err != nil {
		return nil, err
	}

	params := resolveOpen(sig, strategy)
	return r.manager.Open(ctx, params)
}

// resolveOpen merges signal fields with configured defaults. Pointer fields
// left nil in the signal fall back to the strategy section.
func resolveOpen(sig types.TradeSignal, s config.StrategyConfig) position.OpenParams {
	p := position.OpenParams{
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Unit:         types.UnitType(s.UnitType),
		Leverage:     s.Leverage,
		CapSlippage:  decimal.NewFromFloat(s.EntryCapSlippage),
		RoundUpToMin: s.RoundUpToMin,
		RequestID:    sig.RequestID,
		Rules: types.RuleSnapshot{
			TakeProfitPct:    decimal.NewFromFloat(s.TakeProfitPct),
			StopLossPct:      decimal.NewFromFloat(s.StopLossPct),
			TrailingEnabled:  s.TrailingStop,
			TrailingDistance: decimal.NewFromFloat(s.TrailingDistance),
			TrailingArmPct:   decimal.NewFromFloat(s.TrailingArmPct),
			Ladder: types.LadderConfig{
				Enabled:  s.LadderTakeProfit.Enabled,
				StepPct:  decimal.NewFromFloat(s.LadderTakeProfit.StepPct),
				ClosePct: decimal.NewFromFloat(s.LadderTakeProfit.ClosePct),
			},
			MaxHoldSeconds: s.MaxHoldSeconds,
		},
	}

	if sig.Quantity != nil {
		p.Quantity = *sig.Quantity
	} else {
		p.Quantity = decimal.NewFromFloat(s.PerPositionQuote)
		p.Unit = types.UnitQuote
	}
	if sig.UnitType != "" {
		p.Unit = sig.UnitType
	}
	if sig.Leverage != nil {
		p.Leverage = *sig.Leverage
	}
	if sig.EntryPrice != nil && s.EntryPricePolicy == "cap" {
		p.EntryCap = sig.EntryPrice
	}
	if sig.TakeProfitPct != nil {
		p.Rules.TakeProfitPct = *sig.TakeProfitPct
	}
	if sig.StopLossPct != nil {
		p.Rules.StopLossPct = *sig.StopLossPct
	}
	if sig.TrailingStop != nil {
		p.Rules.TrailingEnabled = *sig.TrailingStop
	}
	if sig.TrailingDistance != nil {
		p.Rules.TrailingDistance = *sig.TrailingDistance
	}
	if sig.LadderTP != nil {
		p.Rules.Ladder = *sig.LadderTP
	}
	return p
}

// expandSymbols flattens Symbol/Symbols into a deduplicated list.
func expandSymbols(sig types.TradeSignal) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(sig.Symbol)
	for _, s := range sig.Symbols {
		add(s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no symbol", types.ErrInvalidSignal)
	}
	return out, nil
}

func validate(sig types.TradeSignal) error {
	switch sig.Action {
	case types.ActionOpen:
		if sig.Direction != types.Long && sig.Direction != types.Short {
			return fmt.Errorf("%w: direction must be long or short", types.ErrInvalidSignal)
		}
		if sig.Quantity != nil && sig.Quantity.Sign() <= 0 {
			return fmt.Errorf("%w: quantity must be > 0", types.ErrInvalidSignal)
		}
		if sig.Leverage != nil && *sig.Leverage <= 0 {
			return fmt.Errorf("%w: leverage must be > 0", types.ErrInvalidSignal)
		}
		if sig.UnitType != "" {
			switch sig.UnitType {
			case types.UnitQuote, types.UnitBase, types.UnitContract:
			default:
				return fmt.Errorf("%w: unknown unit type %q", types.ErrInvalidSignal, sig.UnitType)
			}
		}
		if err := validatePcts(sig); err != nil {
			return err
		}
	case types.ActionClose, types.ActionStatus:
		// symbol-only actions
	case types.ActionModify:
		if err := validatePcts(sig); err != nil {
			return err
		}
	case types.ActionTP:
		if sig.TakeProfitPct == nil {
			return fmt.Errorf("%w: tp requires take_profit_pct", types.ErrInvalidSignal)
		}
		if sig.TakeProfitPct.Sign() < 0 {
			return fmt.Errorf("%w: take_profit_pct must be >= 0", types.ErrInvalidSignal)
		}
	case types.ActionSL:
		if sig.StopLossPct == nil {
			return fmt.Errorf("%w: sl requires stop_loss_pct", types.ErrInvalidSignal)
		}
		if sig.StopLossPct.Sign() < 0 {
			return fmt.Errorf("%w: stop_loss_pct must be >= 0", types.ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", types.ErrInvalidSignal, sig.Action)
	}
	return nil
}

func validatePcts(sig types.TradeSignal) error {
	if sig.TakeProfitPct != nil && sig.TakeProfitPct.Sign() < 0 {
		return fmt.Errorf("%w: take_profit_pct must be >= 0", types.ErrInvalidSignal)
	}
	if sig.StopLossPct != nil && sig.StopLossPct.Sign() < 0 {
		return fmt.Errorf("%w: stop_loss_pct must be >= 0", types.ErrInvalidSignal)
	}
	if sig.TrailingDistance != nil && sig.TrailingDistance.Sign() <= 0 {
		return fmt.Errorf("%w: trailing_distance must be > 0", types.ErrInvalidSignal)
	}
	if sig.LadderTP != nil && sig.LadderTP.Enabled {
		if sig.LadderTP.StepPct.Sign() <= 0 {
			return fmt.Errorf("%w: ladder step_pct must be > 0", types.ErrInvalidSignal)
		}
		one := decimal.NewFromInt(1)
		if sig.LadderTP.ClosePct.Sign() <= 0 || sig.LadderTP.ClosePct.GreaterThan(one) {
			return fmt.Errorf("%w: ladder close_pct must be in (0, 1]", types.ErrInvalidSignal)
		}
	}
	return nil
}

// Classify maps an error to a coarse category for API responses:
// "rejected" for validation/whitelist/gate failures, "not_found" for missing
// positions, "timeout" for ambiguous adapter outcomes, "error" otherwise.
func Classify(err error) string {
	var gate *types.RiskGateError
	switch {
	case errors.Is(err, types.ErrInvalidSignal),
		errors.Is(err, types.ErrSymbolNotAllowed),
		errors.Is(err, types.ErrSizeTooSmall),
		errors.As(err, &gate):
		return "rejected"
	case errors.Is(err, types.ErrNoSuchPosition):
		return "not_found"
	case errors.Is(err, types.ErrAdapterTimeout):
		return "timeout"
	default:
		return "error"
	}
}
