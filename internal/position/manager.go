// Package position owns the position lifecycle: opening, exit execution,
// ladder reductions, rule modification, and crash recovery.
//
// The Manager is the single writer for position state. All mutations run
// under a per-symbol lock, and every state change is committed to the store
// before the in-memory view is updated, so the durable copy is never behind
// the one decisions are made from. An adapter timeout during open or close
// parks the symbol in the reconciling state; the monitor then resolves it
// against the exchange's own view.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"perp-executor/internal/market"
	"perp-executor/internal/risk"
	"perp-executor/internal/sizing"
	"perp-executor/internal/store"
	"perp-executor/pkg/types"
)

// Adapter is the slice of the exchange client the manager needs.
type Adapter interface {
	GetContractSpec(ctx context.Context, symbol string) (types.ContractSpec, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	GetPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetMarkPrice(ctx context.Context, symbol string) (types.MarkPrice, error)
}

// Subscriber manages mark-price stream membership as positions come and go.
type Subscriber interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// OpenParams is a fully resolved open request: the router has already merged
// signal fields with configured defaults.
type OpenParams struct {
	Symbol    string
	Direction types.Direction
	Quantity  decimal.Decimal
	Unit      types.UnitType
	Leverage  int

	// EntryCap rejects the open when the current mark is worse than the
	// cap by more than CapSlippage. Nil means no cap.
	EntryCap    *decimal.Decimal
	CapSlippage decimal.Decimal

	Rules        types.RuleSnapshot
	RoundUpToMin bool
	RequestID    string
}

// RuleUpdate carries a modify request. Nil fields are left unchanged.
type RuleUpdate struct {
	TakeProfitPct    *decimal.Decimal
	StopLossPct      *decimal.Decimal
	TrailingEnabled  *bool
	TrailingDistance *decimal.Decimal
	Ladder           *types.LadderConfig
}

type replayResult struct {
	pos *types.Position
	err error
	at  time.Time
}

// Manager is the single writer for position state.
type Manager struct {
	adapter     Adapter
	store       *store.Store
	prices      *market.Cache
	instruments *market.Instruments
	gates       *risk.Gates
	subscriber  Subscriber
	maxPriceAge time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	positions map[string]*types.Position
	locks     map[string]*sync.Mutex
	leveraged map[string]int // symbol -> leverage already set on the exchange

	// recentCloses lets a concurrent close that lost the race report
	// "already closed" instead of not-found.
	recentCloses map[string]*types.Position

	// reconcileTries counts polls per reconciling symbol; a pending open
	// the exchange never confirms is abandoned after maxReconcileTries.
	reconcileTries map[string]int

	replayMu sync.Mutex
	replays  map[string]replayResult // request id -> outcome
}

// NewManager wires the position manager.
func NewManager(adapter Adapter, st *store.Store, prices *market.Cache, instruments *market.Instruments, gates *risk.Gates, sub Subscriber, maxPriceAge time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		adapter:        adapter,
		store:          st,
		prices:         prices,
		instruments:    instruments,
		gates:          gates,
		subscriber:     sub,
		maxPriceAge:    maxPriceAge,
		logger:         logger.With("component", "position-manager"),
		positions:      make(map[string]*types.Position),
		locks:          make(map[string]*sync.Mutex),
		leveraged:      make(map[string]int),
		recentCloses:   make(map[string]*types.Position),
		reconcileTries: make(map[string]int),
		replays:        make(map[string]replayResult),
	}
}

// maxReconcileTries bounds how many polls a pending open survives before it
// is declared abandoned.
const maxReconcileTries = 3

// lockSymbol serializes all operations on one symbol. Different symbols
// proceed concurrently.
func (m *Manager) lockSymbol(symbol string) func() {
	m.mu.Lock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Rehydrate loads open positions from the store at boot and resubscribes
// their mark-price streams. Reconciling rows are left for the monitor.
func (m *Manager) Rehydrate(ctx context.Context) error {
	rows, err := m.store.LoadOpen()
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	var symbols []string
	m.mu.Lock()
	for _, p := range rows {
		m.positions[p.Symbol] = p
		symbols = append(symbols, p.Symbol)
	}
	m.mu.Unlock()

	if len(symbols) > 0 {
		if err := m.subscriber.Subscribe(symbols); err != nil {
			m.logger.Warn("resubscribe after boot failed, feed will retry", "error", err)
		}
		m.logger.Info("rehydrated positions", "count", len(symbols))
	}
	return nil
}

// Open places a market open order and commits the resulting position.
// Replays of a known request id return the original outcome without
// touching the exchange.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*types.Position, error) {
	if cached, ok := m.replay(p.RequestID); ok {
		m.logger.Info("replayed open request", "request_id", p.RequestID, "symbol", p.Symbol)
		return cached.pos, cached.err
	}

	unlock := m.lockSymbol(p.Symbol)
	defer unlock()

	// Re-check under the lock: a concurrent duplicate may have finished.
	if cached, ok := m.replay(p.RequestID); ok {
		return cached.pos, cached.err
	}

	pos, err := m.openLocked(ctx, p)
	m.remember(p.RequestID, pos, err)
	return pos, err
}

func (m *Manager) openLocked(ctx context.Context, p OpenParams) (*types.Position, error) {
	m.mu.Lock()
	existing, has := m.positions[p.Symbol]
	m.mu.Unlock()
	if has {
		if existing.Status == types.StatusReconciling {
			return nil, fmt.Errorf("%s is reconciling, opens blocked until resolved", p.Symbol)
		}
		return nil, fmt.Errorf("position already open on %s", p.Symbol)
	}

	spec, err := m.instruments.Spec(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	mark, err := m.referencePrice(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	if p.EntryCap != nil {
		if err := checkEntryCap(p.Direction, mark.Price, *p.EntryCap, p.CapSlippage); err != nil {
			return nil, err
		}
	}

	contracts, err := sizingContracts(spec, p, mark.Price)
	if err != nil {
		return nil, err
	}

	if err := m.ensureLeverage(ctx, p.Symbol, p.Leverage); err != nil {
		return nil, err
	}

	res, err := m.adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Direction.OpenSide(),
		PosSide:       p.Direction,
		SizeContracts: contracts,
		ClientOrderID: p.RequestID,
	})
	if err != nil {
		if errors.Is(err, types.ErrAdapterTimeout) {
			return nil, m.parkReconciling(p, spec, contracts, mark.Price)
		}
		return nil, err
	}
	if res.FilledSize == 0 {
		return nil, fmt.Errorf("open order %s not filled (status %s)", res.OrderID, res.Status)
	}

	qty := res.FilledSize
	if p.Direction == types.Short {
		qty = -qty
	}
	pos := &types.Position{
		Symbol:               p.Symbol,
		PositionID:           res.OrderID,
		Direction:            p.Direction,
		EntryPrice:           res.AvgFillPrice,
		Quantity:             qty,
		Leverage:             p.Leverage,
		EntryTime:            time.Now().UTC(),
		ContractSize:         spec.ContractSize,
		Rules:                p.Rules,
		HighWatermark:        res.AvgFillPrice,
		LowWatermark:         res.AvgFillPrice,
		LadderClosedFraction: decimal.Zero,
		Status:               types.StatusOpen,
	}

	if err := m.store.Upsert(pos); err != nil {
		// The exchange holds a position the store does not know about.
		// Park it for reconciliation rather than losing track of it.
		m.logger.Error("store commit failed after fill", "symbol", p.Symbol, "error", err)
		pos.Status = types.StatusReconciling
		m.commit(pos)
		return nil, err
	}
	m.commit(pos)

	if err := m.subscriber.Subscribe([]string{p.Symbol}); err != nil {
		m.logger.Warn("price subscribe failed, monitor will use REST fallback", "symbol", p.Symbol, "error", err)
	}
	m.gates.RecordOpen(p.Symbol, pos.EntryTime)

	m.logger.Info("position opened",
		"symbol", p.Symbol, "direction", p.Direction, "contracts", contracts,
		"entry", pos.EntryPrice, "leverage", p.Leverage, "order_id", res.OrderID)
	return snapshot(pos), nil
}

// parkReconciling records an ambiguous open so the monitor can resolve it
// against GetPositions. Opens on the symbol stay blocked meanwhile.
func (m *Manager) parkReconciling(p OpenParams, spec types.ContractSpec, contracts int64, refPrice decimal.Decimal) error {
	qty := contracts
	if p.Direction == types.Short {
		qty = -qty
	}
	pos := &types.Position{
		Symbol:               p.Symbol,
		PositionID:           "pending-" + p.RequestID,
		Direction:            p.Direction,
		EntryPrice:           refPrice,
		Quantity:             qty,
		Leverage:             p.Leverage,
		EntryTime:            time.Now().UTC(),
		ContractSize:         spec.ContractSize,
		Rules:                p.Rules,
		HighWatermark:        refPrice,
		LowWatermark:         refPrice,
		LadderClosedFraction: decimal.Zero,
		Status:               types.StatusReconciling,
	}
	if err := m.store.Upsert(pos); err != nil {
		m.logger.Error("failed to persist reconciling position", "symbol", p.Symbol, "error", err)
	}
	m.commit(pos)
	m.logger.Warn("open timed out, symbol parked for reconciliation", "symbol", p.Symbol)
	return fmt.Errorf("%w: open %s, outcome unknown", types.ErrAdapterTimeout, p.Symbol)
}

// Close fully closes the position on symbol with a reduce-only market order.
func (m *Manager) Close(ctx context.Context, symbol string, reason types.CloseReason) (*types.Position, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()
	return m.closeLocked(ctx, symbol, reason)
}

func (m *Manager) closeLocked(ctx context.Context, symbol string, reason types.CloseReason) (*types.Position, error) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	recent := m.recentCloses[symbol]
	m.mu.Unlock()
	if !ok {
		// A concurrent close that lost the race is not an error: exactly
		// one reducing order was placed and the symbol is flat.
		if recent != nil {
			m.logger.Info("close raced, already closing", "symbol", symbol)
			return snapshot(recent), nil
		}
		return nil, fmt.Errorf("%w: %s", types.ErrNoSuchPosition, symbol)
	}
	if pos.Status == types.StatusReconciling {
		return nil, fmt.Errorf("%s is reconciling, close blocked until resolved", symbol)
	}

	res, err := m.adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Direction.CloseSide(),
		PosSide:       pos.Direction,
		SizeContracts: pos.AbsQuantity(),
		ClientOrderID: "cl" + strconv.FormatInt(time.Now().UnixNano(), 36),
		ReduceOnly:    true,
	})
	if err != nil {
		if errors.Is(err, types.ErrAdapterTimeout) {
			m.markReconciling(pos)
			return nil, fmt.Errorf("%w: close %s, outcome unknown", types.ErrAdapterTimeout, symbol)
		}
		return nil, err
	}
	if res.FilledSize < pos.AbsQuantity() {
		m.logger.Warn("close underfilled, reconciling",
			"symbol", symbol, "wanted", pos.AbsQuantity(), "filled", res.FilledSize)
		m.markReconciling(pos)
		return nil, fmt.Errorf("close %s underfilled (%d/%d)", symbol, res.FilledSize, pos.AbsQuantity())
	}

	exit := res.AvgFillPrice
	now := time.Now().UTC()
	realized := realizedPnL(pos.Direction, pos.EntryPrice, exit, pos.AbsQuantity(), pos.ContractSize)
	total := pos.RealizedPnL.Add(realized) // includes earlier ladder reductions
	pnlPct := pos.UnleveragedPnLPct(exit)

	if err := m.store.RecordClose(symbol, exit, now, total, pnlPct, reason); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.positions, symbol)
	m.mu.Unlock()

	if err := m.subscriber.Unsubscribe([]string{symbol}); err != nil {
		m.logger.Warn("price unsubscribe failed", "symbol", symbol, "error", err)
	}
	m.gates.RecordRealized(realized, now)

	closed := snapshot(pos)
	closed.Status = types.StatusClosed
	closed.ExitPrice = exit
	closed.ExitTime = now
	closed.RealizedPnL = total
	closed.PnLPct = pnlPct
	closed.Quantity = 0

	m.mu.Lock()
	m.recentCloses[symbol] = closed
	m.mu.Unlock()

	m.logger.Info("position closed",
		"symbol", symbol, "reason", reason, "exit", exit,
		"realized_pnl", total, "pnl_pct", pnlPct)
	return closed, nil
}

// PartialClose reduces the position by fraction of its REMAINING quantity
// after a ladder tier fires. The reduction is floor(remaining × fraction)
// but at least one contract; a reduction that would consume the whole
// position becomes a take-profit close.
func (m *Manager) PartialClose(ctx context.Context, symbol string, fraction decimal.Decimal, newTier int) (*types.Position, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoSuchPosition, symbol)
	}
	if pos.Status == types.StatusReconciling {
		return nil, fmt.Errorf("%s is reconciling, partial close blocked", symbol)
	}

	// floor(remaining × fraction), but never less than one contract.
	remaining := pos.AbsQuantity()
	contracts := decimal.NewFromInt(remaining).Mul(fraction).IntPart()
	if contracts < 1 {
		contracts = 1
	}
	if contracts >= remaining {
		return m.closeLocked(ctx, symbol, types.ReasonTakeProfit)
	}

	res, err := m.adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Direction.CloseSide(),
		PosSide:       pos.Direction,
		SizeContracts: contracts,
		ClientOrderID: "lp" + strconv.FormatInt(time.Now().UnixNano(), 36),
		ReduceOnly:    true,
	})
	if err != nil {
		if errors.Is(err, types.ErrAdapterTimeout) {
			m.markReconciling(pos)
			return nil, fmt.Errorf("%w: partial close %s, outcome unknown", types.ErrAdapterTimeout, symbol)
		}
		return nil, err
	}

	filled := res.FilledSize
	if filled > remaining {
		filled = remaining
	}
	realized := realizedPnL(pos.Direction, pos.EntryPrice, res.AvgFillPrice, filled, pos.ContractSize)

	next := snapshot(pos)
	if pos.Direction == types.Short {
		next.Quantity = pos.Quantity + filled
	} else {
		next.Quantity = pos.Quantity - filled
	}
	next.LadderTierHit = newTier
	next.LadderClosedFraction = pos.LadderClosedFraction.Add(fraction)
	next.RealizedPnL = pos.RealizedPnL.Add(realized)

	if next.Quantity == 0 {
		// Fill consumed everything after truncation rounding.
		now := time.Now().UTC()
		pnlPct := pos.UnleveragedPnLPct(res.AvgFillPrice)
		if err := m.store.RecordClose(symbol, res.AvgFillPrice, now, next.RealizedPnL, pnlPct, types.ReasonTakeProfit); err != nil {
			return nil, err
		}
		m.mu.Lock()
		delete(m.positions, symbol)
		m.mu.Unlock()
		if err := m.subscriber.Unsubscribe([]string{symbol}); err != nil {
			m.logger.Warn("price unsubscribe failed", "symbol", symbol, "error", err)
		}
		m.gates.RecordRealized(realized, now)
		next.Status = types.StatusClosed
		next.ExitPrice = res.AvgFillPrice
		next.ExitTime = now
		next.PnLPct = pnlPct
		return next, nil
	}

	if err := m.store.Upsert(next); err != nil {
		return nil, err
	}
	m.commit(next)
	m.gates.RecordRealized(realized, time.Now().UTC())

	m.logger.Info("ladder reduction executed",
		"symbol", symbol, "tier", newTier, "contracts", filled,
		"remaining", next.AbsQuantity(), "realized", realized)
	return snapshot(next), nil
}

// Modify updates the exit rules of an open position. Nil fields in the
// update are left unchanged.
func (m *Manager) Modify(ctx context.Context, symbol string, upd RuleUpdate) (*types.Position, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoSuchPosition, symbol)
	}

	next := snapshot(pos)
	if upd.TakeProfitPct != nil {
		next.Rules.TakeProfitPct = *upd.TakeProfitPct
	}
	if upd.StopLossPct != nil {
		next.Rules.StopLossPct = *upd.StopLossPct
	}
	if upd.TrailingEnabled != nil {
		next.Rules.TrailingEnabled = *upd.TrailingEnabled
	}
	if upd.TrailingDistance != nil {
		next.Rules.TrailingDistance = *upd.TrailingDistance
	}
	if upd.Ladder != nil {
		next.Rules.Ladder = *upd.Ladder
	}

	if err := m.store.Upsert(next); err != nil {
		return nil, err
	}
	m.commit(next)

	m.logger.Info("position rules modified", "symbol", symbol)
	return snapshot(next), nil
}

// CloseAll closes every open position concurrently. Per-symbol failures do
// not stop the sweep; the aggregated error joins them.
func (m *Manager) CloseAll(ctx context.Context, reason types.CloseReason) ([]*types.Position, error) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()

	var (
		outMu  sync.Mutex
		closed []*types.Position
		errs   []error
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			p, err := m.Close(gctx, symbol, reason)
			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
				return nil // keep sweeping
			}
			closed = append(closed, p)
			return nil
		})
	}
	g.Wait()

	return closed, errors.Join(errs...)
}

// UpdateWatermarks advances the favorable-extreme watermarks from a fresh
// tick. Persisted so trailing state survives a restart.
func (m *Manager) UpdateWatermarks(symbol string, price decimal.Decimal) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok || pos.Status != types.StatusOpen {
		return
	}

	next := snapshot(pos)
	changed := false
	if price.GreaterThan(next.HighWatermark) {
		next.HighWatermark = price
		changed = true
	}
	if next.LowWatermark.Sign() <= 0 || price.LessThan(next.LowWatermark) {
		next.LowWatermark = price
		changed = true
	}
	if !changed {
		return
	}
	if err := m.store.Upsert(next); err != nil {
		m.logger.Warn("watermark persist failed", "symbol", symbol, "error", err)
	}
	m.commit(next)
}

// Reconcile resolves every reconciling symbol against the exchange's view.
// A position the exchange confirms is adopted as open; one it does not know
// is dropped as never-filled.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	var pending []string
	for s, p := range m.positions {
		if p.Status == types.StatusReconciling {
			pending = append(pending, s)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	exchPositions, err := m.adapter.GetPositions(ctx)
	if err != nil {
		m.logger.Warn("reconciliation poll failed", "error", err)
		return
	}
	bySymbol := make(map[string]types.ExchangePosition, len(exchPositions))
	for _, ep := range exchPositions {
		bySymbol[ep.Symbol] = ep
	}

	for _, symbol := range pending {
		unlock := m.lockSymbol(symbol)
		m.mu.Lock()
		pos, ok := m.positions[symbol]
		m.mu.Unlock()
		if !ok || pos.Status != types.StatusReconciling {
			unlock()
			continue
		}

		if ep, held := bySymbol[symbol]; held {
			next := snapshot(pos)
			next.Quantity = ep.Quantity.IntPart()
			if ep.AvgPrice.Sign() > 0 {
				next.EntryPrice = ep.AvgPrice
				next.HighWatermark = ep.AvgPrice
				next.LowWatermark = ep.AvgPrice
			}
			next.Status = types.StatusOpen
			if err := m.store.Upsert(next); err != nil {
				m.logger.Error("reconcile persist failed", "symbol", symbol, "error", err)
				unlock()
				continue
			}
			m.commit(next)
			delete(m.reconcileTries, symbol)
			if err := m.subscriber.Subscribe([]string{symbol}); err != nil {
				m.logger.Warn("price subscribe failed", "symbol", symbol, "error", err)
			}
			m.logger.Info("reconciled: exchange confirms position",
				"symbol", symbol, "quantity", next.Quantity, "entry", next.EntryPrice)
			unlock()
			continue
		}

		// Exchange shows nothing. Bounded retries cover a fill that has
		// not propagated to the positions endpoint yet.
		m.reconcileTries[symbol]++
		if m.reconcileTries[symbol] < maxReconcileTries {
			unlock()
			continue
		}
		delete(m.reconcileTries, symbol)

		if strings.HasPrefix(pos.PositionID, "pending-") {
			// Never filled: the open is abandoned, no history row.
			if err := m.store.Delete(symbol); err != nil {
				m.logger.Error("abandon persist failed", "symbol", symbol, "error", err)
				unlock()
				continue
			}
			m.mu.Lock()
			delete(m.positions, symbol)
			m.mu.Unlock()
			m.logger.Info("reconciled: open never filled, abandoned", "symbol", symbol)
			unlock()
			continue
		}

		// The close that timed out did land; exact exit fill is unknown,
		// so record the close at the last known price with zero PnL.
		now := time.Now().UTC()
		if err := m.store.RecordClose(symbol, pos.EntryPrice, now, pos.RealizedPnL, decimal.Zero, types.ReasonForced); err != nil {
			m.logger.Error("reconcile close persist failed", "symbol", symbol, "error", err)
			unlock()
			continue
		}
		m.mu.Lock()
		delete(m.positions, symbol)
		m.mu.Unlock()
		m.logger.Info("reconciled: exchange shows no position, recorded close", "symbol", symbol)
		unlock()
	}
}

// Get returns a copy of the position on symbol.
func (m *Manager) Get(symbol string) (*types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, false
	}
	return snapshot(p), true
}

// Snapshot returns copies of all tracked positions.
func (m *Manager) Snapshot() []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, snapshot(p))
	}
	return out
}

// OpenCount returns the number of tracked (open or reconciling) positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *Manager) markReconciling(pos *types.Position) {
	next := snapshot(pos)
	next.Status = types.StatusReconciling
	if err := m.store.Upsert(next); err != nil {
		m.logger.Error("failed to persist reconciling state", "symbol", next.Symbol, "error", err)
	}
	m.commit(next)
}

func (m *Manager) commit(pos *types.Position) {
	m.mu.Lock()
	m.positions[pos.Symbol] = pos
	m.mu.Unlock()
}

func (m *Manager) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	current, ok := m.leveraged[symbol]
	m.mu.Unlock()
	if ok && current == leverage {
		return nil
	}
	if err := m.adapter.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	m.mu.Lock()
	m.leveraged[symbol] = leverage
	m.mu.Unlock()
	return nil
}

// referencePrice prefers a fresh cached tick and falls back to REST when the
// feed has not warmed up for the symbol yet.
func (m *Manager) referencePrice(ctx context.Context, symbol string) (types.MarkPrice, error) {
	if mp, ok := m.prices.GetFresh(symbol, m.maxPriceAge, time.Now()); ok {
		return mp, nil
	}
	mp, err := m.adapter.GetMarkPrice(ctx, symbol)
	if err != nil {
		return types.MarkPrice{}, err
	}
	m.prices.Update(mp.Symbol, mp.Price, mp.Timestamp)
	return mp, nil
}

func (m *Manager) replay(requestID string) (replayResult, bool) {
	if requestID == "" {
		return replayResult{}, false
	}
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	r, ok := m.replays[requestID]
	if ok && r.pos != nil {
		// Each replayed caller gets its own copy, never the cached pointer.
		r.pos = snapshot(r.pos)
	}
	return r, ok
}

func (m *Manager) remember(requestID string, pos *types.Position, err error) {
	if requestID == "" {
		return
	}
	m.replayMu.Lock()
	defer m.replayMu.Unlock()

	// Prune entries older than a day so the map stays bounded.
	cutoff := time.Now().Add(-24 * time.Hour)
	for id, r := range m.replays {
		if r.at.Before(cutoff) {
			delete(m.replays, id)
		}
	}
	m.replays[requestID] = replayResult{pos: pos, err: err, at: time.Now()}
}

func sizingContracts(spec types.ContractSpec, p OpenParams, refPrice decimal.Decimal) (int64, error) {
	return sizing.Contracts(spec, p.Quantity, p.Unit, refPrice, p.RoundUpToMin)
}

// snapshot copies a position so callers never share the tracked pointer.
func snapshot(p *types.Position) *types.Position {
	c := *p
	return &c
}

func checkEntryCap(dir types.Direction, mark, capPrice, slippage decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	switch dir {
	case types.Long:
		limit := capPrice.Mul(one.Add(slippage))
		if mark.GreaterThan(limit) {
			return fmt.Errorf("%w: mark %s above entry cap %s", types.ErrInvalidSignal, mark, limit)
		}
	case types.Short:
		limit := capPrice.Mul(one.Sub(slippage))
		if mark.LessThan(limit) {
			return fmt.Errorf("%w: mark %s below entry cap %s", types.ErrInvalidSignal, mark, limit)
		}
	}
	return nil
}

func realizedPnL(dir types.Direction, entry, exit decimal.Decimal, contracts int64, contractSize decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).
		Mul(dir.Sign()).
		Mul(decimal.NewFromInt(contracts)).
		Mul(contractSize)
}
