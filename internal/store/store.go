// Package store provides crash-safe position persistence on a single-file
// sqlite database.
//
// Two logical tables back the position lifecycle:
//
//	positions_open    — current rows, keyed by symbol (one non-closed
//	                    position per symbol by construction)
//	positions_history — append-only closed rows, keyed by (symbol, position_id)
//
// Upsert commits before the position manager acknowledges a signal, so a
// crash between the exchange fill and the acknowledgement is recoverable by
// LoadOpen at boot. Monetary values are stored as TEXT to preserve decimal
// exactness end to end.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"perp-executor/pkg/types"
)

// Store persists positions to a sqlite file. Writers to the same symbol are
// serialized by the caller (per-symbol locks); the internal mutex only
// guards the connection against concurrent multi-statement transactions.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// DailyRollup aggregates one UTC day of closed positions.
type DailyRollup struct {
	RealizedPnL decimal.Decimal
	ClosedCount int
	Wins        int
	Losses      int
}

// Open creates (or opens) the store at the given path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions_open (
		symbol                 TEXT PRIMARY KEY,
		position_id            TEXT NOT NULL,
		direction              TEXT NOT NULL,
		entry_price            TEXT NOT NULL,
		quantity               INTEGER NOT NULL,
		leverage               INTEGER NOT NULL,
		entry_ts               INTEGER NOT NULL,
		contract_size          TEXT NOT NULL,
		take_profit_pct        TEXT NOT NULL,
		stop_loss_pct          TEXT NOT NULL,
		trailing_enabled       INTEGER NOT NULL,
		trailing_distance      TEXT NOT NULL,
		trailing_arm_pct       TEXT NOT NULL,
		ladder_enabled         INTEGER NOT NULL,
		ladder_step_pct        TEXT NOT NULL,
		ladder_close_pct       TEXT NOT NULL,
		max_hold_seconds       INTEGER NOT NULL,
		high_watermark         TEXT NOT NULL,
		low_watermark          TEXT NOT NULL,
		ladder_tier_hit        INTEGER NOT NULL,
		ladder_closed_fraction TEXT NOT NULL,
		status                 TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions_history (
		symbol                 TEXT NOT NULL,
		position_id            TEXT NOT NULL,
		direction              TEXT NOT NULL,
		entry_price            TEXT NOT NULL,
		quantity               INTEGER NOT NULL,
		leverage               INTEGER NOT NULL,
		entry_ts               INTEGER NOT NULL,
		contract_size          TEXT NOT NULL,
		exit_price             TEXT NOT NULL,
		exit_ts                INTEGER NOT NULL,
		realized_pnl           TEXT NOT NULL,
		pnl_pct                TEXT NOT NULL,
		close_reason           TEXT NOT NULL,
		PRIMARY KEY (symbol, position_id, exit_ts)
	);

	CREATE INDEX IF NOT EXISTS idx_history_exit_ts
		ON positions_history (exit_ts DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", types.ErrStoreFailed, err)
	}
	return nil
}

// Upsert atomically writes the full open-position record for its symbol.
// Durable once it returns: the caller may then commit the in-memory state.
func (s *Store) Upsert(p *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO positions_open (
			symbol, position_id, direction, entry_price, quantity, leverage,
			entry_ts, contract_size, take_profit_pct, stop_loss_pct,
			trailing_enabled, trailing_distance, trailing_arm_pct,
			ladder_enabled, ladder_step_pct, ladder_close_pct, max_hold_seconds,
			high_watermark, low_watermark, ladder_tier_hit,
			ladder_closed_fraction, status
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			position_id=excluded.position_id,
			direction=excluded.direction,
			entry_price=excluded.entry_price,
			quantity=excluded.quantity,
			leverage=excluded.leverage,
			entry_ts=excluded.entry_ts,
			contract_size=excluded.contract_size,
			take_profit_pct=excluded.take_profit_pct,
			stop_loss_pct=excluded.stop_loss_pct,
			trailing_enabled=excluded.trailing_enabled,
			trailing_distance=excluded.trailing_distance,
			trailing_arm_pct=excluded.trailing_arm_pct,
			ladder_enabled=excluded.ladder_enabled,
			ladder_step_pct=excluded.ladder_step_pct,
			ladder_close_pct=excluded.ladder_close_pct,
			max_hold_seconds=excluded.max_hold_seconds,
			high_watermark=excluded.high_watermark,
			low_watermark=excluded.low_watermark,
			ladder_tier_hit=excluded.ladder_tier_hit,
			ladder_closed_fraction=excluded.ladder_closed_fraction,
			status=excluded.status`,
		p.Symbol, p.PositionID, string(p.Direction), p.EntryPrice.String(),
		p.Quantity, p.Leverage, p.EntryTime.UnixMilli(), p.ContractSize.String(),
		p.Rules.TakeProfitPct.String(), p.Rules.StopLossPct.String(),
		boolInt(p.Rules.TrailingEnabled), p.Rules.TrailingDistance.String(),
		p.Rules.TrailingArmPct.String(),
		boolInt(p.Rules.Ladder.Enabled), p.Rules.Ladder.StepPct.String(),
		p.Rules.Ladder.ClosePct.String(), p.Rules.MaxHoldSeconds,
		p.HighWatermark.String(), p.LowWatermark.String(), p.LadderTierHit,
		p.LadderClosedFraction.String(), string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", types.ErrStoreFailed, p.Symbol, err)
	}
	return nil
}

// LoadOpen returns every non-closed position, used at boot to rehydrate the
// position manager.
func (s *Store) LoadOpen() ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT symbol, position_id, direction, entry_price, quantity, leverage,
			entry_ts, contract_size, take_profit_pct, stop_loss_pct,
			trailing_enabled, trailing_distance, trailing_arm_pct,
			ladder_enabled, ladder_step_pct, ladder_close_pct, max_hold_seconds,
			high_watermark, low_watermark, ladder_tier_hit,
			ladder_closed_fraction, status
		FROM positions_open`)
	if err != nil {
		return nil, fmt.Errorf("%w: load open: %v", types.ErrStoreFailed, err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanOpen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordClose finalizes the row for symbol: moves it from positions_open to
// positions_history with its terminal fields, in one transaction.
func (s *Store) RecordClose(symbol string, exitPrice decimal.Decimal, exitTS time.Time, realizedPnL, pnlPct decimal.Decimal, reason types.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin close %s: %v", types.ErrStoreFailed, symbol, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO positions_history (
			symbol, position_id, direction, entry_price, quantity, leverage,
			entry_ts, contract_size, exit_price, exit_ts, realized_pnl,
			pnl_pct, close_reason
		)
		SELECT symbol, position_id, direction, entry_price, quantity, leverage,
			entry_ts, contract_size, ?, ?, ?, ?, ?
		FROM positions_open WHERE symbol = ?`,
		exitPrice.String(), exitTS.UnixMilli(), realizedPnL.String(),
		pnlPct.String(), string(reason), symbol,
	)
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", types.ErrStoreFailed, symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", types.ErrNoSuchPosition, symbol)
	}

	if _, err := tx.Exec(`DELETE FROM positions_open WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("%w: close %s: %v", types.ErrStoreFailed, symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit close %s: %v", types.ErrStoreFailed, symbol, err)
	}
	return nil
}

// Delete removes an open row without writing history, used when a parked
// open turns out never to have filled.
func (s *Store) Delete(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM positions_open WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("%w: delete %s: %v", types.ErrStoreFailed, symbol, err)
	}
	return nil
}

// ClosedRow is one positions_history record.
type ClosedRow struct {
	Symbol      string
	PositionID  string
	Direction   types.Direction
	EntryPrice  decimal.Decimal
	Quantity    int64
	Leverage    int
	EntryTime   time.Time
	ExitPrice   decimal.Decimal
	ExitTime    time.Time
	RealizedPnL decimal.Decimal
	PnLPct      decimal.Decimal
	CloseReason types.CloseReason
}

// QueryHistory returns closed rows with exit_ts in [start, end), newest
// first, optionally filtered by symbol and bounded by limit.
func (s *Store) QueryHistory(symbol string, start, end time.Time, limit int) ([]ClosedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	q := `
		SELECT symbol, position_id, direction, entry_price, quantity, leverage,
			entry_ts, exit_price, exit_ts, realized_pnl, pnl_pct, close_reason
		FROM positions_history
		WHERE exit_ts >= ? AND exit_ts < ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY exit_ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", types.ErrStoreFailed, err)
	}
	defer rows.Close()

	var out []ClosedRow
	for rows.Next() {
		var (
			r                                  ClosedRow
			dir, entry, exit, pnl, pct, reason string
			entryMs, exitMs                    int64
		)
		if err := rows.Scan(&r.Symbol, &r.PositionID, &dir, &entry, &r.Quantity,
			&r.Leverage, &entryMs, &exit, &exitMs, &pnl, &pct, &reason); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", types.ErrStoreFailed, err)
		}
		r.Direction = types.Direction(dir)
		r.CloseReason = types.CloseReason(reason)
		r.EntryTime = time.UnixMilli(entryMs).UTC()
		r.ExitTime = time.UnixMilli(exitMs).UTC()
		if r.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("%w: bad entry_price %q: %v", types.ErrStoreFailed, entry, err)
		}
		if r.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, fmt.Errorf("%w: bad exit_price %q: %v", types.ErrStoreFailed, exit, err)
		}
		if r.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("%w: bad realized_pnl %q: %v", types.ErrStoreFailed, pnl, err)
		}
		if r.PnLPct, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("%w: bad pnl_pct %q: %v", types.ErrStoreFailed, pct, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rollup aggregates realized PnL and win/loss counts over rows whose exit_ts
// falls inside the UTC day containing date. Monotone once the day has closed:
// history rows are append-only and never rewritten.
func (s *Store) Rollup(date time.Time) (DailyRollup, error) {
	dayStart := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.QueryHistory("", dayStart, dayEnd, 1_000_000)
	if err != nil {
		return DailyRollup{}, err
	}

	roll := DailyRollup{RealizedPnL: decimal.Zero}
	for _, r := range rows {
		roll.RealizedPnL = roll.RealizedPnL.Add(r.RealizedPnL)
		roll.ClosedCount++
		switch {
		case r.RealizedPnL.Sign() > 0:
			roll.Wins++
		case r.RealizedPnL.Sign() < 0:
			roll.Losses++
		}
	}
	return roll, nil
}

// IsNotFound reports whether err is the missing-position error.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNoSuchPosition)
}

func scanOpen(rows *sql.Rows) (*types.Position, error) {
	var (
		p                                   types.Position
		dir, status                         string
		entry, cs, tp, sl, td, ta, lsp, lcp string
		hwm, lwm, lcf                       string
		trailing, ladder                    int
		entryMs                             int64
	)
	err := rows.Scan(&p.Symbol, &p.PositionID, &dir, &entry, &p.Quantity,
		&p.Leverage, &entryMs, &cs, &tp, &sl, &trailing, &td, &ta,
		&ladder, &lsp, &lcp, &p.Rules.MaxHoldSeconds,
		&hwm, &lwm, &p.LadderTierHit, &lcf, &status)
	if err != nil {
		return nil, fmt.Errorf("%w: scan open: %v", types.ErrStoreFailed, err)
	}

	p.Direction = types.Direction(dir)
	p.Status = types.PositionStatus(status)
	p.EntryTime = time.UnixMilli(entryMs).UTC()
	p.Rules.TrailingEnabled = trailing != 0
	p.Rules.Ladder.Enabled = ladder != 0

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.EntryPrice, entry}, {&p.ContractSize, cs},
		{&p.Rules.TakeProfitPct, tp}, {&p.Rules.StopLossPct, sl},
		{&p.Rules.TrailingDistance, td}, {&p.Rules.TrailingArmPct, ta},
		{&p.Rules.Ladder.StepPct, lsp}, {&p.Rules.Ladder.ClosePct, lcp},
		{&p.HighWatermark, hwm}, {&p.LowWatermark, lwm},
		{&p.LadderClosedFraction, lcf},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("%w: bad decimal %q: %v", types.ErrStoreFailed, f.src, err)
		}
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
