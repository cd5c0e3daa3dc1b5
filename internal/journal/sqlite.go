package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

// SQLite is the single-host journal
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLite opens (creating if needed) the journal at path
func NewSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLite{
		db:     db,
		logger: logger.With().Str("component", "Journal").Str("backend", "sqlite").Logger(),
		now:    time.Now,
	}, nil
}

func (j *SQLite) exec(ctx context.Context, what, query string, args ...interface{}) {
	if _, err := j.db.ExecContext(context.WithoutCancel(ctx), query, args...); err != nil {
		j.logger.Warn().Err(err).Str("record", what).Msg("Journal write failed")
	}
}

func (j *SQLite) RecordExecution(ctx context.Context, event string, res *execution.OrderResult) {
	if res == nil {
		return
	}
	e := executionEvent(event, res, j.now())
	j.exec(ctx, "execution", `
		INSERT INTO execution_events
		(at_ms, event, symbol, side, ok, reason, order_id, qty, vwap, amount, fee, rate_limited, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Event, e.Symbol, e.Side, e.OK, e.Reason, e.OrderID,
		e.Qty, e.VWAP, e.Amount, e.Fee, e.RateLimited, e.Detail,
	)
}

func (j *SQLite) RecordShadow(ctx context.Context, sig execution.Signal, decision, reason string) {
	s := shadowEntry(sig, decision, reason, j.now())
	j.exec(ctx, "shadow", `
		INSERT INTO shadow_entries
		(at_ms, symbol, timeframe, candle_timestamp, target_notional, decision, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.At.UnixMilli(), s.Symbol, s.Timeframe, s.CandleTimestamp, s.TargetNotional, s.Decision, s.Reason,
	)
}

func (j *SQLite) RecordTransition(ctx context.Context, t position.Transition) {
	at := t.At
	if at.IsZero() {
		at = j.now()
	}
	j.exec(ctx, "transition", `
		INSERT INTO state_transitions
		(at_ms, from_state, to_state, reason, symbol, position_qty)
		VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), string(t.From), string(t.To), t.Reason, t.Symbol, t.PositionQty,
	)
}

// RecentExecutions returns the newest events first
func (j *SQLite) RecentExecutions(ctx context.Context, limit int) ([]ExecutionEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ms, event, symbol, side, ok, reason, order_id, qty, vwap, amount, fee, rate_limited, detail
		FROM execution_events ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionEvent
	for rows.Next() {
		var e ExecutionEvent
		var atMs int64
		if err := rows.Scan(&e.ID, &atMs, &e.Event, &e.Symbol, &e.Side, &e.OK, &e.Reason, &e.OrderID,
			&e.Qty, &e.VWAP, &e.Amount, &e.Fee, &e.RateLimited, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentShadow returns the newest gate decisions first
func (j *SQLite) RecentShadow(ctx context.Context, limit int) ([]ShadowEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ms, symbol, timeframe, candle_timestamp, target_notional, decision, reason
		FROM shadow_entries ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShadowEntry
	for rows.Next() {
		var s ShadowEntry
		var atMs int64
		if err := rows.Scan(&s.ID, &atMs, &s.Symbol, &s.Timeframe, &s.CandleTimestamp, &s.TargetNotional, &s.Decision, &s.Reason); err != nil {
			return nil, err
		}
		s.At = time.UnixMilli(atMs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentTransitions returns the newest transitions first
func (j *SQLite) RecentTransitions(ctx context.Context, limit int) ([]position.Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT at_ms, from_state, to_state, reason, symbol, position_qty
		FROM state_transitions ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []position.Transition
	for rows.Next() {
		var t position.Transition
		var atMs int64
		var from, to string
		if err := rows.Scan(&atMs, &from, &to, &t.Reason, &t.Symbol, &t.PositionQty); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(atMs)
		t.From, t.To = position.State(from), position.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
