package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/database"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

// Postgres is the shared journal for multi-host deployments
type Postgres struct {
	db     *database.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewPostgres migrates the journal tables on db
func NewPostgres(ctx context.Context, db *database.DB, logger zerolog.Logger) (*Postgres, error) {
	if err := db.RunMigrations(ctx, PostgresMigrations); err != nil {
		return nil, fmt.Errorf("journal migrations: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: logger.With().Str("component", "Journal").Str("backend", "postgres").Logger(),
		now:    time.Now,
	}, nil
}

func (j *Postgres) exec(ctx context.Context, what, query string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := j.db.Pool.Exec(ctx, query, args...); err != nil {
		j.logger.Warn().Err(err).Str("record", what).Msg("Journal write failed")
	}
}

func (j *Postgres) RecordExecution(ctx context.Context, event string, res *execution.OrderResult) {
	if res == nil {
		return
	}
	e := executionEvent(event, res, j.now())
	j.exec(ctx, "execution", `
		INSERT INTO execution_events
		(at, event, symbol, side, ok, reason, order_id, qty, vwap, amount, fee, rate_limited, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.At, e.Event, e.Symbol, e.Side, e.OK, e.Reason, e.OrderID,
		e.Qty, e.VWAP, e.Amount, e.Fee, e.RateLimited, e.Detail,
	)
}

func (j *Postgres) RecordShadow(ctx context.Context, sig execution.Signal, decision, reason string) {
	s := shadowEntry(sig, decision, reason, j.now())
	j.exec(ctx, "shadow", `
		INSERT INTO shadow_entries
		(at, symbol, timeframe, candle_timestamp, target_notional, decision, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.At, s.Symbol, s.Timeframe, s.CandleTimestamp, s.TargetNotional, s.Decision, s.Reason,
	)
}

func (j *Postgres) RecordTransition(ctx context.Context, t position.Transition) {
	at := t.At
	if at.IsZero() {
		at = j.now()
	}
	j.exec(ctx, "transition", `
		INSERT INTO state_transitions
		(at, from_state, to_state, reason, symbol, position_qty)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		at, string(t.From), string(t.To), t.Reason, t.Symbol, t.PositionQty,
	)
}

func (j *Postgres) RecentExecutions(ctx context.Context, limit int) ([]ExecutionEvent, error) {
	rows, err := j.db.Pool.Query(ctx, `
		SELECT id, at, event, symbol, side, ok, reason, order_id, qty, vwap, amount, fee, rate_limited, COALESCE(detail::text, '')
		FROM execution_events ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionEvent
	for rows.Next() {
		var e ExecutionEvent
		if err := rows.Scan(&e.ID, &e.At, &e.Event, &e.Symbol, &e.Side, &e.OK, &e.Reason, &e.OrderID,
			&e.Qty, &e.VWAP, &e.Amount, &e.Fee, &e.RateLimited, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Postgres) RecentShadow(ctx context.Context, limit int) ([]ShadowEntry, error) {
	rows, err := j.db.Pool.Query(ctx, `
		SELECT id, at, symbol, timeframe, candle_timestamp, target_notional, decision, reason
		FROM shadow_entries ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShadowEntry
	for rows.Next() {
		var s ShadowEntry
		if err := rows.Scan(&s.ID, &s.At, &s.Symbol, &s.Timeframe, &s.CandleTimestamp, &s.TargetNotional, &s.Decision, &s.Reason); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *Postgres) RecentTransitions(ctx context.Context, limit int) ([]position.Transition, error) {
	rows, err := j.db.Pool.Query(ctx, `
		SELECT at, from_state, to_state, reason, symbol, position_qty
		FROM state_transitions ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []position.Transition
	for rows.Next() {
		var t position.Transition
		var from, to string
		if err := rows.Scan(&t.At, &from, &to, &t.Reason, &t.Symbol, &t.PositionQty); err != nil {
			return nil, err
		}
		t.From, t.To = position.State(from), position.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close leaves the shared pool open; its owner closes it
func (j *Postgres) Close() error {
	return nil
}
