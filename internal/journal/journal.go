// Package journal keeps an append-only record of engine outcomes, entry gate
// decisions and position transitions, locally in SQLite or centrally in
// PostgreSQL. Journal writes never block trading: failures are logged and
// dropped.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

// ExecutionEvent is one row of execution_events
type ExecutionEvent struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Event       string    `json:"event"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	OK          bool      `json:"ok"`
	Reason      string    `json:"reason"`
	OrderID     string    `json:"order_id"`
	Qty         float64   `json:"qty"`
	VWAP        float64   `json:"vwap"`
	Amount      float64   `json:"amount"`
	Fee         float64   `json:"fee"`
	RateLimited bool      `json:"rate_limited"`
	Detail      string    `json:"detail"`
}

// ShadowEntry is one row of shadow_entries: an entry gate decision
type ShadowEntry struct {
	ID              int64     `json:"id"`
	At              time.Time `json:"at"`
	Symbol          string    `json:"symbol"`
	Timeframe       string    `json:"timeframe"`
	CandleTimestamp int64     `json:"candle_timestamp"`
	TargetNotional  float64   `json:"target_notional"`
	Decision        string    `json:"decision"`
	Reason          string    `json:"reason"`
}

// Journal is implemented by the SQLite and PostgreSQL backends
type Journal interface {
	execution.Recorder
	RecordTransition(ctx context.Context, t position.Transition)
	RecentExecutions(ctx context.Context, limit int) ([]ExecutionEvent, error)
	RecentShadow(ctx context.Context, limit int) ([]ShadowEntry, error)
	RecentTransitions(ctx context.Context, limit int) ([]position.Transition, error)
	Close() error
}

func executionEvent(event string, res *execution.OrderResult, at time.Time) ExecutionEvent {
	detail, _ := json.Marshal(res)
	return ExecutionEvent{
		At:          at,
		Event:       event,
		Symbol:      res.Symbol,
		Side:        res.Side,
		OK:          res.OK,
		Reason:      res.Reason,
		OrderID:     res.OrderID,
		Qty:         res.RealizedQty,
		VWAP:        res.RealizedVWAP,
		Amount:      res.Amount,
		Fee:         res.Fee,
		RateLimited: res.RateLimited,
		Detail:      string(detail),
	}
}

func shadowEntry(sig execution.Signal, decision, reason string, at time.Time) ShadowEntry {
	return ShadowEntry{
		At:              at,
		Symbol:          sig.Symbol,
		Timeframe:       sig.Timeframe,
		CandleTimestamp: sig.CandleTimestamp,
		TargetNotional:  sig.TargetNotional,
		Decision:        decision,
		Reason:          reason,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordExecution(context.Context, string, *execution.OrderResult)       {}
func (Nop) RecordShadow(context.Context, execution.Signal, string, string)        {}
func (Nop) RecordTransition(context.Context, position.Transition)                 {}
func (Nop) RecentExecutions(context.Context, int) ([]ExecutionEvent, error)       { return nil, nil }
func (Nop) RecentShadow(context.Context, int) ([]ShadowEntry, error)              { return nil, nil }
func (Nop) RecentTransitions(context.Context, int) ([]position.Transition, error) { return nil, nil }
func (Nop) Close() error                                                          { return nil }
