package execution

import (
	"errors"
	"fmt"
	"strings"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/idempotency"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is the execution contract produced by the strategy
type Signal struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	TargetNotional  float64 `json:"target_notional"`
	Timeframe       string  `json:"timeframe"`
	CandleTimestamp int64   `json:"candle_timestamp"`
	Score           float64 `json:"score,omitempty"`

	// Optional gating hints. Zero means "derive from the live book" for spread
	// and depth, and "no constraint" for chase.
	SpreadBP            float64 `json:"spread_bp,omitempty"`
	AskDepthSum         float64 `json:"ask_depth_sum,omitempty"`
	ChasePct            float64 `json:"chase_pct,omitempty"`
	MaxEntrySlippagePct float64 `json:"max_entry_slippage_pct,omitempty"`
	VolumeRatio         float64 `json:"volume_ratio,omitempty"`
}

// Normalize rewrites symbol and timeframe in canonical form, so every
// spelling of one market and candle maps to the same idempotency key, and
// defaults an empty side to buy.
func (s *Signal) Normalize() {
	s.Symbol = exchange.NormalizeSymbol(s.Symbol)
	s.Timeframe = idempotency.CanonicalTimeframe(s.Timeframe)
	s.Side = strings.ToLower(strings.TrimSpace(s.Side))
	if s.Side == "" {
		s.Side = string(exchange.SideBuy)
	}
}

// Validate rejects malformed signals before any side effect
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	side, ok := exchange.ParseSide(s.Side)
	if !ok {
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	}
	if side == exchange.SideBuy && !(s.TargetNotional > 0) {
		return fmt.Errorf("%w: target_notional must be positive, got %v", ErrInvalidSignal, s.TargetNotional)
	}
	if s.Timeframe == "" {
		return fmt.Errorf("%w: missing timeframe", ErrInvalidSignal)
	}
	if _, err := idempotency.TimeframeSeconds(s.Timeframe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if s.CandleTimestamp <= 0 {
		return fmt.Errorf("%w: candle_timestamp must be positive", ErrInvalidSignal)
	}
	return nil
}
