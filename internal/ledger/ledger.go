// Package ledger tracks the bot's capital cycle: a baseline seed, the latest
// mark-to-market equity and the peak-to-trough drawdown since the cycle began.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/exchange"
)

var (
	ErrInvalidSeed  = errors.New("seed must be positive")
	ErrResetBlocked = errors.New("reset blocked by open positions or orders")
)

// ClientSource exposes the exchange client currently in use
type ClientSource interface {
	Client() exchange.Client
}

// State is the accounting view of the current cycle
type State struct {
	Exchange           string    `json:"exchange"`
	BaselineSeed       float64   `json:"baseline_seed"`
	Equity             float64   `json:"equity"`
	PeakEquity         float64   `json:"peak_equity"`
	PnLCycle           float64   `json:"pnl_cycle"`
	ROIPct             float64   `json:"roi_pct"`
	WithdrawableProfit float64   `json:"withdrawable_profit"`
	MaxDrawdownPct     float64   `json:"max_drawdown_pct"`
	StartedAt          time.Time `json:"start_ts"`
}

// ExchangeLedger values the quote balance plus the held base of the active
// symbol at best bid.
type ExchangeLedger struct {
	exchangeName string
	quote        string
	clients      ClientSource
	symbol       func() string
	logger       zerolog.Logger

	mu          sync.RWMutex
	seed        float64
	equity      float64
	peak        float64
	maxDrawdown float64
	startedAt   time.Time
}

// NewExchangeLedger starts a cycle at seed. symbol reports the active
// position symbol ("" when flat).
func NewExchangeLedger(exchangeName, quote string, seed float64, clients ClientSource, symbol func() string, logger zerolog.Logger) (*ExchangeLedger, error) {
	if !(seed > 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidSeed, seed)
	}
	if symbol == nil {
		symbol = func() string { return "" }
	}
	return &ExchangeLedger{
		exchangeName: exchangeName,
		quote:        quote,
		clients:      clients,
		symbol:       symbol,
		logger:       logger.With().Str("component", "CapitalLedger").Str("exchange", exchangeName).Logger(),
		seed:         seed,
		equity:       seed,
		peak:         seed,
		startedAt:    time.Now(),
	}, nil
}

// Equity marks the account to market and updates peak and drawdown
func (l *ExchangeLedger) Equity(ctx context.Context) (float64, error) {
	client := l.clients.Client()
	balances, err := client.Balances(ctx)
	if err != nil {
		return 0, fmt.Errorf("balances: %w", err)
	}
	equity := balances[l.quote].Total()

	if sym := l.symbol(); sym != "" {
		if qty := balances[exchange.BaseAsset(sym)].Total(); qty > 0 {
			t, err := client.Ticker(ctx, sym)
			if err != nil {
				return 0, fmt.Errorf("ticker %s: %w", sym, err)
			}
			if t.Bid <= 0 {
				return 0, fmt.Errorf("ticker %s: no bid", sym)
			}
			equity += qty * t.Bid
		}
	}

	l.Update(equity)
	return equity, nil
}

// Update records an equity observation
func (l *ExchangeLedger) Update(equity float64) {
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.equity = equity
	if equity > l.peak {
		l.peak = equity
	}
	if l.peak > 0 {
		l.maxDrawdown = math.Max(l.maxDrawdown, (l.peak-equity)/l.peak)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// State returns the cycle accounting
func (l *ExchangeLedger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pnl := l.equity - l.seed
	return State{
		Exchange:           l.exchangeName,
		BaselineSeed:       l.seed,
		Equity:             l.equity,
		PeakEquity:         l.peak,
		PnLCycle:           pnl,
		ROIPct:             round2(pnl / l.seed * 100),
		WithdrawableProfit: math.Max(0, pnl),
		MaxDrawdownPct:     round2(l.maxDrawdown * 100),
		StartedAt:          l.startedAt,
	}
}

// ResetSeed archives the current cycle and starts a new one. It is refused
// while any position or order is open.
func (l *ExchangeLedger) ResetSeed(newSeed float64, openPositions, openOrders int) (State, error) {
	if openPositions > 0 || openOrders > 0 {
		l.logger.Warn().Int("positions", openPositions).Int("orders", openOrders).Msg("Seed reset refused")
		return State{}, ErrResetBlocked
	}
	if !(newSeed > 0) {
		return State{}, fmt.Errorf("%w: got %v", ErrInvalidSeed, newSeed)
	}
	summary := l.State()

	l.mu.Lock()
	l.seed = newSeed
	l.equity = newSeed
	l.peak = newSeed
	l.maxDrawdown = 0
	l.startedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info().
		Float64("old_seed", summary.BaselineSeed).
		Float64("new_seed", newSeed).
		Float64("cycle_pnl", summary.PnLCycle).
		Msg("Seed reset")
	return summary, nil
}
