// Package risk enforces the daily drawdown breaker. When equity falls too far
// below the start-of-day mark the guard cancels resting orders, flattens the
// position, demotes the bot and keeps trading stopped until the next day.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/atomicfile"
	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/metrics"
	"spot-execution-bot/internal/position"
)

// EmergencyExitReason labels the flatten order of a hard stop
const EmergencyExitReason = "EMERGENCY_DAILY_DD"

// EquitySource estimates mark-to-market equity in the quote currency
type EquitySource interface {
	Equity(ctx context.Context) (float64, error)
}

// ClientSource exposes the exchange client currently in use
type ClientSource interface {
	Client() exchange.Client
}

// PositionCloser is the slice of the position machine the guard drives
type PositionCloser interface {
	Snapshot() position.RuntimeState
	ProcessExit(ctx context.Context, symbol string, qty float64, reason string) (*execution.OrderResult, error)
}

// Config holds the daily breaker settings
type Config struct {
	MaxDailyLossPct float64        // fraction of start-of-day equity, e.g. 0.05
	StatePath       string         // daily_risk_state.json
	Location        *time.Location // day boundary; nil means local time
}

// DefaultConfig returns a 5% daily loss limit
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPct: 0.05,
		StatePath:       "daily_risk_state.json",
	}
}

// DailyState is the persisted breaker record for one day
type DailyState struct {
	Day                string    `json:"day"`
	DailyStartEquity   float64   `json:"daily_start_equity"`
	IntradayPeakEquity float64   `json:"intraday_peak_equity"`
	HardStopTriggered  bool      `json:"hard_stop_triggered"`
	LastTriggerReason  string    `json:"last_trigger_reason,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HaltEvent describes a triggered hard stop
type HaltEvent struct {
	Reason          string
	Equity          float64
	StartEquity     float64
	PeakEquity      float64
	CancelledOrders int
	Flattened       bool
}

// DailyGuard evaluates daily drawdown on mark-to-market equity
type DailyGuard struct {
	cfg     Config
	equity  EquitySource
	clients ClientSource
	closer  PositionCloser
	alerter position.Alerter
	onHalt  []func(HaltEvent)
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	state DailyState
}

// Option configures a DailyGuard
type Option func(*DailyGuard)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(g *DailyGuard) { g.now = now }
}

// WithPositionCloser lets a hard stop flatten the open position
func WithPositionCloser(c PositionCloser) Option {
	return func(g *DailyGuard) { g.closer = c }
}

// WithAlerter sets the critical alert sink
func WithAlerter(a position.Alerter) Option {
	return func(g *DailyGuard) { g.alerter = a }
}

// WithHaltHook registers fn to run after a hard stop, e.g. LIVE to PAPER demotion
func WithHaltHook(fn func(HaltEvent)) Option {
	return func(g *DailyGuard) { g.onHalt = append(g.onHalt, fn) }
}

// NewDailyGuard loads the persisted record. A record from a previous day is
// kept until the first Check with a valid equity rolls it over.
func NewDailyGuard(cfg Config, equity EquitySource, clients ClientSource, logger zerolog.Logger, opts ...Option) *DailyGuard {
	if cfg.MaxDailyLossPct <= 0 {
		cfg.MaxDailyLossPct = DefaultConfig().MaxDailyLossPct
	}
	g := &DailyGuard{
		cfg:     cfg,
		equity:  equity,
		clients: clients,
		logger:  logger.With().Str("component", "RiskGuard").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state = g.load()
	return g
}

func (g *DailyGuard) dayKey(t time.Time) string {
	if g.cfg.Location != nil {
		t = t.In(g.cfg.Location)
	}
	return t.Format("2006-01-02")
}

func (g *DailyGuard) load() DailyState {
	st := DailyState{Day: g.dayKey(g.now())}
	if g.cfg.StatePath == "" {
		return st
	}
	var disk DailyState
	err := atomicfile.ReadJSON(g.cfg.StatePath, &disk)
	switch {
	case err == nil:
		if disk.Day == "" {
			disk.Day = st.Day
		}
		return disk
	case errors.Is(err, atomicfile.ErrNotExist):
	default:
		g.logger.Error().Err(err).Str("path", g.cfg.StatePath).Msg("Failed to load daily risk state")
	}
	return st
}

func (g *DailyGuard) saveLocked() {
	g.state.UpdatedAt = g.now()
	if g.cfg.StatePath == "" {
		return
	}
	if err := atomicfile.WriteJSON(g.cfg.StatePath, &g.state); err != nil {
		g.logger.Error().Err(err).Msg("Failed to save daily risk state")
	}
}

// rolloverLocked starts a fresh day at equityNow
func (g *DailyGuard) rolloverLocked(equityNow float64) {
	today := g.dayKey(g.now())
	if g.state.Day == today {
		return
	}
	g.logger.Info().
		Str("previous_day", g.state.Day).
		Str("day", today).
		Float64("start_equity", equityNow).
		Msg("Daily risk state rolled over")
	g.state = DailyState{
		Day:                today,
		DailyStartEquity:   equityNow,
		IntradayPeakEquity: equityNow,
	}
	g.saveLocked()
}

// State returns a copy of the current record
func (g *DailyGuard) State() DailyState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// HardStopActive reports whether today's breaker has fired
func (g *DailyGuard) HardStopActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.HardStopTriggered && g.state.Day == g.dayKey(g.now())
}

// Check evaluates the drawdown and reports whether trading may continue. An
// unknown or non-positive equity allows trading; the error is returned for
// logging only.
func (g *DailyGuard) Check(ctx context.Context) (bool, error) {
	equityNow, err := g.equity.Equity(ctx)
	if err != nil {
		return !g.HardStopActive(), fmt.Errorf("estimate equity: %w", err)
	}
	if equityNow <= 0 {
		return !g.HardStopActive(), nil
	}
	metrics.Equity.Set(equityNow)

	g.mu.Lock()
	g.rolloverLocked(equityNow)
	if g.state.HardStopTriggered {
		g.mu.Unlock()
		return false, nil
	}

	start := g.state.DailyStartEquity
	if start <= 0 {
		start = equityNow
	}
	peak := g.state.IntradayPeakEquity
	if peak <= 0 {
		peak = equityNow
	}
	if equityNow > peak {
		peak = equityNow
	}
	g.state.DailyStartEquity = start
	g.state.IntradayPeakEquity = peak
	g.saveLocked()
	g.mu.Unlock()

	ddStart := (equityNow - start) / start
	ddPeak := (equityNow - peak) / peak
	metrics.DailyDrawdown.Set(ddStart)

	if ddStart > -g.cfg.MaxDailyLossPct {
		return true, nil
	}

	reason := fmt.Sprintf("Daily DD hard limit triggered: eq=%.2f start=%.2f peak=%.2f dd_start=%.2f%% dd_peak=%.2f%%",
		equityNow, start, peak, ddStart*100, ddPeak*100)
	g.trigger(ctx, HaltEvent{
		Reason:      reason,
		Equity:      equityNow,
		StartEquity: start,
		PeakEquity:  peak,
	})
	return false, nil
}

// trigger cancels, flattens and records the hard stop. Exchange side effects
// are best effort.
func (g *DailyGuard) trigger(ctx context.Context, ev HaltEvent) {
	g.logger.Error().Str("reason", ev.Reason).Msg("EMERGENCY STOP")

	ev.CancelledOrders = g.cancelOpenOrders(ctx)
	ev.Flattened = g.flatten(ctx)

	g.mu.Lock()
	g.state.HardStopTriggered = true
	g.state.LastTriggerReason = ev.Reason
	g.saveLocked()
	g.mu.Unlock()
	metrics.RiskHalts.Inc()

	for _, fn := range g.onHalt {
		fn(ev)
	}

	if g.alerter != nil {
		g.alerter.Alert(ctx, "CRITICAL", "EMERGENCY STOP",
			fmt.Sprintf("Reason: %s\nAction: cancel_open_orders=%d, flatten_attempt=%t", ev.Reason, ev.CancelledOrders, ev.Flattened))
	}
}

func (g *DailyGuard) cancelOpenOrders(ctx context.Context) int {
	if g.clients == nil {
		return 0
	}
	client := g.clients.Client()
	orders, err := client.OpenOrders(ctx, "")
	if err != nil {
		g.logger.Warn().Err(err).Msg("Open order check failed during emergency stop")
		return 0
	}
	cancelled := 0
	for _, o := range orders {
		if o.ID == "" || o.Symbol == "" {
			continue
		}
		if err := client.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
			g.logger.Warn().Err(err).Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("Emergency cancel failed")
			continue
		}
		cancelled++
	}
	return cancelled
}

func (g *DailyGuard) flatten(ctx context.Context) bool {
	if g.closer == nil {
		return false
	}
	snap := g.closer.Snapshot()
	if snap.Symbol == "" || snap.PositionQty <= 0 {
		return false
	}
	res, err := g.closer.ProcessExit(ctx, snap.Symbol, snap.PositionQty, EmergencyExitReason)
	if err != nil {
		g.logger.Error().Err(err).Str("symbol", snap.Symbol).Msg("Emergency flatten refused")
		return false
	}
	if !res.Filled() {
		g.logger.Error().Str("symbol", snap.Symbol).Str("reason", res.Reason).Msg("Emergency flatten did not fill")
	}
	return true
}

// Metrics returns the breaker figures for the status API
func (g *DailyGuard) Metrics() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]interface{}{
		"day":                  g.state.Day,
		"daily_start_equity":   g.state.DailyStartEquity,
		"intraday_peak_equity": g.state.IntradayPeakEquity,
		"hard_stop_triggered":  g.state.HardStopTriggered,
		"last_trigger_reason":  g.state.LastTriggerReason,
		"max_daily_loss_pct":   g.cfg.MaxDailyLossPct,
	}
}
