// Package position owns the persisted position lifecycle: a five-state machine
// driven by signals and bar updates, idempotent per-candle claims, crash-safe
// persistence and reconciliation against the exchange.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/idempotency"
	"spot-execution-bot/internal/metrics"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrRejected          = errors.New("rejected")
)

// RejectError is returned when an operation is refused before any side effect
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "rejected: " + e.Reason }

func (e *RejectError) Unwrap() error { return ErrRejected }

func reject(format string, args ...interface{}) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// RejectReason extracts the reason of a RejectError, or "" for other errors
func RejectReason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// Rejection reasons
const (
	ReasonInvalidSignal    = "INVALID_SIGNAL"
	ReasonNotBuy           = "NOT_A_BUY_SIGNAL"
	ReasonRiskHalt         = "RISK_HALT"
	ReasonSafeCooldown     = "SAFE_COOLDOWN_ACTIVE"
	ReasonStateNotFlat     = "STATE_NOT_FLAT"
	ReasonPostExitCooldown = "POST_EXIT_COOLDOWN"
	ReasonDuplicateSignal  = "DUPLICATE_SIGNAL"
	ReasonClaimFailed      = "CLAIM_FAILED"
	ReasonNotInPosition    = "NOT_IN_POSITION"
	ReasonSymbolMismatch   = "SYMBOL_MISMATCH"
	ReasonNoPosition       = "NO_POSITION"
	ReasonInvalidExitQty   = "INVALID_EXIT_QTY"
	ReasonBidUnavailable   = "BEST_BID_UNAVAILABLE"
	ReasonTPNotReached     = "TP_NOT_REACHED"
	ReasonTPStageMismatch  = "TP_STAGE_MISMATCH"
	ReasonTPDuplicate      = "TP_DUPLICATE_CANDLE"
	ReasonNoCollapse       = "LIQUIDITY_NOT_COLLAPSED"
	ReasonNoEntryCandle    = "NO_ENTRY_CANDLE"
	ReasonHoldWithinLimit  = "HOLD_WITHIN_LIMIT"
	ReasonProfitOnTarget   = "PROFIT_ON_TARGET"
	ReasonNotPersisted     = "STATE_NOT_PERSISTED"
)

const qtyEpsilon = 1e-12

// Executor is the execution surface the machine drives
type Executor interface {
	Entry(ctx context.Context, sig execution.Signal) *execution.OrderResult
	Sell(ctx context.Context, symbol string, qty float64, opts execution.SellOptions) *execution.OrderResult
	PanicExit(ctx context.Context, symbol string, qty, unrealizedPct, hardLossCap float64) *execution.OrderResult
	BestBidAsk(ctx context.Context, symbol string) (bid, ask float64, err error)
	Client() exchange.Client
}

// HaltChecker reports whether the daily risk breaker has stopped trading
type HaltChecker interface {
	HardStopActive() bool
}

// Alerter delivers operator alerts
type Alerter interface {
	Alert(ctx context.Context, severity, title, message string)
}

// Transition is one recorded state change
type Transition struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason"`
	Symbol      string    `json:"symbol"`
	PositionQty float64   `json:"position_qty"`
	At          time.Time `json:"at"`
}

// Config tunes the machine
type Config struct {
	PostExitCooldown  time.Duration
	SafeCooldown      time.Duration
	PanicHaltCooldown time.Duration
	ClaimTTLCandles   int
	HistorySize       int
	ExitTicks         int
	ReconcileTimeout  time.Duration
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		PostExitCooldown:  15 * time.Minute,
		SafeCooldown:      60 * time.Second,
		PanicHaltCooldown: time.Hour,
		ClaimTTLCandles:   idempotency.DefaultTTLCandles,
		HistorySize:       256,
		ExitTicks:         1,
		ReconcileTimeout:  10 * time.Second,
	}
}

// Machine is the only writer of RuntimeState. Exchange calls run outside mu;
// opMu serializes whole operations so a pending state is never shared.
type Machine struct {
	cfg     Config
	store   *Store
	exec    Executor
	guard   idempotency.Guard
	risk    HaltChecker
	alerter Alerter
	hooks   []func(Transition)
	logger  zerolog.Logger
	now     func() time.Time

	opMu sync.Mutex

	mu         sync.Mutex
	st         RuntimeState
	history    []Transition
	pending    []Transition
	persistErr error
	alertSave  error
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithGuard adds a cross-process claim guard
func WithGuard(g idempotency.Guard) Option {
	return func(m *Machine) { m.guard = g }
}

// WithRiskHalt blocks entries while the checker reports a hard stop
func WithRiskHalt(h HaltChecker) Option {
	return func(m *Machine) { m.risk = h }
}

// WithAlerter sets the critical alert sink
func WithAlerter(a Alerter) Option {
	return func(m *Machine) { m.alerter = a }
}

// WithTransitionHook registers fn for every transition. Hooks run after the
// state lock is released, in transition order.
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Machine) { m.hooks = append(m.hooks, fn) }
}

// NewMachine loads state from store and persists the sanitized record
func NewMachine(store *Store, exec Executor, cfg Config, logger zerolog.Logger, opts ...Option) (*Machine, error) {
	m := &Machine{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		logger: logger.With().Str("component", "PositionMachine").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	defaults := DefaultConfig()
	if m.cfg.HistorySize <= 0 {
		m.cfg.HistorySize = defaults.HistorySize
	}
	if m.cfg.ReconcileTimeout <= 0 {
		m.cfg.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if m.cfg.ClaimTTLCandles <= 0 {
		m.cfg.ClaimTTLCandles = defaults.ClaimTTLCandles
	}

	st, err := store.Load(m.now())
	if err != nil {
		return nil, err
	}
	m.st = st
	if err := store.Save(&m.st); err != nil {
		return nil, err
	}

	metrics.SetPositionState(string(m.st.State))
	metrics.PositionQty.Set(m.st.PositionQty)
	m.logger.Info().
		Str("state", string(m.st.State)).
		Str("symbol", m.st.Symbol).
		Float64("qty", m.st.PositionQty).
		Int("claims", len(m.st.ActiveClaims)).
		Msg("Runtime state loaded")
	return m, nil
}

// ==================== STATE ACCESS ====================

// update runs fn under the state lock and dispatches queued transitions after
// releasing it.
func (m *Machine) update(fn func(st *RuntimeState) error) error {
	m.mu.Lock()
	err := fn(&m.st)
	queued := m.pending
	m.pending = nil
	saveErr := m.alertSave
	m.alertSave = nil
	m.mu.Unlock()

	if saveErr != nil {
		m.alert(context.Background(), "CRITICAL", "Runtime state not persisted", saveErr.Error())
	}
	for _, t := range queued {
		for _, hook := range m.hooks {
			hook(t)
		}
	}
	return err
}

// Snapshot returns a deep copy of the current state
func (m *Machine) Snapshot() RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Clone()
}

// History returns recorded transitions, oldest first
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Transition moves to next along a legal edge
func (m *Machine) Transition(next State, reason string) error {
	return m.update(func(*RuntimeState) error {
		return m.transitionLocked(next, reason, false)
	})
}

// PersistError returns the last save failure, nil once a save succeeds again.
// New entries are refused while it is set.
func (m *Machine) PersistError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistErr
}

func (m *Machine) saveLocked() {
	m.st.UpdatedAt = m.now()
	m.st.SchemaVersion = SchemaVersion
	metrics.PositionQty.Set(m.st.PositionQty)

	err := m.store.Save(&m.st)
	if err != nil {
		metrics.PersistFailures.Inc()
		m.logger.Error().Err(err).Str("state", string(m.st.State)).Msg("Failed to persist runtime state")
		if m.persistErr == nil {
			// alert once per failure streak
			m.alertSave = err
		}
		m.persistErr = err
		return
	}
	if m.persistErr != nil {
		m.logger.Info().Msg("Runtime state persisted again")
		m.persistErr = nil
	}
}

func (m *Machine) transitionLocked(next State, reason string, allowSame bool) error {
	cur := m.st.State
	if cur == next && allowSame {
		return nil
	}
	if !CanTransition(cur, next) {
		m.logger.Error().Str("from", string(cur)).Str("to", string(next)).Str("reason", reason).Msg("Illegal transition refused")
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, cur, next, reason)
	}

	m.st.State = next
	m.saveLocked()

	t := Transition{
		From:        cur,
		To:          next,
		Reason:      reason,
		Symbol:      m.st.Symbol,
		PositionQty: m.st.PositionQty,
		At:          m.st.UpdatedAt,
	}
	m.history = append(m.history, t)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Transition(nil), m.history[over:]...)
	}
	m.pending = append(m.pending, t)

	metrics.StateTransitions.WithLabelValues(string(cur), string(next)).Inc()
	metrics.SetPositionState(string(next))
	m.logger.Info().
		Str("from", string(cur)).
		Str("to", string(next)).
		Str("reason", reason).
		Str("symbol", m.st.Symbol).
		Float64("qty", m.st.PositionQty).
		Msg("State transition")
	return nil
}

// ==================== SAFE COOLDOWN ====================

// InSafeCooldown reports whether a safe cooldown is active now
func (m *Machine) InSafeCooldown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.State == StateSafeCooldown && m.now().Before(m.st.SafeCooldownUntil)
}

// ReleaseSafeCooldownIfDue leaves an expired safe cooldown for IN_POSITION
// when a position is held, FLAT otherwise.
func (m *Machine) ReleaseSafeCooldownIfDue() bool {
	released := false
	err := m.update(func(st *RuntimeState) error {
		if st.State != StateSafeCooldown || m.now().Before(st.SafeCooldownUntil) {
			return nil
		}
		target := StateFlat
		if st.PositionQty > 0 {
			target = StateInPosition
		}
		released = true
		return m.transitionLocked(target, "safe_cooldown_expired", false)
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Safe cooldown release failed")
		return false
	}
	return released
}

// EnterSafeCooldown pauses trading for dur (at least one second)
func (m *Machine) EnterSafeCooldown(reason string, dur time.Duration, preservePosition bool) {
	_ = m.update(func(*RuntimeState) error {
		m.enterSafeCooldownLocked(reason, dur, preservePosition)
		return nil
	})
}

func (m *Machine) enterSafeCooldownLocked(reason string, dur time.Duration, preservePosition bool) {
	if dur <= 0 {
		dur = m.cfg.SafeCooldown
	}
	if dur < time.Second {
		dur = time.Second
	}

	st := &m.st
	cur := st.State
	prior := StateFlat
	if preservePosition && st.PositionQty > 0 {
		prior = StateInPosition
	}
	switch cur {
	case StateEntryPending:
		prior = StateFlat
	case StateExitPending:
		prior = StateFlat
		if st.PositionQty > 0 {
			prior = StateInPosition
		}
	}
	st.CooldownPriorState = prior
	st.SafeCooldownUntil = m.now().Add(dur)
	m.saveLocked()

	if cur != StateSafeCooldown {
		if err := m.transitionLocked(StateSafeCooldown, reason, false); err != nil {
			return
		}
	}
	metrics.SafeCooldowns.WithLabelValues(execution.ReasonCode(reason)).Inc()
	m.logger.Warn().
		Str("reason", reason).
		Dur("duration", dur).
		Str("prior", string(prior)).
		Msg("SAFE_COOLDOWN entered")
}

func (m *Machine) cooldownFor(res *execution.OrderResult) time.Duration {
	if res != nil && res.SafeCooldownSec > 0 {
		return time.Duration(res.SafeCooldownSec) * time.Second
	}
	return m.cfg.SafeCooldown
}

// ==================== CLAIMS ====================

// claim records key locally and, when configured, in the shared guard
func (m *Machine) claim(ctx context.Context, key string, timeframeSec int64) error {
	err := m.update(func(st *RuntimeState) error {
		now := m.now()
		if st.ActiveClaims.Exists(key, now) {
			return reject("%s(%s)", ReasonDuplicateSignal, key)
		}
		if !st.ActiveClaims.Claim(key, timeframeSec, m.cfg.ClaimTTLCandles, now) {
			return reject("%s(%s)", ReasonClaimFailed, key)
		}
		m.saveLocked()
		return nil
	})
	if err != nil || m.guard == nil {
		return err
	}

	ttl := time.Duration(timeframeSec*int64(m.cfg.ClaimTTLCandles)) * time.Second
	ok, gerr := m.guard.TryClaim(ctx, key, ttl)
	if gerr != nil {
		m.logger.Warn().Err(gerr).Str("key", key).Msg("Shared claim failed")
		return reject("%s(%s)", ReasonClaimFailed, key)
	}
	if !ok {
		return reject("%s(%s: held by another process)", ReasonDuplicateSignal, key)
	}
	return nil
}

// ==================== MARKET HELPERS ====================

// UnrealizedPnLPct is (best_bid - avg_entry) / avg_entry, 0 when unknown
func (m *Machine) UnrealizedPnLPct(ctx context.Context, symbol string) float64 {
	avg := m.Snapshot().AvgEntryPrice
	if avg <= 0 || symbol == "" {
		return 0
	}
	bid, _, err := m.exec.BestBidAsk(ctx, symbol)
	if err != nil || bid <= 0 {
		return 0
	}
	return (bid - avg) / avg
}

func (m *Machine) exchangeQty(ctx context.Context, symbol string) (float64, error) {
	balances, err := m.exec.Client().Balances(ctx)
	if err != nil {
		return 0, err
	}
	return balances[exchange.BaseAsset(symbol)].Total(), nil
}

func (m *Machine) alert(ctx context.Context, severity, title, msg string) {
	if m.alerter != nil {
		m.alerter.Alert(ctx, severity, title, msg)
	}
}
