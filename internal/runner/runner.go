// Package runner drives the single control loop: it consumes signals and bar
// updates, consults the daily risk guard and the safe-start gate every tick,
// and publishes the runtime status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/circuit"
	"spot-execution-bot/internal/events"
	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/ledger"
	"spot-execution-bot/internal/logging"
	"spot-execution-bot/internal/params"
	"spot-execution-bot/internal/position"
	"spot-execution-bot/internal/risk"
	"spot-execution-bot/internal/safestart"
)

const (
	ModeLive  = "LIVE"
	ModePaper = "PAPER"
)

var (
	ErrQueueFull      = errors.New("queue full")
	ErrNotRunning     = errors.New("trading is not enabled")
	ErrAlreadyStarted = errors.New("runner already started")
)

// BarUpdate is one closed candle of the active symbol
type BarUpdate struct {
	Symbol          string  `json:"symbol"`
	CandleIndex     int64   `json:"candle_index"`
	VolumeRatio     float64 `json:"volume_ratio"`
	Timeframe       string  `json:"timeframe"`
	CandleTimestamp int64   `json:"candle_timestamp"`
}

// Config holds loop timing and the fallback strategy parameters used when
// no model is active.
type Config struct {
	Mode            string
	Exchange        string
	Seed            int64
	TickInterval    time.Duration
	CycleTimeout    time.Duration
	StatusPath      string
	QueueSize       int
	TargetNotional  float64
	TPRatio         float64
	TPSellRatio     float64
	MaxHoldBars     int
	TimeStopTarget  float64
	HardLossCap     float64
	RequireSafeGate bool
}

// DefaultConfig returns a one-second loop in PAPER mode
func DefaultConfig() Config {
	return Config{
		Mode:            ModePaper,
		Exchange:        "SIM",
		TickInterval:    time.Second,
		CycleTimeout:    30 * time.Second,
		StatusPath:      "runtime_status.json",
		QueueSize:       64,
		TargetNotional:  100,
		TPRatio:         0.01,
		TPSellRatio:     0.25,
		MaxHoldBars:     0,
		TimeStopTarget:  0,
		HardLossCap:     -0.05,
		RequireSafeGate: true,
	}
}

// RiskChecker is the daily drawdown breaker
type RiskChecker interface {
	Check(ctx context.Context) (bool, error)
	HardStopActive() bool
}

// ParamSource supplies the active strategy parameters
type ParamSource interface {
	Active() (params.Params, error)
}

// ModeNotifier reports LIVE/PAPER switches to the operator
type ModeNotifier interface {
	SendModeChange(ctx context.Context, from, to, reason string) error
}

// Deps are the collaborators the runner drives. Machine and Engine are
// required; the rest are optional.
type Deps struct {
	Machine  *position.Machine
	Engine   *execution.Engine
	Risk     RiskChecker
	Gate     *safestart.Gate
	Params   ParamSource
	Ledger   *ledger.ExchangeLedger
	Bus      *events.EventBus
	Notifier ModeNotifier
	Breaker  *circuit.ErrorBreaker
	Paper    exchange.Client
}

// Runner owns the control loop
type Runner struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	signals chan execution.Signal
	bars    chan BarUpdate

	mu          sync.RWMutex
	mode        string
	started     bool
	stopped     bool
	allowed     bool
	equity      float64
	modelID     string
	lastTickAt  time.Time
	lastError   string
	lastErrorAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a runner
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Runner, error) {
	if deps.Machine == nil || deps.Engine == nil {
		return nil, errors.New("runner: machine and engine are required")
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	cfg.Mode = strings.ToUpper(cfg.Mode)
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With().Str("component", "Runner").Logger(),
		now:      time.Now,
		signals:  make(chan execution.Signal, cfg.QueueSize),
		bars:     make(chan BarUpdate, cfg.QueueSize),
		mode:     cfg.Mode,
		allowed:  true,
		stopChan: make(chan struct{}),
	}, nil
}

// Mode returns LIVE or PAPER
func (r *Runner) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SafeStartRequest is the start request operators must confirm
func (r *Runner) SafeStartRequest() safestart.Request {
	return safestart.Request{Mode: r.Mode(), Exchange: r.cfg.Exchange, Seed: r.cfg.Seed}
}

// tradingEnabled reports whether the gate lets orders through
func (r *Runner) tradingEnabled() bool {
	if !r.cfg.RequireSafeGate || r.deps.Gate == nil {
		return true
	}
	return r.deps.Gate.Running()
}

// SubmitSignal queues a signal for the loop
func (r *Runner) SubmitSignal(sig execution.Signal) error {
	sig.Normalize()
	r.defaultNotional(&sig, r.activeParams())
	if err := sig.Validate(); err != nil {
		return err
	}
	if !r.tradingEnabled() {
		return ErrNotRunning
	}
	select {
	case r.signals <- sig:
		return nil
	default:
		return fmt.Errorf("signal %w", ErrQueueFull)
	}
}

// SubmitBar queues a bar update for the loop
func (r *Runner) SubmitBar(bar BarUpdate) error {
	select {
	case r.bars <- bar:
		return nil
	default:
		return fmt.Errorf("bar %w", ErrQueueFull)
	}
}

// Start reconciles against the exchange and launches the loop
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	if err := r.deps.Machine.Reconcile(ctx, "startup", ""); err != nil {
		r.recordError("startup reconcile", err)
	}

	r.logger.Info().
		Str("mode", r.Mode()).
		Str("exchange", r.cfg.Exchange).
		Dur("tick", r.cfg.TickInterval).
		Msg("Control loop started")
	if r.deps.Bus != nil {
		r.deps.Bus.PublishBotStarted(r.Mode(), r.cfg.Exchange)
	}

	r.Tick(ctx)

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case sig := <-r.signals:
			r.HandleSignal(ctx, sig)
		case bar := <-r.bars:
			r.HandleBar(ctx, bar)
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Stop ends the loop and writes a final status
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	r.writeStatus()
	if r.deps.Bus != nil {
		r.deps.Bus.PublishBotStopped("shutdown")
	}
	r.logger.Info().Msg("Control loop stopped")
}

// activeParams reads the registry once per cycle
func (r *Runner) activeParams() params.Params {
	if r.deps.Params == nil {
		return params.Params{}
	}
	p, err := r.deps.Params.Active()
	if err != nil {
		if !errors.Is(err, params.ErrNoActiveModel) {
			r.recordError("params", err)
		}
		return params.Params{}
	}
	r.mu.Lock()
	r.modelID = p.ModelID()
	r.mu.Unlock()
	return p
}

// Tick runs one housekeeping cycle: cooldown release, risk check, status
func (r *Runner) Tick(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	r.deps.Machine.ReleaseSafeCooldownIfDue()
	r.activeParams()

	allowed := true
	if r.deps.Risk != nil {
		ok, err := r.deps.Risk.Check(cycleCtx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Risk check could not value equity")
		}
		allowed = ok
	}

	var equity float64
	if r.deps.Ledger != nil {
		equity = r.deps.Ledger.State().Equity
	}

	r.mu.Lock()
	r.allowed = allowed
	r.equity = equity
	r.lastTickAt = r.now()
	r.mu.Unlock()

	status := r.writeStatus()
	if r.deps.Bus != nil {
		r.deps.Bus.PublishStatus(status.Map())
	}
}

// HandleSignal routes a signal to the position machine
func (r *Runner) HandleSignal(ctx context.Context, sig execution.Signal) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()
	cycleCtx, log := logging.WithTraceContext(cycleCtx, r.logger)

	if !r.tradingEnabled() {
		log.Warn().Str("symbol", sig.Symbol).Msg("Signal dropped: safe start gate not RUNNING")
		return
	}

	p := r.activeParams()
	sig.Normalize()

	if sig.Side == string(exchange.SideSell) {
		_, err := r.deps.Machine.ProcessExit(cycleCtx, sig.Symbol, 0, "signal_exit")
		r.logOutcome(log, "exit", sig.Symbol, err)
		return
	}

	r.mu.RLock()
	allowed := r.allowed
	r.mu.RUnlock()
	if !allowed {
		log.Warn().Str("symbol", sig.Symbol).Msg("Entry dropped: daily risk stop active")
		return
	}

	r.defaultNotional(&sig, p)
	_, err := r.deps.Machine.ProcessEntry(cycleCtx, sig)
	r.logOutcome(log, "entry", sig.Symbol, err)
}

// defaultNotional fills a missing buy size from the active model, falling
// back to the configured notional.
func (r *Runner) defaultNotional(sig *execution.Signal, p params.Params) {
	if sig.Side == string(exchange.SideBuy) && sig.TargetNotional <= 0 {
		sig.TargetNotional = p.Float(params.KeyTargetNotional, r.cfg.TargetNotional)
	}
}

// HandleBar feeds liquidity tracking, then tries panic exit, time stop and
// the next take-profit rung in that order. Rejections are expected and only
// logged at debug level.
func (r *Runner) HandleBar(ctx context.Context, bar BarUpdate) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	st := r.deps.Machine.UpdateLiquidityRatio(bar.VolumeRatio)
	if st.Symbol == "" || st.PositionQty <= 0 {
		return
	}
	if bar.Symbol != "" && bar.Symbol != st.Symbol {
		return
	}
	if !r.tradingEnabled() {
		return
	}

	p := r.activeParams()
	log := r.logger.With().Str("symbol", st.Symbol).Int64("candle", bar.CandleIndex).Logger()

	if st.LiquidityCollapseBars >= 2 {
		res, err := r.deps.Machine.ProcessPanicExit(cycleCtx, st.Symbol, p.Float(params.KeyHardLossCap, r.cfg.HardLossCap))
		r.logOutcome(log, "panic_exit", st.Symbol, err)
		if res != nil {
			return
		}
	}

	if maxHold := p.Int(params.KeyMaxHoldBars, r.cfg.MaxHoldBars); maxHold > 0 {
		res, err := r.deps.Machine.ProcessTimeStop(cycleCtx, st.Symbol, bar.CandleIndex, maxHold,
			p.Float(params.KeyTimeStopTargetProfit, r.cfg.TimeStopTarget))
		r.logOutcome(log, "time_stop", st.Symbol, err)
		if res != nil {
			return
		}
	}

	if bar.Timeframe == "" || bar.CandleTimestamp <= 0 {
		return
	}
	_, err := r.deps.Machine.ProcessTakeProfit(cycleCtx, position.TakeProfitRequest{
		Symbol:          st.Symbol,
		TPRatio:         p.Float(params.KeyTPRatio, r.cfg.TPRatio),
		SellRatio:       p.Float(params.KeyTPSellRatio, r.cfg.TPSellRatio),
		Timeframe:       bar.Timeframe,
		CandleTimestamp: bar.CandleTimestamp,
	})
	r.logOutcome(log, "take_profit", st.Symbol, err)
}

func (r *Runner) logOutcome(log zerolog.Logger, op, symbol string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, position.ErrRejected):
		log.Debug().Str("op", op).Str("symbol", symbol).Str("reason", position.RejectReason(err)).Msg("Operation rejected")
	default:
		r.recordError(op, err)
	}
}

func (r *Runner) recordError(op string, err error) {
	r.logger.Error().Err(err).Str("op", op).Msg("Control loop error")
	r.mu.Lock()
	r.lastError = fmt.Sprintf("%s: %v", op, err)
	r.lastErrorAt = r.now()
	r.mu.Unlock()
	if r.deps.Bus != nil {
		r.deps.Bus.PublishError(op, err)
	}
}

// Demote switches a LIVE runner to the paper backend. It is registered as
// the daily guard's halt hook.
func (r *Runner) Demote(reason string) {
	r.mu.Lock()
	if r.mode != ModeLive {
		r.mu.Unlock()
		return
	}
	r.mode = ModePaper
	r.mu.Unlock()

	if r.deps.Paper != nil {
		r.deps.Engine.SetClient(r.deps.Paper)
	}
	r.logger.Error().Str("reason", reason).Msg("Demoted LIVE -> PAPER")

	if r.deps.Bus != nil {
		r.deps.Bus.PublishModeChanged(ModeLive, ModePaper, reason)
	}
	if r.deps.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.deps.Notifier.SendModeChange(ctx, ModeLive, ModePaper, reason); err != nil {
			r.logger.Warn().Err(err).Msg("Mode change notification failed")
		}
	}
}

// OnRiskHalt adapts Demote to the daily guard's halt hook
func (r *Runner) OnRiskHalt(ev risk.HaltEvent) {
	if r.deps.Bus != nil {
		r.deps.Bus.PublishRiskHalt(ev.Reason, ev.Equity)
	}
	r.Demote("daily drawdown hard stop")
}
