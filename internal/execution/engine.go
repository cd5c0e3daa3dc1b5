// Package execution turns notional-sized signals into real fills through an
// exchange.Client: book-aware VWAP simulation, slippage-gated limit entries,
// marketable-limit exits and staged panic liquidation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/metrics"
)

// Config holds engine thresholds and timings
type Config struct {
	MaxSpreadBP        float64
	MinDepthRatio      float64
	MaxChasePct        float64
	MaxEntrySlippage   float64
	FeeBuffer          float64
	EntryTicks         int
	ExitTicks          int
	EntryTimeout       time.Duration
	ExitTimeout        time.Duration
	PollInterval       time.Duration
	BackoffFactor      float64
	MaxBackoff         time.Duration
	EntryCancelWait    time.Duration
	ExitCancelWait     time.Duration
	CancelPollInterval time.Duration
	SafeCooldown       time.Duration
	MarketStatusTTL    time.Duration
	BookDepth          int
	PanicLossCap       float64
	PanicLegs          []PanicLeg
	PanicFinalLeg      PanicLeg
}

// PanicLeg is one escalation step of a panic exit
type PanicLeg struct {
	Ticks   int
	Timeout time.Duration
	IOC     bool
}

// DefaultConfig returns production thresholds
func DefaultConfig() Config {
	return Config{
		MaxSpreadBP:        50,
		MinDepthRatio:      2.0,
		MaxChasePct:        3.0,
		MaxEntrySlippage:   0.01,
		FeeBuffer:          0.998,
		EntryTicks:         2,
		ExitTicks:          1,
		EntryTimeout:       10 * time.Second,
		ExitTimeout:        3 * time.Second,
		PollInterval:       300 * time.Millisecond,
		BackoffFactor:      1.5,
		MaxBackoff:         5 * time.Second,
		EntryCancelWait:    3 * time.Second,
		ExitCancelWait:     2 * time.Second,
		CancelPollInterval: 250 * time.Millisecond,
		SafeCooldown:       60 * time.Second,
		MarketStatusTTL:    60 * time.Second,
		BookDepth:          20,
		PanicLossCap:       -0.05,
		PanicLegs: []PanicLeg{
			{Ticks: 3, Timeout: 3 * time.Second},
			{Ticks: 6, Timeout: 3 * time.Second},
		},
		PanicFinalLeg: PanicLeg{Ticks: 10, Timeout: 2 * time.Second, IOC: true},
	}
}

// Recorder receives every engine outcome and entry gate decision
type Recorder interface {
	RecordExecution(ctx context.Context, event string, res *OrderResult)
	RecordShadow(ctx context.Context, sig Signal, decision, reason string)
}

// MarketStatus is the cached tradability verdict for a symbol
type MarketStatus struct {
	OK      bool      `json:"ok"`
	Active  bool      `json:"active"`
	State   string    `json:"state"`
	Warning string    `json:"warning"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

var (
	activeStates = map[string]bool{"ACTIVE": true, "TRADING": true, "RUNNING": true}
	cautionWords = []string{"CAUTION", "WARNING", "ALERT", "RISK"}
)

// Engine executes orders against the current backend. The set of symbols
// with an entry in flight is owned by the instance.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder

	clientMu sync.RWMutex
	client   exchange.Client

	activeMu sync.Mutex
	active   map[string]struct{}

	marketMu    sync.Mutex
	marketCache map[string]MarketStatus

	now func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder attaches a journal
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine over client
func NewEngine(client exchange.Client, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		logger:      logger.With().Str("component", "ExecutionEngine").Logger(),
		client:      client,
		active:      make(map[string]struct{}),
		marketCache: make(map[string]MarketStatus),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

// Client returns the current backend
func (e *Engine) Client() exchange.Client {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	return e.client
}

// SetClient swaps the backend and drops cached market status
func (e *Engine) SetClient(c exchange.Client) {
	e.clientMu.Lock()
	e.client = c
	e.clientMu.Unlock()

	e.marketMu.Lock()
	e.marketCache = make(map[string]MarketStatus)
	e.marketMu.Unlock()

	e.logger.Warn().Str("exchange", c.Name()).Msg("Execution backend swapped")
}

func (e *Engine) markActive(symbol string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[symbol]; busy {
		return false
	}
	e.active[symbol] = struct{}{}
	return true
}

func (e *Engine) releaseActive(symbol string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, symbol)
}

func (e *Engine) fail(symbol, side, reason string) *OrderResult {
	return &OrderResult{Symbol: symbol, Side: side, Reason: reason}
}

func (e *Engine) record(ctx context.Context, event string, res *OrderResult) {
	if res.OrderID != "" {
		result := "unfilled"
		if res.Filled() {
			result = "filled"
		}
		metrics.Orders.WithLabelValues(res.Side, result).Inc()
	}
	if res.RateLimited {
		metrics.RateLimited.WithLabelValues(strings.ToLower(event)).Inc()
	}
	if e.recorder != nil {
		e.recorder.RecordExecution(ctx, event, res)
	}
}

func (e *Engine) shadow(ctx context.Context, sig Signal, decision, reason string) {
	if decision != "PASS" {
		metrics.EntryRejections.WithLabelValues(ReasonCode(reason)).Inc()
	}
	if e.recorder != nil {
		e.recorder.RecordShadow(ctx, sig, decision, reason)
	}
}

// ==================== MARKET STATUS ====================

// CheckMarketStatus returns the tradability verdict for symbol, served from a
// TTL cache unless force is set. Failed lookups are not cached.
func (e *Engine) CheckMarketStatus(ctx context.Context, symbol string, force bool) MarketStatus {
	now := e.now()
	if !force {
		e.marketMu.Lock()
		cached, ok := e.marketCache[symbol]
		e.marketMu.Unlock()
		if ok && now.Sub(cached.At) <= e.cfg.MarketStatusTTL {
			return cached
		}
	}

	info, err := e.Client().MarketInfo(ctx, symbol)
	if err != nil {
		return MarketStatus{State: "UNKNOWN", Warning: "UNKNOWN", Reason: "MARKET_STATUS_ERROR:" + err.Error(), At: now}
	}

	status := evaluateMarket(info, now)
	e.marketMu.Lock()
	e.marketCache[symbol] = status
	e.marketMu.Unlock()
	return status
}

func evaluateMarket(info *exchange.MarketInfo, now time.Time) MarketStatus {
	state := strings.ToUpper(strings.TrimSpace(info.State))
	if state == "" {
		state = "ACTIVE"
	}
	warning := strings.ToUpper(strings.TrimSpace(info.Warning))
	if warning == "" {
		warning = "NONE"
	}

	caution := false
	if warning != "NONE" && warning != "NORMAL" {
		for _, w := range cautionWords {
			if strings.Contains(warning, w) {
				caution = true
				break
			}
		}
	}

	ok := info.Active && activeStates[state] && !caution
	reason := "PASS"
	if !ok {
		reason = fmt.Sprintf("%s(state=%s, warning=%s, active=%t)", ReasonMarketBlock, state, warning, info.Active)
	}
	return MarketStatus{OK: ok, Active: info.Active, State: state, Warning: warning, Reason: reason, At: now}
}

// ==================== GATES ====================

// CheckGates applies spread, depth and chase limits. Spread and depth hints
// missing from the signal are derived from book.
func (e *Engine) CheckGates(sig Signal, book *exchange.OrderBook) (bool, string) {
	spread := sig.SpreadBP
	if spread <= 0 {
		bid, ask := book.BestBid(), book.BestAsk()
		if bid > 0 && ask > 0 {
			spread = (ask - bid) / ((ask + bid) / 2) * 10000
		}
	}
	depthSum := sig.AskDepthSum
	if depthSum <= 0 {
		depthSum = book.AskDepthQuote()
	}
	depthRatio := depthSum / (sig.TargetNotional + 1e-9)

	if spread > e.cfg.MaxSpreadBP {
		return false, fmt.Sprintf("%s (%.1f > %.1f)", ReasonSpreadTooWide, spread, e.cfg.MaxSpreadBP)
	}
	if depthRatio < e.cfg.MinDepthRatio {
		return false, fmt.Sprintf("%s (%.2f < %.2f)", ReasonDepthInsufficient, depthRatio, e.cfg.MinDepthRatio)
	}
	if sig.ChasePct > e.cfg.MaxChasePct {
		return false, fmt.Sprintf("%s (%.2f%% > %.2f%%)", ReasonChaseTooHigh, sig.ChasePct, e.cfg.MaxChasePct)
	}
	return true, "PASS"
}

// VWAPSimulation is the projected cost of buying a notional off the ask ladder
type VWAPSimulation struct {
	OK            bool
	Reason        string
	BestAsk       float64
	ProjectedVWAP float64
	SimQty        float64
	SlippagePct   float64
}

// SimulateBuyVWAP walks the asks spending targetMoney of quote currency
func SimulateBuyVWAP(book *exchange.OrderBook, targetMoney float64) VWAPSimulation {
	if !(targetMoney > 0) {
		return VWAPSimulation{Reason: ReasonInvalidTargetMoney}
	}
	if book == nil || len(book.Asks) == 0 {
		return VWAPSimulation{Reason: ReasonEmptyAskBook}
	}
	bestAsk := book.Asks[0].Price
	if bestAsk <= 0 {
		return VWAPSimulation{Reason: ReasonInvalidBestAsk}
	}

	remaining := targetMoney
	filledQty, spent := 0.0, 0.0
	for _, lvl := range book.Asks {
		if lvl.Price <= 0 || lvl.Qty <= 0 {
			continue
		}
		take := math.Min(remaining, lvl.Price*lvl.Qty)
		qty := take / lvl.Price
		if qty <= 0 {
			continue
		}
		filledQty += qty
		spent += take
		remaining -= take
		if remaining <= 1e-9 {
			break
		}
	}

	if filledQty <= 0 || spent <= 0 {
		return VWAPSimulation{Reason: ReasonNoSimulatedFill}
	}
	if remaining > 1e-6 {
		return VWAPSimulation{Reason: ReasonBookDepthShortfall, BestAsk: bestAsk}
	}

	vwap := spent / filledQty
	return VWAPSimulation{
		OK:            true,
		Reason:        "PASS",
		BestAsk:       bestAsk,
		ProjectedVWAP: vwap,
		SimQty:        filledQty,
		SlippagePct:   (vwap - bestAsk) / bestAsk,
	}
}

// ==================== ENTRY ====================

// Entry buys sig.TargetNotional of sig.Symbol with a resting limit a few ticks
// above the best ask. It never panics across its boundary.
func (e *Engine) Entry(ctx context.Context, sig Signal) (res *OrderResult) {
	symbol := sig.Symbol
	side := string(exchange.SideBuy)
	if symbol == "" {
		return e.fail(symbol, side, ReasonEmptySymbol)
	}
	if !e.markActive(symbol) {
		return e.fail(symbol, side, ReasonActiveSymbolLock)
	}
	defer e.releaseActive(symbol)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("symbol", symbol).Msg("Entry recovered from panic")
			res = e.fail(symbol, side, fmt.Sprintf("%s:%v", ReasonEntryError, r))
		}
	}()

	log := e.logger.With().Str("symbol", symbol).Str("side", side).Logger()

	notional := sig.TargetNotional
	if !(notional > 0) {
		return e.fail(symbol, side, ReasonInvalidNotional)
	}

	client := e.Client()

	balances, err := client.Balances(ctx)
	if err != nil {
		return e.errorResult(symbol, side, ReasonEntryError, err)
	}
	available := balances[exchange.QuoteAsset(symbol)].Free
	notional = math.Min(notional, math.Max(0, available))
	if notional <= 0 {
		reason := ReasonBudgetFail + ":AVAILABLE_FOR_BOT_ZERO"
		e.shadow(ctx, sig, "BLOCK", reason)
		return e.fail(symbol, side, reason)
	}

	market := e.CheckMarketStatus(ctx, symbol, true)
	if !market.OK {
		e.shadow(ctx, sig, "BLOCK", market.Reason)
		return e.fail(symbol, side, market.Reason)
	}

	book, err := client.OrderBook(ctx, symbol, e.cfg.BookDepth)
	if err != nil {
		log.Warn().Err(err).Msg("Order book unavailable")
		res := e.fail(symbol, side, ReasonOrderbookMissing)
		res.RateLimited = exchange.IsRateLimited(err)
		res.SafeCooldownRequested = res.RateLimited
		return res.normalize(e.cooldownSec())
	}

	if ok, reason := e.CheckGates(sig, book); !ok {
		e.shadow(ctx, sig, "BLOCK", reason)
		return e.fail(symbol, side, reason)
	}

	sim := SimulateBuyVWAP(book, notional)
	if !sim.OK {
		e.shadow(ctx, sig, "BLOCK", sim.Reason)
		return e.fail(symbol, side, sim.Reason)
	}

	maxSlip := e.cfg.MaxEntrySlippage
	if sig.MaxEntrySlippagePct > 0 {
		maxSlip = sig.MaxEntrySlippagePct
	}
	if sim.SlippagePct > maxSlip {
		reason := fmt.Sprintf("%s(%.6f>%.6f)", ReasonSlippageBlock, sim.SlippagePct, maxSlip)
		e.shadow(ctx, sig, "BLOCK", reason)
		res := e.fail(symbol, side, reason)
		res.SlippagePct = sim.SlippagePct
		res.ProjectedVWAP = sim.ProjectedVWAP
		res.BestPrice = sim.BestAsk
		return res
	}
	e.shadow(ctx, sig, "PASS", "PASS")
	metrics.EntrySlippage.Observe(sim.SlippagePct)

	tick := TickSize(sim.BestAsk)
	limit := RoundToTick(sim.BestAsk+float64(e.cfg.EntryTicks)*tick, tick, exchange.SideBuy)
	if limit <= 0 {
		return e.fail(symbol, side, ReasonInvalidLimitPrice)
	}

	qty := clampPositive(notional * e.cfg.FeeBuffer / sim.ProjectedVWAP)
	if qty <= 0 {
		return e.fail(symbol, side, ReasonInvalidQty)
	}

	log.Info().
		Float64("notional", notional).
		Float64("best_ask", sim.BestAsk).
		Float64("projected_vwap", sim.ProjectedVWAP).
		Float64("limit", limit).
		Float64("qty", qty).
		Msg("Submitting entry")

	res = e.executeLimit(ctx, client, limitOrder{
		symbol:     symbol,
		side:       exchange.SideBuy,
		qty:        qty,
		price:      limit,
		tif:        exchange.GTC,
		timeout:    e.cfg.EntryTimeout,
		cancelWait: e.cfg.EntryCancelWait,
		errReason:  ReasonEntryError,
	})
	res.LimitPrice = limit
	res.BestPrice = sim.BestAsk
	res.ProjectedVWAP = sim.ProjectedVWAP
	res.SlippagePct = sim.SlippagePct

	e.record(ctx, "ENTRY", res)
	log.Info().
		Bool("ok", res.OK).
		Str("reason", res.Reason).
		Float64("qty", res.RealizedQty).
		Float64("vwap", res.RealizedVWAP).
		Bool("rate_limited", res.RateLimited).
		Msg("Entry finished")
	return res
}

func (e *Engine) cooldownSec() int {
	return int(e.cfg.SafeCooldown / time.Second)
}

func (e *Engine) errorResult(symbol, side, prefix string, err error) *OrderResult {
	res := e.fail(symbol, side, fmt.Sprintf("%s:%v", prefix, err))
	if errors.Is(err, exchange.ErrDegraded) {
		res.Reason = fmt.Sprintf("%s:ADAPTER_DEGRADED", prefix)
	}
	res.RateLimited = exchange.IsRateLimited(err)
	res.SafeCooldownRequested = res.RateLimited
	return res.normalize(e.cooldownSec())
}

// ==================== ORDER LIFECYCLE ====================

type limitOrder struct {
	symbol     string
	side       exchange.Side
	qty        float64
	price      float64
	tif        exchange.TimeInForce
	reduceOnly bool
	timeout    time.Duration
	cancelWait time.Duration
	errReason  string
}

// executeLimit places, polls, cancels on timeout and aggregates fills
func (e *Engine) executeLimit(ctx context.Context, client exchange.Client, lo limitOrder) *OrderResult {
	side := string(lo.side)
	started := e.now()

	order, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        lo.symbol,
		Side:          lo.side,
		Price:         lo.price,
		Qty:           lo.qty,
		TimeInForce:   lo.tif,
		ClientOrderID: "sb-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		ReduceOnly:    lo.reduceOnly,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", lo.symbol).Str("side", side).Msg("Order placement failed")
		return e.errorResult(lo.symbol, side, lo.errReason, err)
	}
	if order == nil || order.ID == "" {
		return e.fail(lo.symbol, side, ReasonOrderIDMissing)
	}

	polled := e.pollOrder(ctx, client, lo.symbol, order.ID, lo.timeout)
	last := polled.order
	if polled.timeout {
		if o := e.cancelAndConfirm(ctx, client, lo.symbol, order.ID, lo.cancelWait); o != nil {
			last = o
		}
	}
	metrics.OrderLatency.WithLabelValues(side).Observe(e.now().Sub(started).Seconds())

	fills, err := client.OrderFills(detached(ctx), lo.symbol, order.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Fill lookup failed")
		if exchange.IsRateLimited(err) {
			polled.rateLimited = true
		}
		if last != nil && last.Filled > 0 {
			fills = []exchange.Fill{{OrderID: order.ID, Price: last.Price, Qty: last.Filled}}
		}
	}
	agg := aggregateFills(fills)

	res := &OrderResult{
		OK:                    agg.qty > 0,
		Reason:                ReasonNoRealFill,
		Symbol:                lo.symbol,
		Side:                  side,
		OrderID:               order.ID,
		RealizedQty:           agg.qty,
		RealizedVWAP:          agg.vwap,
		Amount:                agg.amount,
		Fee:                   agg.fee,
		RateLimited:           polled.rateLimited,
		SafeCooldownRequested: polled.rateLimited,
		Fills:                 agg.fills,
	}
	if res.OK {
		res.Reason = ReasonFilled
	}
	return res.normalize(e.cooldownSec())
}

type pollOutcome struct {
	order       *exchange.Order
	timeout     bool
	rateLimited bool
}

// pollOrder waits for a terminal status. Rate-limit errors stretch the
// interval by BackoffFactor up to MaxBackoff.
func (e *Engine) pollOrder(ctx context.Context, client exchange.Client, symbol, orderID string, timeout time.Duration) pollOutcome {
	deadline := e.now().Add(timeout)
	interval := e.cfg.PollInterval
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}

	var out pollOutcome
	for e.now().Before(deadline) {
		order, err := client.GetOrder(ctx, symbol, orderID)
		switch {
		case err != nil && exchange.IsRateLimited(err):
			out.rateLimited = true
			interval = time.Duration(math.Min(float64(interval)*e.cfg.BackoffFactor, float64(e.cfg.MaxBackoff)))
		case err != nil:
			e.logger.Warn().Err(err).Str("order_id", orderID).Msg("Order poll error")
		case order != nil:
			out.order = order
			if order.Status.Done() || (order.Amount > 0 && order.Filled >= order.Amount-1e-12) {
				return out
			}
		}

		if remaining := deadline.Sub(e.now()); remaining < interval {
			interval = max(remaining, time.Millisecond)
		}
		if err := sleepCtx(ctx, interval); err != nil {
			break
		}
	}
	out.timeout = true
	return out
}

// cancelAndConfirm cancels orderID and waits until the exchange reports a
// terminal status, so fills are never read from a still-open order. It runs
// even when ctx is already canceled.
func (e *Engine) cancelAndConfirm(ctx context.Context, client exchange.Client, symbol, orderID string, wait time.Duration) *exchange.Order {
	if wait < 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(detached(ctx), wait+time.Second)
	defer cancel()

	if err := client.CancelOrder(cctx, symbol, orderID); err != nil {
		e.logger.Warn().Err(err).Str("order_id", orderID).Msg("Cancel request failed")
	}

	deadline := e.now().Add(wait)
	var last *exchange.Order
	for e.now().Before(deadline) {
		order, err := client.GetOrder(cctx, symbol, orderID)
		if err == nil && order != nil {
			last = order
			if order.Status.Done() {
				e.logger.Debug().Str("order_id", orderID).Str("status", string(order.Status)).Msg("Cancel confirmed")
				return order
			}
		}
		if sleepCtx(cctx, e.cfg.CancelPollInterval) != nil {
			break
		}
	}
	e.logger.Warn().Str("order_id", orderID).Msg("Cancel not confirmed before deadline")
	return last
}

func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
