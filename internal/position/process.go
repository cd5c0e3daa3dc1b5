package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/idempotency"
)

// TakeProfitRequest asks for one stage of the take-profit ladder
type TakeProfitRequest struct {
	Symbol          string  `json:"symbol"`
	TPRatio         float64 `json:"tp_ratio"`
	SellRatio       float64 `json:"sell_ratio"`
	Stage           int     `json:"stage"`
	Timeframe       string  `json:"timeframe"`
	CandleTimestamp int64   `json:"candle_timestamp"`
}

// ==================== ENTRY ====================

// ProcessEntry claims the signal's candle, marks ENTRY_PENDING and buys
// through the executor. Rejections return a *RejectError and no result.
func (m *Machine) ProcessEntry(ctx context.Context, sig execution.Signal) (*execution.OrderResult, error) {
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		return nil, reject("%s(%v)", ReasonInvalidSignal, err)
	}
	if sig.Side != string(exchange.SideBuy) {
		return nil, reject(ReasonNotBuy)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.ReleaseSafeCooldownIfDue()

	symbol := sig.Symbol
	log := m.logger.With().Str("symbol", symbol).Str("timeframe", sig.Timeframe).Logger()

	if m.risk != nil && m.risk.HardStopActive() {
		log.Warn().Msg("Entry blocked: daily risk halt active")
		return nil, reject(ReasonRiskHalt)
	}

	tfSec, _ := idempotency.TimeframeSeconds(sig.Timeframe)
	bucket, err := idempotency.CandleBucket(sig.CandleTimestamp, tfSec)
	if err != nil {
		return nil, reject("%s(%v)", ReasonInvalidSignal, err)
	}
	key := idempotency.Key(symbol, sig.Timeframe, bucket, string(exchange.SideBuy))

	err = m.update(func(st *RuntimeState) error {
		if m.persistErr != nil {
			m.saveLocked()
			if m.persistErr != nil {
				return reject("%s(%v)", ReasonNotPersisted, m.persistErr)
			}
		}
		now := m.now()
		if st.State == StateSafeCooldown && now.Before(st.SafeCooldownUntil) {
			return reject("%s(until=%s)", ReasonSafeCooldown, st.SafeCooldownUntil.Format(time.RFC3339))
		}
		if st.State != StateFlat {
			return reject("%s(state=%s)", ReasonStateNotFlat, st.State)
		}
		if st.LastExitAt != nil && st.Symbol == symbol && now.Sub(*st.LastExitAt) < m.cfg.PostExitCooldown {
			return reject("%s(%s)", ReasonPostExitCooldown, symbol)
		}
		return nil
	})
	if err != nil {
		log.Warn().Str("reason", RejectReason(err)).Msg("Entry blocked")
		return nil, err
	}

	if err := m.claim(ctx, key, tfSec); err != nil {
		log.Warn().Str("key", key).Str("reason", RejectReason(err)).Msg("Entry blocked by idempotency claim")
		return nil, err
	}

	err = m.update(func(st *RuntimeState) error {
		st.Symbol = symbol
		st.LastOrderID = ""
		return m.transitionLocked(StateEntryPending, "entry_signal:"+symbol, false)
	})
	if err != nil {
		return nil, err
	}

	res := m.exec.Entry(ctx, sig)

	if res.Filled() {
		_ = m.update(func(st *RuntimeState) error {
			now := m.now()
			idx := bucket / tfSec
			st.Symbol = symbol
			st.PositionQty = res.RealizedQty
			st.AvgEntryPrice = res.RealizedVWAP
			st.CumulativeFee += res.Fee
			st.LastEntryAt = &now
			st.LastOrderID = res.OrderID
			st.EntryCandleIndex = &idx
			st.TakeProfitStage = 0
			st.LastTakeProfitCandle = nil
			st.PeakVolumeRatio = math.Max(0, sig.VolumeRatio)
			st.LiquidityCollapseBars = 0
			m.saveLocked()

			if err := m.transitionLocked(StateInPosition, "entry_filled:"+symbol, false); err != nil {
				return err
			}
			if res.SafeCooldownRequested {
				m.enterSafeCooldownLocked("entry_rate_limit", m.cooldownFor(res), true)
			}
			return nil
		})
		log.Info().
			Float64("qty", res.RealizedQty).
			Float64("vwap", res.RealizedVWAP).
			Str("order_id", res.OrderID).
			Msg("Entry filled")
		return res, nil
	}

	log.Warn().Str("reason", res.Reason).Bool("rate_limited", res.RateLimited).Msg("Entry not filled, reconciling")
	_ = m.update(func(st *RuntimeState) error {
		st.LastOrderID = res.OrderID
		return nil
	})
	m.reconcileAfterFailure(ctx, "entry_fail", symbol)

	err = m.update(func(st *RuntimeState) error {
		if st.State == StateEntryPending {
			st.PositionQty = 0
			st.AvgEntryPrice = 0
			st.LastOrderID = res.OrderID
			m.saveLocked()
		}
		held := st.PositionQty > 0
		if held && st.EntryCandleIndex == nil {
			// the exchange holds what this entry bought
			idx := bucket / tfSec
			now := m.now()
			st.EntryCandleIndex = &idx
			st.LastEntryAt = &now
			st.PeakVolumeRatio = math.Max(st.PeakVolumeRatio, sig.VolumeRatio)
			m.saveLocked()
		}
		if res.SafeCooldownRequested {
			m.enterSafeCooldownLocked("entry_fail:"+res.Reason, m.cooldownFor(res), held)
			return nil
		}
		if held {
			return nil
		}
		return m.transitionLocked(StateFlat, "entry_fail_recover", true)
	})
	if err != nil {
		log.Error().Err(err).Msg("Entry recovery transition refused")
	}
	return res, nil
}

// ==================== EXIT ====================

// ProcessExit sells qty of the active position; qty <= 0 sells everything
func (m *Machine) ProcessExit(ctx context.Context, symbol string, qty float64, reason string) (*execution.OrderResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.processExitLocked(ctx, symbol, qty, reason)
}

func (m *Machine) processExitLocked(ctx context.Context, symbol string, qty float64, reason string) (*execution.OrderResult, error) {
	m.ReleaseSafeCooldownIfDue()
	if reason == "" {
		reason = "signal"
	}
	symbol = exchange.NormalizeSymbol(symbol)

	err := m.update(func(st *RuntimeState) error {
		if st.State != StateInPosition && st.State != StateSafeCooldown {
			return reject("%s(state=%s)", ReasonNotInPosition, st.State)
		}
		if symbol == "" {
			symbol = st.Symbol
		}
		if symbol != st.Symbol {
			return reject("%s(active=%s, requested=%s)", ReasonSymbolMismatch, st.Symbol, symbol)
		}
		st.LastOrderID = ""
		return m.transitionLocked(StateExitPending, "exit_signal:"+symbol, false)
	})
	if err != nil {
		m.logger.Warn().Str("symbol", symbol).Str("reason", RejectReason(err)).Err(err).Msg("Exit blocked")
		return nil, err
	}

	if qty <= 0 {
		qty = m.Snapshot().PositionQty
		if qty <= 0 {
			if held, err := m.exchangeQty(ctx, symbol); err == nil {
				qty = held
			}
		}
	}

	if qty <= 0 {
		m.logger.Warn().Str("symbol", symbol).Msg("Exit has no quantity, reconciling")
		m.reconcileAfterFailure(ctx, "exit_invalid_qty", symbol)
		m.fallbackToHolding("exit_invalid_qty")
		return nil, reject(ReasonInvalidExitQty)
	}

	res := m.exec.Sell(ctx, symbol, qty, execution.SellOptions{AggressiveTicks: m.cfg.ExitTicks})
	if res.Filled() {
		m.applySellFill(res, "exit_filled:"+reason, nil)
		return res, nil
	}

	m.recoverAfterSellFailure(ctx, "exit_fail", symbol, res)
	return res, nil
}

// ==================== TAKE PROFIT ====================

// ProcessTakeProfit sells one rung of the ladder once best bid clears
// avg_entry × (1+TPRatio).
func (m *Machine) ProcessTakeProfit(ctx context.Context, req TakeProfitRequest) (*execution.OrderResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.ReleaseSafeCooldownIfDue()
	snap := m.Snapshot()

	if snap.State != StateInPosition {
		return nil, reject("%s(state=%s)", ReasonNotInPosition, snap.State)
	}
	symbol := exchange.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		symbol = snap.Symbol
	}
	if symbol == "" || symbol != snap.Symbol {
		return nil, reject("%s(active=%s, requested=%s)", ReasonSymbolMismatch, snap.Symbol, symbol)
	}
	if snap.PositionQty <= 0 {
		return nil, reject(ReasonNoPosition)
	}

	bid, _, err := m.exec.BestBidAsk(ctx, symbol)
	if err != nil || bid <= 0 || snap.AvgEntryPrice <= 0 {
		return nil, reject(ReasonBidUnavailable)
	}
	tpRatio := math.Max(0, req.TPRatio)
	target := snap.AvgEntryPrice * (1 + tpRatio)
	if bid < target {
		return nil, reject("%s(bid=%.8f < %.8f)", ReasonTPNotReached, bid, target)
	}

	stage := req.Stage
	if stage <= 0 {
		stage = snap.TakeProfitStage + 1
	}
	if snap.TakeProfitStage != stage-1 {
		return nil, reject("%s(current=%d, requested=%d)", ReasonTPStageMismatch, snap.TakeProfitStage, stage)
	}

	tfSec, err := idempotency.TimeframeSeconds(req.Timeframe)
	if err != nil {
		return nil, reject("%s(%v)", ReasonInvalidSignal, err)
	}
	bucket, err := idempotency.CandleBucket(req.CandleTimestamp, tfSec)
	if err != nil {
		return nil, reject("%s(%v)", ReasonInvalidSignal, err)
	}
	if snap.LastTakeProfitCandle != nil && *snap.LastTakeProfitCandle == bucket {
		return nil, reject("%s(%d)", ReasonTPDuplicate, bucket)
	}

	sellQty := snap.PositionQty * math.Min(1, math.Max(0, req.SellRatio))
	if math.IsNaN(sellQty) || sellQty <= 0 {
		return nil, reject("%s(sell_ratio=%v)", ReasonInvalidExitQty, req.SellRatio)
	}

	// a refused request must not use up the candle
	tf := idempotency.CanonicalTimeframe(req.Timeframe)
	key := idempotency.Key(symbol, tf, bucket, idempotency.TakeProfitSide(stage))
	if err := m.claim(ctx, key, tfSec); err != nil {
		return nil, err
	}

	label := fmt.Sprintf("tp_stage_%d", stage)
	err = m.update(func(*RuntimeState) error {
		return m.transitionLocked(StateExitPending, label+":"+symbol, false)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("symbol", symbol).
		Int("stage", stage).
		Float64("bid", bid).
		Float64("target", target).
		Float64("qty", sellQty).
		Msg("Take profit triggered")

	res := m.exec.Sell(ctx, symbol, sellQty, execution.SellOptions{AggressiveTicks: 1})
	if res.Filled() {
		m.applySellFill(res, "tp_filled:"+label, &ladderUpdate{stage: stage, candle: bucket})
		return res, nil
	}

	m.recoverAfterSellFailure(ctx, "tp_fail", symbol, res)
	return res, nil
}

// ==================== LIQUIDITY / PANIC ====================

// UpdateLiquidityRatio tracks peak activity since entry and counts
// consecutive bars below half the peak.
func (m *Machine) UpdateLiquidityRatio(volumeRatio float64) RuntimeState {
	vol := math.Max(0, volumeRatio)
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		vol = 0
	}

	var out RuntimeState
	_ = m.update(func(st *RuntimeState) error {
		if st.State == StateInPosition || st.State == StateSafeCooldown {
			st.PeakVolumeRatio = math.Max(st.PeakVolumeRatio, vol)
			if st.PeakVolumeRatio > 0 && vol < 0.5*st.PeakVolumeRatio {
				st.LiquidityCollapseBars++
			} else {
				st.LiquidityCollapseBars = 0
			}
			m.saveLocked()
		}
		out = st.Clone()
		return nil
	})
	return out
}

// ProcessPanicExit liquidates the position after two collapse bars. A halted
// panic leaves the remainder in an extended SAFE_COOLDOWN and alerts.
func (m *Machine) ProcessPanicExit(ctx context.Context, symbol string, hardLossCap float64) (*execution.OrderResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.ReleaseSafeCooldownIfDue()
	snap := m.Snapshot()

	if snap.State != StateInPosition && snap.State != StateSafeCooldown {
		return nil, reject("%s(state=%s)", ReasonNotInPosition, snap.State)
	}
	if snap.LiquidityCollapseBars < 2 {
		return nil, reject("%s(bars=%d)", ReasonNoCollapse, snap.LiquidityCollapseBars)
	}
	symbol = exchange.NormalizeSymbol(symbol)
	if symbol == "" {
		symbol = snap.Symbol
	}
	if symbol == "" || symbol != snap.Symbol {
		return nil, reject("%s(active=%s, requested=%s)", ReasonSymbolMismatch, snap.Symbol, symbol)
	}
	qty := snap.PositionQty
	if qty <= 0 {
		return nil, reject(ReasonNoPosition)
	}

	unrealized := m.UnrealizedPnLPct(ctx, symbol)
	if snap.AvgEntryPrice <= 0 {
		// unknown cost basis counts as beyond any loss cap
		unrealized = math.Inf(-1)
		m.logger.Warn().Str("symbol", symbol).Msg("Panic exit without cost basis, final IOC leg disabled")
	}

	err := m.update(func(*RuntimeState) error {
		return m.transitionLocked(StateExitPending, "panic_exit:"+symbol, false)
	})
	if err != nil {
		return nil, err
	}

	res := m.exec.PanicExit(ctx, symbol, qty, unrealized, hardLossCap)

	if res.Halted {
		_ = m.update(func(st *RuntimeState) error {
			if res.RealizedQty > 0 {
				st.PositionQty = math.Max(0, st.PositionQty-res.RealizedQty)
				st.CumulativeFee += res.Fee
				st.LastOrderID = res.OrderID
				m.saveLocked()
			}
			m.enterSafeCooldownLocked("panic_halt:"+res.Reason, m.cfg.PanicHaltCooldown, true)
			return nil
		})
		m.alert(ctx, "CRITICAL", "PANIC HALT",
			fmt.Sprintf("%s unrealized=%.2f%% remaining=%.8f reason=%s", symbol, unrealized*100, res.RemainingQty, res.Reason))
		return res, nil
	}

	if res.Filled() {
		m.applySellFill(res, "panic_exit_filled", nil)
		return res, nil
	}

	m.recoverAfterSellFailure(ctx, "panic_fail", symbol, res)
	return res, nil
}

// ProcessTimeStop exits everything once the position has been held longer
// than maxHoldBars without reaching targetProfit.
func (m *Machine) ProcessTimeStop(ctx context.Context, symbol string, currentCandleIndex int64, maxHoldBars int, targetProfit float64) (*execution.OrderResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.ReleaseSafeCooldownIfDue()
	snap := m.Snapshot()

	if snap.State != StateInPosition && snap.State != StateSafeCooldown {
		return nil, reject("%s(state=%s)", ReasonNotInPosition, snap.State)
	}
	symbol = exchange.NormalizeSymbol(symbol)
	if symbol == "" {
		symbol = snap.Symbol
	}
	if snap.EntryCandleIndex == nil {
		return nil, reject(ReasonNoEntryCandle)
	}

	hold := currentCandleIndex - *snap.EntryCandleIndex
	if hold <= int64(maxHoldBars) {
		return nil, reject("%s(hold=%d, max=%d)", ReasonHoldWithinLimit, hold, maxHoldBars)
	}
	unrealized := m.UnrealizedPnLPct(ctx, symbol)
	if unrealized >= targetProfit {
		return nil, reject("%s(pnl=%.5f)", ReasonProfitOnTarget, unrealized)
	}

	return m.processExitLocked(ctx, symbol, 0, fmt.Sprintf("TIME_STOP(hold=%d, pnl=%.5f)", hold, unrealized))
}

// ==================== SHARED OUTCOMES ====================

type ladderUpdate struct {
	stage  int
	candle int64
}

// applySellFill books a filled sell and moves to FLAT or back to IN_POSITION
func (m *Machine) applySellFill(res *execution.OrderResult, reason string, ladder *ladderUpdate) {
	err := m.update(func(st *RuntimeState) error {
		now := m.now()
		remain := math.Max(0, st.PositionQty-res.RealizedQty)
		st.PositionQty = remain
		st.CumulativeFee += res.Fee
		st.LastOrderID = res.OrderID
		if ladder != nil {
			st.TakeProfitStage = ladder.stage
			candle := ladder.candle
			st.LastTakeProfitCandle = &candle
		}

		final := StateInPosition
		if remain <= qtyEpsilon {
			final = StateFlat
			st.PositionQty = 0
			st.LastExitAt = &now
			st.clearEntry(ladder == nil)
		}
		m.saveLocked()

		if err := m.transitionLocked(final, reason, true); err != nil {
			return err
		}
		if res.SafeCooldownRequested {
			m.enterSafeCooldownLocked(execution.ReasonCode(reason)+"_rate_limit", m.cooldownFor(res), final == StateInPosition)
		}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Sell fill transition refused")
	}
	m.logger.Info().
		Str("symbol", res.Symbol).
		Float64("sold", res.RealizedQty).
		Float64("vwap", res.RealizedVWAP).
		Str("reason", reason).
		Msg("Sell filled")
}

// recoverAfterSellFailure reconciles and then falls back to SAFE_COOLDOWN when
// the exchange throttled us, or to whatever the held quantity implies.
func (m *Machine) recoverAfterSellFailure(ctx context.Context, label, symbol string, res *execution.OrderResult) {
	m.logger.Warn().
		Str("symbol", symbol).
		Str("reason", res.Reason).
		Bool("rate_limited", res.RateLimited).
		Msg("Sell not filled, reconciling")

	m.reconcileAfterFailure(ctx, label, symbol)

	if res.SafeCooldownRequested {
		_ = m.update(func(st *RuntimeState) error {
			m.enterSafeCooldownLocked(label+":"+res.Reason, m.cooldownFor(res), st.PositionQty > 0)
			return nil
		})
		return
	}
	m.fallbackToHolding(label + "_recover")
}

// fallbackToHolding settles a pending exit on IN_POSITION or FLAT by held qty
func (m *Machine) fallbackToHolding(reason string) {
	err := m.update(func(st *RuntimeState) error {
		target := StateFlat
		if st.PositionQty > 0 {
			target = StateInPosition
		}
		if st.State == StateSafeCooldown {
			return nil
		}
		return m.transitionLocked(target, reason, true)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("reason", reason).Msg("Fallback transition refused")
	}
}

func (m *Machine) reconcileAfterFailure(ctx context.Context, label, symbol string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReconcileTimeout)
	defer cancel()
	if err := m.Reconcile(rctx, label, symbol); err != nil {
		m.logger.Warn().Err(err).Str("context", label).Msg("Reconcile after failure incomplete")
	}
}
