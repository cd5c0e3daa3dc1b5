package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"spot-execution-bot/internal/exchange"
)

const qtyEpsilon = 1e-12

// SellOptions tunes a single marketable-limit exit
type SellOptions struct {
	AggressiveTicks    int
	Timeout            time.Duration
	IOC                bool
	ForceRefreshMarket bool
}

// BestBidAsk returns the top of book for symbol
func (e *Engine) BestBidAsk(ctx context.Context, symbol string) (bid, ask float64, err error) {
	t, err := e.Client().Ticker(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	return t.Bid, t.Ask, nil
}

// Sell exits qty of symbol with a limit priced AggressiveTicks below the best
// bid. Quantity is capped by the free base balance. Sells are never gated on
// market status; ForceRefreshMarket only refreshes the cache and logs.
func (e *Engine) Sell(ctx context.Context, symbol string, qty float64, opts SellOptions) (res *OrderResult) {
	side := string(exchange.SideSell)
	if symbol == "" {
		return e.fail(symbol, side, ReasonEmptySymbol)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("symbol", symbol).Msg("Sell recovered from panic")
			res = e.fail(symbol, side, fmt.Sprintf("%s:%v", ReasonSellError, r))
		}
	}()

	if !(qty > 0) {
		return e.fail(symbol, side, ReasonInvalidQty)
	}

	client := e.Client()
	if balances, err := client.Balances(ctx); err == nil {
		free := balances[exchange.BaseAsset(symbol)].Free
		if free <= qtyEpsilon {
			return e.fail(symbol, side, ReasonInvalidQty+":NO_FREE_BALANCE")
		}
		qty = math.Min(qty, free)
	} else {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Balance lookup failed, selling requested qty")
	}

	if opts.ForceRefreshMarket {
		if st := e.CheckMarketStatus(ctx, symbol, true); !st.OK {
			e.logger.Warn().Str("symbol", symbol).Str("market", st.Reason).Msg("Exiting despite market status")
		}
	}

	bid, _, err := e.BestBidAsk(ctx, symbol)
	if err != nil {
		res := e.fail(symbol, side, ReasonOrderbookMissing)
		res.RemainingQty = qty
		res.RateLimited = exchange.IsRateLimited(err)
		res.SafeCooldownRequested = res.RateLimited
		return res.normalize(e.cooldownSec())
	}
	if bid <= 0 {
		res := e.fail(symbol, side, ReasonInvalidBestBid)
		res.RemainingQty = qty
		return res
	}

	ticks := opts.AggressiveTicks
	if ticks < 1 {
		ticks = 1
	}
	tick := TickSize(bid)
	price := RoundToTick(math.Max(tick, bid-float64(ticks)*tick), tick, exchange.SideSell)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ExitTimeout
	}
	tif := exchange.GTC
	if opts.IOC {
		tif = exchange.IOC
	}

	e.logger.Info().
		Str("symbol", symbol).
		Float64("qty", qty).
		Float64("best_bid", bid).
		Float64("limit", price).
		Bool("ioc", opts.IOC).
		Msg("Submitting exit")

	res = e.executeLimit(ctx, client, limitOrder{
		symbol:     symbol,
		side:       exchange.SideSell,
		qty:        qty,
		price:      price,
		tif:        tif,
		reduceOnly: true,
		timeout:    timeout,
		cancelWait: e.cfg.ExitCancelWait,
		errReason:  ReasonSellError,
	})
	res.LimitPrice = price
	res.BestPrice = bid
	res.RemainingQty = clampPositive(qty - res.RealizedQty)

	e.record(ctx, "SELL", res)
	return res
}

// PanicExit liquidates qty through escalating legs. Open orders on symbol are
// canceled first. The final IOC leg only runs while unrealizedPct is not
// worse than hardLossCap (PanicLossCap when zero); otherwise the result is
// halted with the remainder left for the caller.
func (e *Engine) PanicExit(ctx context.Context, symbol string, qty, unrealizedPct, hardLossCap float64) (res *OrderResult) {
	side := string(exchange.SideSell)
	if symbol == "" {
		return e.fail(symbol, side, ReasonEmptySymbol)
	}
	if !(qty > 0) {
		return e.fail(symbol, side, ReasonInvalidQty)
	}
	if hardLossCap == 0 {
		hardLossCap = e.cfg.PanicLossCap
	}

	log := e.logger.With().Str("symbol", symbol).Logger()
	log.Warn().Float64("qty", qty).Float64("unrealized", unrealizedPct).Float64("cap", hardLossCap).Msg("Panic exit started")

	e.cancelOpenOrders(ctx, symbol)

	agg := &OrderResult{Symbol: symbol, Side: side}
	remaining := qty

	runLeg := func(leg PanicLeg) {
		r := e.Sell(ctx, symbol, remaining, SellOptions{AggressiveTicks: leg.Ticks, Timeout: leg.Timeout, IOC: leg.IOC})
		agg.Legs = append(agg.Legs, r)
		if r.RateLimited {
			agg.RateLimited = true
		}
		if r.RealizedQty > 0 {
			agg.Amount += r.Amount
			agg.Fee += r.Fee
			agg.RealizedQty += r.RealizedQty
			agg.Fills = append(agg.Fills, r.Fills...)
			remaining = clampPositive(remaining - r.RealizedQty)
		}
		log.Info().
			Int("ticks", leg.Ticks).
			Bool("ioc", leg.IOC).
			Float64("filled", r.RealizedQty).
			Float64("remaining", remaining).
			Str("reason", r.Reason).
			Msg("Panic leg finished")
	}

	for _, leg := range e.cfg.PanicLegs {
		if remaining <= qtyEpsilon {
			break
		}
		runLeg(leg)
	}

	if remaining > qtyEpsilon {
		if unrealizedPct >= hardLossCap {
			runLeg(e.cfg.PanicFinalLeg)
		} else {
			agg.Halted = true
			agg.Reason = fmt.Sprintf("%s(loss=%.4f, cap=%.4f)", ReasonPanicHalt, unrealizedPct, hardLossCap)
			log.Error().Float64("remaining", remaining).Msg("Panic exit halted at loss cap")
		}
	}

	if agg.RealizedQty > 0 {
		agg.RealizedVWAP = agg.Amount / agg.RealizedQty
	}
	agg.OK = agg.RealizedQty > 0
	agg.RemainingQty = remaining
	agg.SafeCooldownRequested = agg.RateLimited
	if !agg.Halted {
		agg.Reason = ReasonPanicPartial
		if remaining <= qtyEpsilon {
			agg.Reason = ReasonPanicFilled
		}
	}
	if n := len(agg.Legs); n > 0 {
		agg.OrderID = agg.Legs[n-1].OrderID
	}

	agg.normalize(e.cooldownSec())
	e.record(ctx, "PANIC_EXIT", agg)
	return agg
}

func (e *Engine) cancelOpenOrders(ctx context.Context, symbol string) {
	client := e.Client()
	orders, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Open order lookup failed before panic exit")
		return
	}
	for _, o := range orders {
		if err := client.CancelOrder(detached(ctx), symbol, o.ID); err != nil {
			e.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Cancel before panic exit failed")
		}
	}
}
