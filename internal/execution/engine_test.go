package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-execution-bot/internal/exchange"
)

const testSymbol = "BTC/USDT"

type captureRecorder struct {
	mu      sync.Mutex
	events  []string
	shadows []string
}

func (c *captureRecorder) RecordExecution(_ context.Context, event string, res *OrderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event+":"+ReasonCode(res.Reason))
}

func (c *captureRecorder) RecordShadow(_ context.Context, _ Signal, decision, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shadows = append(c.shadows, decision+":"+ReasonCode(reason))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.EntryTimeout = 100 * time.Millisecond
	cfg.ExitTimeout = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.EntryCancelWait = 60 * time.Millisecond
	cfg.ExitCancelWait = 60 * time.Millisecond
	cfg.CancelPollInterval = 5 * time.Millisecond
	cfg.PanicLegs = []PanicLeg{
		{Ticks: 3, Timeout: 30 * time.Millisecond},
		{Ticks: 6, Timeout: 30 * time.Millisecond},
	}
	cfg.PanicFinalLeg = PanicLeg{Ticks: 10, Timeout: 30 * time.Millisecond, IOC: true}
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *exchange.Simulator, *captureRecorder) {
	t.Helper()
	sim := exchange.NewSimulator(exchange.DefaultSimulatorConfig())
	sim.SetOrderBook(testSymbol,
		[]exchange.PriceLevel{{Price: 999, Qty: 300}},
		[]exchange.PriceLevel{{Price: 1000, Qty: 300}},
	)
	rec := &captureRecorder{}
	return NewEngine(sim, fastConfig(), zerolog.Nop(), WithRecorder(rec)), sim, rec
}

func buySignal(notional float64) Signal {
	return Signal{Symbol: testSymbol, Side: "buy", TargetNotional: notional, Timeframe: "5m", CandleTimestamp: 1_700_000_000}
}

func TestTickSize(t *testing.T) {
	tests := []struct {
		price, tick float64
	}{
		{-5, 1},
		{0, 1},
		{0.05, 0.0001},
		{0.5, 0.001},
		{5, 0.01},
		{50, 0.1},
		{999, 1},
		{1000, 5},
		{50_000, 10},
		{200_000, 50},
		{700_000, 100},
		{1_500_000, 500},
		{3_000_000, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tick, TickSize(tt.price), "price %v", tt.price)
	}
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 1010.0, RoundToTick(1010, 5, exchange.SideBuy))
	assert.Equal(t, 1015.0, RoundToTick(1011, 5, exchange.SideBuy))
	assert.Equal(t, 1010.0, RoundToTick(1014.9, 5, exchange.SideSell))
	assert.Equal(t, 0.0003, RoundToTick(0.00021, 0.0001, exchange.SideBuy))
	assert.Equal(t, 5.0, RoundToTick(1, 5, exchange.SideSell), "never below one tick")
}

func TestApplyCost(t *testing.T) {
	buy, err := ApplyCost(100, "buy", 0.001)
	require.NoError(t, err)
	sell, err := ApplyCost(100, "SELL", 0.001)
	require.NoError(t, err)
	assert.Greater(t, buy, 100.0)
	assert.Less(t, sell, 100.0)

	// a round trip through cost always loses money
	assert.Less(t, sell-buy, 0.0)

	_, err = ApplyCost(100, "hold", 0.001)
	assert.ErrorIs(t, err, ErrInvalidCost)
	_, err = ApplyCost(100, "buy", -0.1)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestSimulateBuyVWAP(t *testing.T) {
	book := &exchange.OrderBook{Asks: []exchange.PriceLevel{{Price: 100, Qty: 1}, {Price: 110, Qty: 10}}}

	sim := SimulateBuyVWAP(book, 320)
	require.True(t, sim.OK)
	assert.Equal(t, 100.0, sim.BestAsk)
	assert.InDelta(t, 3.0, sim.SimQty, 1e-9)
	assert.InDelta(t, 320.0/3.0, sim.ProjectedVWAP, 1e-9)
	assert.InDelta(t, (320.0/3.0-100)/100, sim.SlippagePct, 1e-9)

	assert.Equal(t, ReasonInvalidTargetMoney, SimulateBuyVWAP(book, 0).Reason)
	assert.Equal(t, ReasonEmptyAskBook, SimulateBuyVWAP(&exchange.OrderBook{}, 10).Reason)
	assert.Equal(t, ReasonBookDepthShortfall, SimulateBuyVWAP(book, 10_000).Reason)
}

func TestCheckGates(t *testing.T) {
	e, _, _ := newTestEngine(t)
	book := &exchange.OrderBook{
		Bids: []exchange.PriceLevel{{Price: 999, Qty: 10}},
		Asks: []exchange.PriceLevel{{Price: 1000, Qty: 10}},
	}

	ok, reason := e.CheckGates(Signal{TargetNotional: 1000}, book)
	assert.True(t, ok, reason)

	ok, reason = e.CheckGates(Signal{TargetNotional: 1000, SpreadBP: 80}, book)
	assert.False(t, ok)
	assert.Equal(t, "SPREAD_TOO_WIDE (80.0 > 50.0)", reason)

	ok, reason = e.CheckGates(Signal{TargetNotional: 10_000}, book)
	assert.False(t, ok)
	assert.Equal(t, ReasonDepthInsufficient, ReasonCode(reason))

	ok, reason = e.CheckGates(Signal{TargetNotional: 1000, ChasePct: 4}, book)
	assert.False(t, ok)
	assert.Equal(t, "CHASE_TOO_HIGH (4.00% > 3.00%)", reason)
}

func TestEntryFillsAtProjectedVWAP(t *testing.T) {
	e, _, rec := newTestEngine(t)

	res := e.Entry(context.Background(), buySignal(100_000))
	require.True(t, res.Filled(), res.Reason)
	assert.Equal(t, ReasonFilled, res.Reason)
	assert.Equal(t, 1010.0, res.LimitPrice)
	assert.InDelta(t, 99.8, res.RealizedQty, 1e-9)
	assert.InDelta(t, 1000.0, res.RealizedVWAP, 1e-9)
	assert.Greater(t, res.Fee, 0.0)
	assert.False(t, res.SafeCooldownRequested)
	assert.Equal(t, []string{"ENTRY:FILLED"}, rec.events)
	assert.Equal(t, []string{"PASS:PASS"}, rec.shadows)
}

func TestEntryActiveSymbolLock(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	require.True(t, e.markActive(testSymbol))

	res := e.Entry(context.Background(), buySignal(1000))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonActiveSymbolLock, res.Reason)
	assert.Zero(t, sim.Calls(exchange.OpPlaceOrder))

	e.releaseActive(testSymbol)
	assert.True(t, e.Entry(context.Background(), buySignal(1000)).Filled())
}

func TestEntryRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty symbol", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		assert.Equal(t, ReasonEmptySymbol, e.Entry(ctx, Signal{TargetNotional: 10}).Reason)
	})

	t.Run("non-positive notional", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		assert.Equal(t, ReasonInvalidNotional, e.Entry(ctx, buySignal(0)).Reason)
	})

	t.Run("no quote budget", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetBalance("USDT", 0)
		assert.Equal(t, "BUDGET_FAIL:AVAILABLE_FOR_BOT_ZERO", e.Entry(ctx, buySignal(1000)).Reason)
	})

	t.Run("market warning", func(t *testing.T) {
		e, sim, rec := newTestEngine(t)
		sim.SetMarket(exchange.MarketInfo{Symbol: testSymbol, Active: true, State: "TRADING", Warning: "caution"})
		res := e.Entry(ctx, buySignal(1000))
		assert.Equal(t, "MARKET_BLOCK(state=TRADING, warning=CAUTION, active=true)", res.Reason)
		assert.Equal(t, []string{"BLOCK:MARKET_BLOCK"}, rec.shadows)
		assert.Zero(t, sim.Calls(exchange.OpPlaceOrder))
	})

	t.Run("slippage", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetOrderBook(testSymbol,
			[]exchange.PriceLevel{{Price: 999, Qty: 300}},
			[]exchange.PriceLevel{{Price: 1000, Qty: 10}, {Price: 1100, Qty: 1000}},
		)
		res := e.Entry(ctx, buySignal(100_000))
		assert.Equal(t, ReasonSlippageBlock, ReasonCode(res.Reason))
		assert.Greater(t, res.SlippagePct, 0.01)
		assert.Zero(t, sim.Calls(exchange.OpPlaceOrder))
	})

	t.Run("signal slippage override", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetOrderBook(testSymbol,
			[]exchange.PriceLevel{{Price: 999, Qty: 300}},
			[]exchange.PriceLevel{{Price: 1000, Qty: 10}, {Price: 1100, Qty: 1000}},
		)
		sig := buySignal(100_000)
		sig.MaxEntrySlippagePct = 0.2
		assert.True(t, e.Entry(ctx, sig).Filled())
	})

	t.Run("order book rate limited", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.FailNext(exchange.OpOrderBook, exchange.ErrRateLimited, 1)
		res := e.Entry(ctx, buySignal(1000))
		assert.Equal(t, ReasonOrderbookMissing, res.Reason)
		assert.True(t, res.RateLimited)
		assert.Equal(t, 60, res.SafeCooldownSec)
	})

	t.Run("placement error", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.FailNext(exchange.OpPlaceOrder, errors.New("exchange down"), 1)
		res := e.Entry(ctx, buySignal(1000))
		assert.Equal(t, "ENTRY_ERROR:exchange down", res.Reason)
		assert.False(t, res.RateLimited)
	})
}

func TestEntryUnfilledIsCanceled(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	sim.SetFillRatio(0)

	res := e.Entry(context.Background(), buySignal(1000))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoRealFill, res.Reason)
	assert.NotEmpty(t, res.OrderID)

	open, err := sim.OpenOrders(context.Background(), testSymbol)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSellRateLimitedRequestsCooldown(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	sim.SetBalance("BTC", 1)
	sim.SetFillRatio(0)
	sim.FailNext(exchange.OpGetOrder, exchange.ErrRateLimited, -1)

	res := e.Sell(context.Background(), testSymbol, 1, SellOptions{AggressiveTicks: 1})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoRealFill, res.Reason)
	assert.True(t, res.RateLimited)
	assert.True(t, res.SafeCooldownRequested)
	assert.Equal(t, 60, res.SafeCooldownSec)
	assert.Equal(t, 1.0, res.RemainingQty)
}

func TestSellPricesBelowBestBid(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	sim.SetBalance("BTC", 2)

	res := e.Sell(context.Background(), testSymbol, 5, SellOptions{AggressiveTicks: 2})
	require.True(t, res.Filled(), res.Reason)
	assert.Equal(t, 997.0, res.LimitPrice)
	assert.Equal(t, 999.0, res.BestPrice)
	assert.InDelta(t, 2.0, res.RealizedQty, 1e-9, "capped at free balance")
	assert.Zero(t, res.RemainingQty)
}

func TestSellWithoutBalance(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	res := e.Sell(context.Background(), testSymbol, 1, SellOptions{})
	assert.Equal(t, ReasonInvalidQty, ReasonCode(res.Reason))
	assert.Zero(t, sim.Calls(exchange.OpPlaceOrder))
}

func TestPanicExit(t *testing.T) {
	ctx := context.Background()

	t.Run("first leg fills", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetBalance("BTC", 1)
		res := e.PanicExit(ctx, testSymbol, 1, -0.01, 0)
		assert.Equal(t, ReasonPanicFilled, res.Reason)
		assert.Len(t, res.Legs, 1)
		assert.InDelta(t, 1.0, res.RealizedQty, 1e-9)
		assert.Zero(t, res.RemainingQty)
	})

	t.Run("halts past loss cap", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetBalance("BTC", 1)
		sim.SetFillRatio(0)
		sim.SetOrderBook(testSymbol,
			[]exchange.PriceLevel{{Price: 900, Qty: 10}},
			[]exchange.PriceLevel{{Price: 901, Qty: 10}},
		)
		res := e.PanicExit(ctx, testSymbol, 1, -0.1, -0.05)
		assert.True(t, res.Halted)
		assert.Equal(t, "PANIC_HALT(loss=-0.1000, cap=-0.0500)", res.Reason)
		assert.Len(t, res.Legs, 2)
		assert.Equal(t, 1.0, res.RemainingQty)
	})

	t.Run("escalates to IOC within cap", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetBalance("BTC", 1)
		sim.SetFillRatio(0.5)
		sim.SetOrderBook(testSymbol,
			[]exchange.PriceLevel{{Price: 990, Qty: 10}},
			[]exchange.PriceLevel{{Price: 991, Qty: 10}},
		)
		res := e.PanicExit(ctx, testSymbol, 1, -0.01, 0)
		require.Len(t, res.Legs, 3)
		assert.Equal(t, ReasonPanicPartial, res.Reason)
		assert.False(t, res.Halted)
		assert.InDelta(t, 0.875, res.RealizedQty, 1e-9)
		assert.InDelta(t, 0.125, res.RemainingQty, 1e-9)
		assert.InDelta(t, 990.0, res.RealizedVWAP, 1e-9)
	})

	t.Run("cancels resting orders first", func(t *testing.T) {
		e, sim, _ := newTestEngine(t)
		sim.SetBalance("BTC", 1)
		sim.SetFillRatio(0)
		_, err := sim.PlaceOrder(ctx, exchange.OrderRequest{Symbol: testSymbol, Side: exchange.SideSell, Price: 1200, Qty: 1})
		require.NoError(t, err)
		sim.SetFillRatio(1)

		res := e.PanicExit(ctx, testSymbol, 1, -0.01, 0)
		assert.Equal(t, ReasonPanicFilled, res.Reason)
	})
}

func TestMarketStatusCache(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	ctx := context.Background()

	assert.True(t, e.CheckMarketStatus(ctx, testSymbol, false).OK)
	assert.True(t, e.CheckMarketStatus(ctx, testSymbol, false).OK)
	assert.Equal(t, 1, sim.Calls(exchange.OpMarketInfo))

	e.CheckMarketStatus(ctx, testSymbol, true)
	assert.Equal(t, 2, sim.Calls(exchange.OpMarketInfo))

	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	e.CheckMarketStatus(ctx, testSymbol, false)
	assert.Equal(t, 3, sim.Calls(exchange.OpMarketInfo))
}

func TestMarketStatusFailureNotCached(t *testing.T) {
	e, sim, _ := newTestEngine(t)
	ctx := context.Background()
	sim.FailNext(exchange.OpMarketInfo, errors.New("timeout"), 1)

	st := e.CheckMarketStatus(ctx, testSymbol, false)
	assert.False(t, st.OK)
	assert.Equal(t, "MARKET_STATUS_ERROR", ReasonCode(st.Reason))

	assert.True(t, e.CheckMarketStatus(ctx, testSymbol, false).OK)
	assert.Equal(t, 2, sim.Calls(exchange.OpMarketInfo))
}

func TestEvaluateMarket(t *testing.T) {
	now := time.Now()
	assert.True(t, evaluateMarket(&exchange.MarketInfo{Active: true}, now).OK, "empty state and warning default to tradable")
	assert.True(t, evaluateMarket(&exchange.MarketInfo{Active: true, State: "running", Warning: "normal"}, now).OK)
	assert.False(t, evaluateMarket(&exchange.MarketInfo{Active: true, State: "BREAK"}, now).OK)
	assert.False(t, evaluateMarket(&exchange.MarketInfo{Active: false, State: "TRADING"}, now).OK)
	assert.False(t, evaluateMarket(&exchange.MarketInfo{Active: true, Warning: "HIGH_RISK"}, now).OK)
}

func TestSignalValidate(t *testing.T) {
	sig := Signal{Symbol: testSymbol, TargetNotional: 10, Timeframe: "15m", CandleTimestamp: 1}
	sig.Normalize()
	assert.Equal(t, "buy", sig.Side)
	assert.NoError(t, sig.Validate())

	spelled := Signal{Symbol: " btc-usdt ", Timeframe: "900S"}
	spelled.Normalize()
	assert.Equal(t, "BTC/USDT", spelled.Symbol)
	assert.Equal(t, "15m", spelled.Timeframe)

	bad := sig
	bad.Timeframe = "abc"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSignal)

	bad = sig
	bad.Side = "short"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSignal)

	bad = sig
	bad.CandleTimestamp = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSignal)
}
