package risk

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

type equityStub struct {
	mu  sync.Mutex
	v   float64
	err error
}

func (e *equityStub) set(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v = v
}

func (e *equityStub) Equity(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v, e.err
}

type clientStub struct{ c exchange.Client }

func (s clientStub) Client() exchange.Client { return s.c }

type closerStub struct {
	st    position.RuntimeState
	exits []string
}

func (c *closerStub) Snapshot() position.RuntimeState { return c.st }

func (c *closerStub) ProcessExit(_ context.Context, symbol string, qty float64, reason string) (*execution.OrderResult, error) {
	c.exits = append(c.exits, reason)
	return &execution.OrderResult{OK: true, Symbol: symbol, RealizedQty: qty}, nil
}

type alertStub struct{ titles []string }

func (a *alertStub) Alert(_ context.Context, _, title, _ string) { a.titles = append(a.titles, title) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestDailyGuardAllowsWithinLimit(t *testing.T) {
	eq := &equityStub{v: 10_000}
	g := NewDailyGuard(Config{MaxDailyLossPct: 0.05, StatePath: filepath.Join(t.TempDir(), "daily_risk_state.json")}, eq, nil, zerolog.Nop())

	ok, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	eq.set(10_500)
	ok, _ = g.Check(context.Background())
	assert.True(t, ok)

	eq.set(9_600)
	ok, _ = g.Check(context.Background())
	assert.True(t, ok, "4% below start")

	st := g.State()
	assert.Equal(t, 10_000.0, st.DailyStartEquity)
	assert.Equal(t, 10_500.0, st.IntradayPeakEquity)
	assert.False(t, g.HardStopActive())
}

func TestDailyGuardUnknownEquityAllows(t *testing.T) {
	eq := &equityStub{err: errors.New("no ticker")}
	g := NewDailyGuard(Config{}, eq, nil, zerolog.Nop())

	ok, err := g.Check(context.Background())
	assert.True(t, ok)
	assert.Error(t, err)

	eq.err = nil
	eq.set(0)
	ok, err = g.Check(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestDailyGuardHardStop(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "daily_risk_state.json")
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	sim := exchange.NewSimulator(exchange.DefaultSimulatorConfig())
	sim.SetOrderBook("BTC/USDT",
		[]exchange.PriceLevel{{Price: 999, Qty: 10}},
		[]exchange.PriceLevel{{Price: 1000, Qty: 10}},
	)
	sim.SetFillRatio(0)
	_, err := sim.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "BTC/USDT", Side: exchange.SideBuy, Price: 990, Qty: 1})
	require.NoError(t, err)

	closer := &closerStub{st: position.RuntimeState{State: position.StateInPosition, Symbol: "BTC/USDT", PositionQty: 2}}
	alerts := &alertStub{}
	var halts []HaltEvent

	eq := &equityStub{v: 10_000}
	cfg := Config{MaxDailyLossPct: 0.05, StatePath: path, Location: time.UTC}
	g := NewDailyGuard(cfg, eq, clientStub{sim}, zerolog.Nop(),
		WithClock(clk.now),
		WithPositionCloser(closer),
		WithAlerter(alerts),
		WithHaltHook(func(ev HaltEvent) { halts = append(halts, ev) }),
	)

	ok, err := g.Check(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	eq.set(9_500)
	ok, err = g.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, g.HardStopActive())

	require.Len(t, halts, 1)
	assert.Equal(t, 1, halts[0].CancelledOrders)
	assert.True(t, halts[0].Flattened)
	assert.Equal(t, []string{EmergencyExitReason}, closer.exits)
	assert.Equal(t, []string{"EMERGENCY STOP"}, alerts.titles)

	open, err := sim.OpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	// stays halted for the day, survives a restart, without re-triggering
	eq.set(11_000)
	ok, _ = g.Check(ctx)
	assert.False(t, ok)
	assert.Len(t, halts, 1)

	reloaded := NewDailyGuard(cfg, eq, nil, zerolog.Nop(), WithClock(clk.now))
	assert.True(t, reloaded.HardStopActive())
	assert.Contains(t, reloaded.State().LastTriggerReason, "Daily DD hard limit")

	// next day resets
	clk.t = clk.t.Add(24 * time.Hour)
	assert.False(t, reloaded.HardStopActive())
	ok, err = reloaded.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-03-03", reloaded.State().Day)
	assert.Equal(t, 11_000.0, reloaded.State().DailyStartEquity)
}

func TestDailyGuardNoPositionSkipsFlatten(t *testing.T) {
	closer := &closerStub{st: position.RuntimeState{State: position.StateFlat}}
	eq := &equityStub{v: 1000}
	g := NewDailyGuard(Config{MaxDailyLossPct: 0.1}, eq, nil, zerolog.Nop(), WithPositionCloser(closer))

	_, _ = g.Check(context.Background())
	eq.set(800)
	ok, _ := g.Check(context.Background())
	assert.False(t, ok)
	assert.Empty(t, closer.exits)
	assert.Equal(t, true, g.Metrics()["hard_stop_triggered"])
}
