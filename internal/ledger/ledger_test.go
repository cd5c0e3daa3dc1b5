package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-execution-bot/internal/exchange"
)

type simSource struct{ sim *exchange.Simulator }

func (s simSource) Client() exchange.Client { return s.sim }

func newSim() *exchange.Simulator {
	sim := exchange.NewSimulator(exchange.DefaultSimulatorConfig())
	sim.SetBalance("USDT", 1000)
	sim.SetOrderBook("BTC/USDT",
		[]exchange.PriceLevel{{Price: 500, Qty: 10}},
		[]exchange.PriceLevel{{Price: 501, Qty: 10}},
	)
	return sim
}

func TestEquityMarksBaseAtBid(t *testing.T) {
	sim := newSim()
	sim.SetBalance("BTC", 2)
	symbol := "BTC/USDT"
	l, err := NewExchangeLedger("SIM", "USDT", 1000, simSource{sim}, func() string { return symbol }, zerolog.Nop())
	require.NoError(t, err)

	eq, err := l.Equity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, eq)

	symbol = ""
	eq, err = l.Equity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, eq)

	st := l.State()
	assert.Equal(t, 2000.0, st.PeakEquity)
	assert.Equal(t, 50.0, st.MaxDrawdownPct)
	assert.Equal(t, 0.0, st.PnLCycle)
}

func TestEquityBalanceError(t *testing.T) {
	sim := newSim()
	sim.FailNext(exchange.OpBalances, exchange.ErrRateLimited, 1)
	l, err := NewExchangeLedger("SIM", "USDT", 1000, simSource{sim}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.Equity(context.Background())
	assert.ErrorIs(t, err, exchange.ErrRateLimited)
}

func TestStateAndReset(t *testing.T) {
	_, err := NewExchangeLedger("SIM", "USDT", 0, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidSeed)

	l, err := NewExchangeLedger("SIM", "USDT", 1000, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	l.Update(1100)

	st := l.State()
	assert.Equal(t, 100.0, st.PnLCycle)
	assert.Equal(t, 10.0, st.ROIPct)
	assert.Equal(t, 100.0, st.WithdrawableProfit)

	_, err = l.ResetSeed(2000, 1, 0)
	assert.ErrorIs(t, err, ErrResetBlocked)
	_, err = l.ResetSeed(-1, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidSeed)

	summary, err := l.ResetSeed(2000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1100.0, summary.Equity)
	assert.Equal(t, 2000.0, l.State().BaselineSeed)
	assert.Zero(t, l.State().MaxDrawdownPct)
}
