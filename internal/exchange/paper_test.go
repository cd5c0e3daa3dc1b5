package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperMirrorsSourceBook(t *testing.T) {
	ctx := context.Background()
	source := newTestSimulator()
	paper := NewPaper(source, NewSimulator(SimulatorConfig{Balances: map[string]float64{"USDT": 500}}), 5)

	tk, err := paper.Ticker(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.Bid)
	assert.Equal(t, 101.0, tk.Ask)

	order, err := paper.PlaceOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Price: 101, Qty: 1, TimeInForce: GTC})
	require.NoError(t, err)
	assert.Equal(t, 1.0, order.Filled)

	// the fill lands on the paper account only
	bal, err := paper.Balances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, bal["BTC"].Free)
	srcBal, err := source.Balances(ctx)
	require.NoError(t, err)
	assert.Zero(t, srcBal["BTC"].Free)
	assert.Equal(t, "PAPER", paper.Name())
}

func TestPaperSourceFailure(t *testing.T) {
	source := newTestSimulator()
	source.FailNext(OpOrderBook, errors.New("boom"), 1)
	paper := NewPaper(source, NewSimulator(DefaultSimulatorConfig()), 0)

	_, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Price: 101, Qty: 1})
	assert.Error(t, err)
	assert.Zero(t, paper.Simulator().Calls(OpPlaceOrder))
}

func TestPaperWithoutSourceUsesStaticBook(t *testing.T) {
	paper := NewPaper(nil, newTestSimulator(), 0)
	info, err := paper.MarketInfo(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, info.Active)
}
