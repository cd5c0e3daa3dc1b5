package exchange

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/circuit"
)

// Guarded feeds every call outcome of an inner Client into an error breaker
// and refuses risk-increasing orders while the breaker is DEGRADED.
type Guarded struct {
	inner   Client
	breaker *circuit.ErrorBreaker
	logger  zerolog.Logger
}

var _ Client = (*Guarded)(nil)

// NewGuarded wraps inner with breaker
func NewGuarded(inner Client, breaker *circuit.ErrorBreaker, logger zerolog.Logger) *Guarded {
	if breaker == nil {
		breaker = circuit.NewErrorBreaker(nil)
	}
	return &Guarded{
		inner:   inner,
		breaker: breaker,
		logger:  logger.With().Str("component", "ExchangeGuard").Str("exchange", inner.Name()).Logger(),
	}
}

// Breaker exposes the underlying breaker for status reporting
func (g *Guarded) Breaker() *circuit.ErrorBreaker { return g.breaker }

// Inner returns the wrapped client
func (g *Guarded) Inner() Client { return g.inner }

// Status returns "OK" or "DEGRADED"
func (g *Guarded) Status() string { return string(g.breaker.GetState()) }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) record(op Op, err error) {
	if err == nil {
		g.breaker.RecordSuccess()
		return
	}
	g.breaker.RecordError(err)
	g.logger.Warn().Err(err).Str("op", string(op)).Int("errors", g.breaker.ErrorCount()).Msg("Exchange call failed")
}

func (g *Guarded) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	ob, err := g.inner.OrderBook(ctx, symbol, depth)
	g.record(OpOrderBook, err)
	return ob, err
}

func (g *Guarded) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	t, err := g.inner.Ticker(ctx, symbol)
	g.record(OpTicker, err)
	return t, err
}

func (g *Guarded) Balances(ctx context.Context) (map[string]Balance, error) {
	b, err := g.inner.Balances(ctx)
	g.record(OpBalances, err)
	return b, err
}

func (g *Guarded) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	o, err := g.inner.OpenOrders(ctx, symbol)
	g.record(OpOpenOrders, err)
	return o, err
}

func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if ok, reason := g.breaker.CanTrade(req.ReduceOnly); !ok {
		g.logger.Warn().Str("symbol", req.Symbol).Str("side", string(req.Side)).Str("reason", reason).Msg("Order blocked")
		return nil, fmt.Errorf("%w: %s", ErrDegraded, reason)
	}
	o, err := g.inner.PlaceOrder(ctx, req)
	g.record(OpPlaceOrder, err)
	return o, err
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := g.inner.CancelOrder(ctx, symbol, orderID)
	g.record(OpCancelOrder, err)
	return err
}

func (g *Guarded) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	o, err := g.inner.GetOrder(ctx, symbol, orderID)
	g.record(OpGetOrder, err)
	return o, err
}

func (g *Guarded) OrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	f, err := g.inner.OrderFills(ctx, symbol, orderID)
	g.record(OpOrderFills, err)
	return f, err
}

func (g *Guarded) MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	m, err := g.inner.MarketInfo(ctx, symbol)
	g.record(OpMarketInfo, err)
	return m, err
}
