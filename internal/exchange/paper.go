package exchange

import (
	"context"
	"fmt"
)

// Paper trades against a Simulator whose books are refreshed from a market
// data source before every read and every order. Balances, orders and fills
// never leave the simulator.
type Paper struct {
	source Client
	sim    *Simulator
	depth  int
}

var _ Client = (*Paper)(nil)

// NewPaper mirrors source market data into sim. A nil source leaves the
// simulator books as they are.
func NewPaper(source Client, sim *Simulator, depth int) *Paper {
	if depth <= 0 {
		depth = 20
	}
	return &Paper{source: source, sim: sim, depth: depth}
}

// Simulator returns the backing simulator
func (p *Paper) Simulator() *Simulator { return p.sim }

func (p *Paper) Name() string { return "PAPER" }

func (p *Paper) refresh(ctx context.Context, symbol string) error {
	if p.source == nil {
		return nil
	}
	book, err := p.source.OrderBook(ctx, symbol, p.depth)
	if err != nil {
		return fmt.Errorf("paper book refresh %s: %w", symbol, err)
	}
	p.sim.SetOrderBook(symbol, book.Bids, book.Asks)
	return nil
}

func (p *Paper) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if err := p.refresh(ctx, symbol); err != nil {
		return nil, err
	}
	return p.sim.OrderBook(ctx, symbol, depth)
}

func (p *Paper) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := p.refresh(ctx, symbol); err != nil {
		return nil, err
	}
	return p.sim.Ticker(ctx, symbol)
}

// MarketInfo reports the source listing status so paper trading honors delistings
func (p *Paper) MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	if p.source != nil {
		info, err := p.source.MarketInfo(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.sim.SetMarket(*info)
	}
	return p.sim.MarketInfo(ctx, symbol)
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := p.refresh(ctx, req.Symbol); err != nil {
		return nil, err
	}
	return p.sim.PlaceOrder(ctx, req)
}

func (p *Paper) Balances(ctx context.Context) (map[string]Balance, error) {
	return p.sim.Balances(ctx)
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return p.sim.OpenOrders(ctx, symbol)
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return p.sim.CancelOrder(ctx, symbol, orderID)
}

func (p *Paper) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	return p.sim.GetOrder(ctx, symbol, orderID)
}

func (p *Paper) OrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	return p.sim.OrderFills(ctx, symbol, orderID)
}
