package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Op names a Client method for fault injection and call counting
type Op string

const (
	OpOrderBook   Op = "OrderBook"
	OpTicker      Op = "Ticker"
	OpBalances    Op = "Balances"
	OpOpenOrders  Op = "OpenOrders"
	OpPlaceOrder  Op = "PlaceOrder"
	OpCancelOrder Op = "CancelOrder"
	OpGetOrder    Op = "GetOrder"
	OpOrderFills  Op = "OrderFills"
	OpMarketInfo  Op = "MarketInfo"
)

const qtyEpsilon = 1e-12

type fault struct {
	err   error
	times int // <0 means until cleared
}

// SimulatorConfig configures a Simulator
type SimulatorConfig struct {
	FeeRate  float64            `json:"fee_rate"`
	Balances map[string]float64 `json:"balances"`
}

// DefaultSimulatorConfig returns a paper account with 1,000,000 USDT
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		FeeRate:  0.0005,
		Balances: map[string]float64{"USDT": 1_000_000},
	}
}

// Simulator is a deterministic in-memory exchange. Limit orders match
// immediately against the static book at level prices; whatever does not
// match rests until canceled. The book itself is never consumed.
type Simulator struct {
	mu          sync.RWMutex
	feeRate     float64
	fillRatio   float64
	books       map[string]*OrderBook
	markets     map[string]MarketInfo
	balances    map[string]*Balance
	orders      map[string]*Order
	fills       map[string][]Fill
	nextOrderID int64
	faults      map[Op]*fault
	calls       map[Op]int
	now         func() time.Time
}

var _ Client = (*Simulator)(nil)

// NewSimulator creates a simulator
func NewSimulator(cfg SimulatorConfig) *Simulator {
	s := &Simulator{
		feeRate:     cfg.FeeRate,
		fillRatio:   1,
		books:       make(map[string]*OrderBook),
		markets:     make(map[string]MarketInfo),
		balances:    make(map[string]*Balance),
		orders:      make(map[string]*Order),
		fills:       make(map[string][]Fill),
		nextOrderID: 1000,
		faults:      make(map[Op]*fault),
		calls:       make(map[Op]int),
		now:         time.Now,
	}
	for asset, free := range cfg.Balances {
		s.balances[asset] = &Balance{Asset: asset, Free: free}
	}
	return s
}

func (s *Simulator) Name() string { return "SIM" }

// ==================== SETUP ====================

// SetOrderBook replaces the book for symbol. Bids and asks are re-sorted.
func (s *Simulator) SetOrderBook(symbol string, bids, asks []PriceLevel) {
	sym := NormalizeSymbol(symbol)
	b := append([]PriceLevel(nil), bids...)
	a := append([]PriceLevel(nil), asks...)
	sort.Slice(b, func(i, j int) bool { return b[i].Price > b[j].Price })
	sort.Slice(a, func(i, j int) bool { return a[i].Price < a[j].Price })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[sym] = &OrderBook{Symbol: sym, Bids: b, Asks: a, Timestamp: s.now()}
}

// SetMarket overrides the tradability status of symbol
func (s *Simulator) SetMarket(info MarketInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Symbol = NormalizeSymbol(info.Symbol)
	s.markets[info.Symbol] = info
}

// SetBalance sets the free balance of asset
func (s *Simulator) SetBalance(asset string, free float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balanceLocked(asset)
	b.Free = free
}

// SetFillRatio limits how much of each new order can match (0..1)
func (s *Simulator) SetFillRatio(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillRatio = math.Max(0, math.Min(1, ratio))
}

// FailNext makes the next `times` calls of op return err. A negative count
// fails until ClearFaults.
func (s *Simulator) FailNext(op Op, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

// ClearFaults removes all injected failures
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Op]*fault)
}

// Calls returns how many times op was invoked
func (s *Simulator) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// enter counts the call and returns an injected failure, if any. Caller holds mu.
func (s *Simulator) enter(op Op) error {
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok {
		return nil
	}
	if f.times == 0 {
		delete(s.faults, op)
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

func (s *Simulator) balanceLocked(asset string) *Balance {
	b, ok := s.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		s.balances[asset] = b
	}
	return b
}

// ==================== MARKET DATA ====================

func (s *Simulator) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpOrderBook); err != nil {
		return nil, err
	}
	book, ok := s.books[NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	out := &OrderBook{Symbol: book.Symbol, Timestamp: s.now()}
	out.Bids = truncateLevels(book.Bids, depth)
	out.Asks = truncateLevels(book.Asks, depth)
	return out, nil
}

func truncateLevels(levels []PriceLevel, depth int) []PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]PriceLevel(nil), levels...)
}

func (s *Simulator) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpTicker); err != nil {
		return nil, err
	}
	book, ok := s.books[NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bid, ask := book.BestBid(), book.BestAsk()
	last := bid
	if bid > 0 && ask > 0 {
		last = (bid + ask) / 2
	}
	return &Ticker{Symbol: book.Symbol, Bid: bid, Ask: ask, Last: last, Time: s.now()}, nil
}

func (s *Simulator) MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMarketInfo); err != nil {
		return nil, err
	}
	sym := NormalizeSymbol(symbol)
	if info, ok := s.markets[sym]; ok {
		return &info, nil
	}
	if _, ok := s.books[sym]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	base, quote := SplitSymbol(sym)
	return &MarketInfo{Symbol: sym, BaseAsset: base, QuoteAsset: quote, Active: true, State: "TRADING", Warning: "NONE"}, nil
}

// ==================== ACCOUNT ====================

func (s *Simulator) Balances(ctx context.Context) (map[string]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpBalances); err != nil {
		return nil, err
	}
	out := make(map[string]Balance, len(s.balances))
	for asset, b := range s.balances {
		out[asset] = *b
	}
	return out, nil
}

func (s *Simulator) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpOpenOrders); err != nil {
		return nil, err
	}
	sym := ""
	if symbol != "" {
		sym = NormalizeSymbol(symbol)
	}
	var out []Order
	for _, o := range s.orders {
		if o.Status.Done() {
			continue
		}
		if sym != "" && o.Symbol != sym {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ==================== ORDERS ====================

func (s *Simulator) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPlaceOrder); err != nil {
		return nil, err
	}
	if req.Qty <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("%w: qty=%v price=%v", ErrInvalidOrder, req.Qty, req.Price)
	}
	sym := NormalizeSymbol(req.Symbol)
	book, ok := s.books[sym]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}
	base, quote := SplitSymbol(sym)

	switch req.Side {
	case SideBuy:
		need := req.Qty * req.Price * (1 + s.feeRate)
		if s.balanceLocked(quote).Free+1e-9 < need {
			return nil, fmt.Errorf("%w: need %.8f %s", ErrInsufficient, need, quote)
		}
	case SideSell:
		if s.balanceLocked(base).Free+qtyEpsilon < req.Qty {
			return nil, fmt.Errorf("%w: need %.8f %s", ErrInsufficient, req.Qty, base)
		}
	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}

	s.nextOrderID++
	order := &Order{
		ID:            strconv.FormatInt(s.nextOrderID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Side:          req.Side,
		Price:         req.Price,
		Amount:        req.Qty,
		Status:        StatusOpen,
		CreatedAt:     s.now(),
	}
	s.orders[order.ID] = order

	s.match(order, book, base, quote)

	if order.Remaining() <= qtyEpsilon {
		order.Status = StatusFilled
	} else if req.TimeInForce == IOC {
		order.Status = StatusCanceled
	} else {
		if order.Filled > 0 {
			order.Status = StatusPartiallyFilled
		}
		s.lockFunds(order, base, quote)
	}

	out := *order
	return &out, nil
}

// match fills order against the opposite side of book. Caller holds mu.
func (s *Simulator) match(order *Order, book *OrderBook, base, quote string) {
	budget := order.Amount * s.fillRatio
	levels := book.Asks
	if order.Side == SideSell {
		levels = book.Bids
	}

	for _, lvl := range levels {
		if budget <= qtyEpsilon {
			break
		}
		crosses := lvl.Price <= order.Price
		if order.Side == SideSell {
			crosses = lvl.Price >= order.Price
		}
		if !crosses || lvl.Qty <= 0 {
			break
		}
		qty := math.Min(lvl.Qty, budget)
		amount := qty * lvl.Price
		fee := amount * s.feeRate

		if order.Side == SideBuy {
			s.balanceLocked(quote).Free -= amount + fee
			s.balanceLocked(base).Free += qty
		} else {
			s.balanceLocked(base).Free -= qty
			s.balanceLocked(quote).Free += amount - fee
		}

		s.fills[order.ID] = append(s.fills[order.ID], Fill{
			OrderID:  order.ID,
			Price:    lvl.Price,
			Qty:      qty,
			Fee:      fee,
			FeeAsset: quote,
			Time:     s.now(),
		})
		order.Filled += qty
		budget -= qty
	}
}

func (s *Simulator) lockFunds(order *Order, base, quote string) {
	rem := order.Remaining()
	if order.Side == SideBuy {
		b := s.balanceLocked(quote)
		b.Free -= rem * order.Price
		b.Locked += rem * order.Price
		return
	}
	b := s.balanceLocked(base)
	b.Free -= rem
	b.Locked += rem
}

func (s *Simulator) unlockFunds(order *Order) {
	base, quote := SplitSymbol(order.Symbol)
	rem := order.Remaining()
	if order.Side == SideBuy {
		b := s.balanceLocked(quote)
		b.Free += rem * order.Price
		b.Locked = math.Max(0, b.Locked-rem*order.Price)
		return
	}
	b := s.balanceLocked(base)
	b.Free += rem
	b.Locked = math.Max(0, b.Locked-rem)
}

func (s *Simulator) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancelOrder); err != nil {
		return err
	}
	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status.Done() {
		return nil
	}
	s.unlockFunds(order)
	order.Status = StatusCanceled
	return nil
}

func (s *Simulator) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetOrder); err != nil {
		return nil, err
	}
	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	out := *order
	return &out, nil
}

func (s *Simulator) OrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpOrderFills); err != nil {
		return nil, err
	}
	return append([]Fill(nil), s.fills[orderID]...), nil
}
