// Package exchange defines the spot exchange boundary the execution engine
// trades through, plus a deterministic simulator backend.
package exchange

import (
	"context"
	"strings"
	"time"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalizes "BUY", "Sell", ... into a Side
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// TimeInForce of a limit order
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the normalized lifecycle status of an order
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusClosed          OrderStatus = "closed"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Done reports whether the exchange will never fill more of the order
func (s OrderStatus) Done() bool {
	switch s {
	case StatusFilled, StatusClosed, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// PriceLevel is one order book level
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook snapshot. Bids are sorted best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid price or 0
func (ob *OrderBook) BestBid() float64 {
	if ob == nil || len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask price or 0
func (ob *OrderBook) BestAsk() float64 {
	if ob == nil || len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// AskDepthQuote sums price×qty over the ask ladder
func (ob *OrderBook) AskDepthQuote() float64 {
	if ob == nil {
		return 0
	}
	total := 0.0
	for _, l := range ob.Asks {
		if l.Price > 0 && l.Qty > 0 {
			total += l.Price * l.Qty
		}
	}
	return total
}

// Ticker is a top-of-book quote
type Ticker struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Balance of one asset
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free + locked
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// OrderRequest describes a limit order to place
type OrderRequest struct {
	Symbol        string
	Side          Side
	Price         float64
	Qty           float64
	TimeInForce   TimeInForce
	ClientOrderID string
	ReduceOnly    bool
}

// Order is the exchange view of an order
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Amount        float64     `json:"amount"`
	Filled        float64     `json:"filled"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Remaining returns the unfilled amount
func (o *Order) Remaining() float64 {
	r := o.Amount - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// Fill is one trade execution against an order
type Fill struct {
	OrderID  string    `json:"order_id"`
	Price    float64   `json:"price"`
	Qty      float64   `json:"qty"`
	Fee      float64   `json:"fee"`
	FeeAsset string    `json:"fee_asset,omitempty"`
	Time     time.Time `json:"time"`
}

// MarketInfo describes whether an instrument is tradable
type MarketInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Active     bool   `json:"active"`
	State      string `json:"state"`
	Warning    string `json:"warning"`
}

// Client is the capability set the execution engine needs from an exchange.
// Symbols use the "BASE/QUOTE" form.
type Client interface {
	Name() string
	OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	Balances(ctx context.Context) (map[string]Balance, error)
	// OpenOrders lists resting orders; an empty symbol lists all of them.
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	OrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error)
	MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)
}
