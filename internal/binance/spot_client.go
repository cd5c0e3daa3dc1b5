package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-execution-bot/internal/exchange"
)

// Config holds Binance spot credentials and client options
type Config struct {
	APIKey      string            `json:"api_key"`
	SecretKey   string            `json:"secret_key"`
	Testnet     bool              `json:"testnet"`
	BookDepth   int               `json:"book_depth"`
	RateLimiter RateLimiterConfig `json:"rate_limiter"`
}

type symbolFilters struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
	info     exchange.MarketInfo
}

// SpotClient implements exchange.Client on top of go-binance
type SpotClient struct {
	client  *gobinance.Client
	limiter *RateLimiter
	logger  zerolog.Logger
	depth   int

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

var _ exchange.Client = (*SpotClient)(nil)

// NewSpotClient creates a Binance spot adapter
func NewSpotClient(cfg Config, logger zerolog.Logger) *SpotClient {
	if cfg.Testnet {
		gobinance.UseTestnet = true
	}
	depth := cfg.BookDepth
	if depth <= 0 {
		depth = 20
	}
	log := logger.With().Str("component", "BinanceSpot").Logger()
	return &SpotClient{
		client:  gobinance.NewClient(cfg.APIKey, cfg.SecretKey),
		limiter: NewRateLimiter(cfg.RateLimiter, log),
		logger:  log,
		depth:   depth,
		filters: make(map[string]symbolFilters),
	}
}

func (c *SpotClient) Name() string { return "BINANCE" }

// Limiter exposes the request limiter for status reporting
func (c *SpotClient) Limiter() *RateLimiter { return c.limiter }

// toBinanceSymbol converts "BTC/USDT" to "BTCUSDT"
func toBinanceSymbol(symbol string) string {
	base, quote := exchange.SplitSymbol(symbol)
	return base + quote
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseOrderID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: order id %q", exchange.ErrInvalidOrder, id)
	}
	return n, nil
}

// translate maps Binance API errors to exchange sentinels and feeds the limiter
func (c *SpotClient) translate(op string, err error) error {
	if err == nil {
		c.limiter.RecordSuccess()
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015 || strings.Contains(msg, "too many") || strings.Contains(msg, "banned"):
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Message, time.Now()))
			return fmt.Errorf("%s: %w: %s", op, exchange.ErrRateLimited, apiErr.Message)
		case apiErr.Code == -2013 || strings.Contains(msg, "unknown order"):
			return fmt.Errorf("%s: %w: %s", op, exchange.ErrOrderNotFound, apiErr.Message)
		case strings.Contains(msg, "insufficient balance"):
			return fmt.Errorf("%s: %w: %s", op, exchange.ErrInsufficient, apiErr.Message)
		case apiErr.Code == -1121:
			return fmt.Errorf("%s: %w: %s", op, exchange.ErrUnknownSymbol, apiErr.Message)
		}
		return fmt.Errorf("%s: binance error %d: %s", op, apiErr.Code, apiErr.Message)
	}

	if exchange.IsRateLimited(err) {
		c.limiter.RecordRateLimitError(ParseBanUntilFromError(err.Error(), time.Now()))
		return fmt.Errorf("%s: %w: %v", op, exchange.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ==================== MARKET DATA ====================

func (c *SpotClient) OrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	if err := c.limiter.Acquire(ctx, "/api/v3/depth", PriorityNormal); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = c.depth
	}
	res, err := c.client.NewDepthService().Symbol(toBinanceSymbol(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return nil, c.translate("depth", err)
	}
	c.limiter.RecordSuccess()

	ob := &exchange.OrderBook{
		Symbol:    exchange.NormalizeSymbol(symbol),
		Bids:      make([]exchange.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]exchange.PriceLevel, 0, len(res.Asks)),
		Timestamp: time.Now(),
	}
	for _, b := range res.Bids {
		ob.Bids = append(ob.Bids, exchange.PriceLevel{Price: parseFloat(b.Price), Qty: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		ob.Asks = append(ob.Asks, exchange.PriceLevel{Price: parseFloat(a.Price), Qty: parseFloat(a.Quantity)})
	}
	return ob, nil
}

func (c *SpotClient) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if err := c.limiter.Acquire(ctx, "/api/v3/ticker/bookTicker", PriorityNormal); err != nil {
		return nil, err
	}
	res, err := c.client.NewListBookTickersService().Symbol(toBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, c.translate("bookTicker", err)
	}
	c.limiter.RecordSuccess()
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	bid, ask := parseFloat(res[0].BidPrice), parseFloat(res[0].AskPrice)
	return &exchange.Ticker{
		Symbol: exchange.NormalizeSymbol(symbol),
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		Time:   time.Now(),
	}, nil
}

func (c *SpotClient) MarketInfo(ctx context.Context, symbol string) (*exchange.MarketInfo, error) {
	f, err := c.loadFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}
	info := f.info
	return &info, nil
}

// loadFilters fetches exchange info for symbol. Status is not cached here; the
// execution engine owns the market status cache.
func (c *SpotClient) loadFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	if err := c.limiter.Acquire(ctx, "/api/v3/exchangeInfo", PriorityNormal); err != nil {
		return symbolFilters{}, err
	}
	res, err := c.client.NewExchangeInfoService().Symbol(toBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return symbolFilters{}, c.translate("exchangeInfo", err)
	}
	c.limiter.RecordSuccess()
	if len(res.Symbols) == 0 {
		return symbolFilters{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}

	s := res.Symbols[0]
	f := symbolFilters{
		info: exchange.MarketInfo{
			Symbol:     exchange.NormalizeSymbol(symbol),
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Active:     s.IsSpotTradingAllowed && s.Status == "TRADING",
			State:      s.Status,
			Warning:    "NONE",
		},
	}
	if lot := s.LotSizeFilter(); lot != nil {
		f.stepSize, _ = decimal.NewFromString(lot.StepSize)
	}
	if pf := s.PriceFilter(); pf != nil {
		f.tickSize, _ = decimal.NewFromString(pf.TickSize)
	}

	c.mu.Lock()
	c.filters[f.info.Symbol] = f
	c.mu.Unlock()
	return f, nil
}

func (c *SpotClient) cachedFilters(ctx context.Context, symbol string) symbolFilters {
	c.mu.RLock()
	f, ok := c.filters[exchange.NormalizeSymbol(symbol)]
	c.mu.RUnlock()
	if ok {
		return f
	}
	f, err := c.loadFilters(ctx, symbol)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Symbol filters unavailable, sending unrounded values")
	}
	return f
}

// ==================== ACCOUNT ====================

func (c *SpotClient) Balances(ctx context.Context) (map[string]exchange.Balance, error) {
	if err := c.limiter.Acquire(ctx, "/api/v3/account", PriorityHigh); err != nil {
		return nil, err
	}
	acct, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.translate("account", err)
	}
	c.limiter.RecordSuccess()

	out := make(map[string]exchange.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = exchange.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

func (c *SpotClient) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	if err := c.limiter.Acquire(ctx, "/api/v3/openOrders", PriorityHigh); err != nil {
		return nil, err
	}
	svc := c.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(toBinanceSymbol(symbol))
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.translate("openOrders", err)
	}
	c.limiter.RecordSuccess()

	out := make([]exchange.Order, 0, len(res))
	for _, o := range res {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

// ==================== ORDERS ====================

func (c *SpotClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if req.Qty <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("%w: qty=%v price=%v", exchange.ErrInvalidOrder, req.Qty, req.Price)
	}
	f := c.cachedFilters(ctx, req.Symbol)
	qty := decimal.NewFromFloat(req.Qty)
	if f.stepSize.IsPositive() {
		qty = qty.Div(f.stepSize).Floor().Mul(f.stepSize)
	}
	price := decimal.NewFromFloat(req.Price)
	if f.tickSize.IsPositive() {
		if req.Side == exchange.SideBuy {
			price = price.Div(f.tickSize).Ceil().Mul(f.tickSize)
		} else {
			price = price.Div(f.tickSize).Floor().Mul(f.tickSize)
		}
	}
	if !qty.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("%w: rounded qty=%s price=%s", exchange.ErrInvalidOrder, qty, price)
	}

	side := gobinance.SideTypeBuy
	if req.Side == exchange.SideSell {
		side = gobinance.SideTypeSell
	}
	tif := gobinance.TimeInForceTypeGTC
	if req.TimeInForce == exchange.IOC {
		tif = gobinance.TimeInForceTypeIOC
	}

	if err := c.limiter.Acquire(ctx, "/api/v3/order", PriorityCritical); err != nil {
		return nil, err
	}
	svc := c.client.NewCreateOrderService().
		Symbol(toBinanceSymbol(req.Symbol)).
		Side(side).
		Type(gobinance.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(qty.String()).
		Price(price.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.translate("createOrder", err)
	}
	c.limiter.RecordSuccess()

	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Int64("order_id", res.OrderID).
		Msg("Order placed")

	return &exchange.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        exchange.NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Price:         parseFloat(res.Price),
		Amount:        parseFloat(res.OrigQuantity),
		Filled:        parseFloat(res.ExecutedQuantity),
		Status:        convertStatus(res.Status),
		CreatedAt:     time.UnixMilli(res.TransactTime),
	}, nil
}

func (c *SpotClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, "/api/v3/order", PriorityCritical); err != nil {
		return err
	}
	_, err = c.client.NewCancelOrderService().Symbol(toBinanceSymbol(symbol)).OrderID(id).Do(ctx)
	return c.translate("cancelOrder", err)
}

func (c *SpotClient) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Acquire(ctx, "/api/v3/order", PriorityHigh); err != nil {
		return nil, err
	}
	res, err := c.client.NewGetOrderService().Symbol(toBinanceSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.translate("getOrder", err)
	}
	c.limiter.RecordSuccess()
	o := convertOrder(res)
	return &o, nil
}

// OrderFills returns trades for orderID with fees expressed in the quote asset
// when the commission was charged in base or quote.
func (c *SpotClient) OrderFills(ctx context.Context, symbol, orderID string) ([]exchange.Fill, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Acquire(ctx, "/api/v3/myTrades", PriorityHigh); err != nil {
		return nil, err
	}
	trades, err := c.client.NewListTradesService().Symbol(toBinanceSymbol(symbol)).OrderId(id).Do(ctx)
	if err != nil {
		return nil, c.translate("myTrades", err)
	}
	c.limiter.RecordSuccess()

	base, quote := exchange.SplitSymbol(symbol)
	out := make([]exchange.Fill, 0, len(trades))
	for _, t := range trades {
		if t.OrderID != id {
			continue
		}
		price, qty := parseFloat(t.Price), parseFloat(t.Quantity)
		fee := parseFloat(t.Commission)
		switch t.CommissionAsset {
		case quote:
		case base:
			fee *= price
		default:
			c.logger.Debug().Str("asset", t.CommissionAsset).Msg("Commission in third asset, not converted")
			fee = 0
		}
		out = append(out, exchange.Fill{
			OrderID:  orderID,
			Price:    price,
			Qty:      qty,
			Fee:      fee,
			FeeAsset: t.CommissionAsset,
			Time:     time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func convertOrder(o *gobinance.Order) exchange.Order {
	side := exchange.SideBuy
	if o.Side == gobinance.SideTypeSell {
		side = exchange.SideSell
	}
	return exchange.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        exchange.NormalizeSymbol(o.Symbol),
		Side:          side,
		Price:         parseFloat(o.Price),
		Amount:        parseFloat(o.OrigQuantity),
		Filled:        parseFloat(o.ExecutedQuantity),
		Status:        convertStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time),
	}
}

func convertStatus(s gobinance.OrderStatusType) exchange.OrderStatus {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return exchange.StatusOpen
	case gobinance.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartiallyFilled
	case gobinance.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case gobinance.OrderStatusTypeCanceled, gobinance.OrderStatusTypePendingCancel:
		return exchange.StatusCanceled
	case gobinance.OrderStatusTypeRejected:
		return exchange.StatusRejected
	case gobinance.OrderStatusTypeExpired:
		return exchange.StatusExpired
	}
	return exchange.OrderStatus(strings.ToLower(string(s)))
}
