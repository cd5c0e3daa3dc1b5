package execution

import (
	"math"
	"strings"

	"spot-execution-bot/internal/exchange"
)

// Reasons returned in OrderResult.Reason. Some carry a parenthesized or
// colon-separated detail suffix.
const (
	ReasonFilled             = "FILLED"
	ReasonNoRealFill         = "NO_REAL_FILL"
	ReasonEmptySymbol        = "EMPTY_SYMBOL"
	ReasonActiveSymbolLock   = "ACTIVE_SYMBOL_LOCK"
	ReasonInvalidNotional    = "INVALID_TARGET_NOTIONAL"
	ReasonInvalidQty         = "INVALID_QTY"
	ReasonSpreadTooWide      = "SPREAD_TOO_WIDE"
	ReasonDepthInsufficient  = "DEPTH_INSUFFICIENT"
	ReasonChaseTooHigh       = "CHASE_TOO_HIGH"
	ReasonBudgetFail         = "BUDGET_FAIL"
	ReasonSlippageBlock      = "SLIPPAGE_BLOCK"
	ReasonMarketBlock        = "MARKET_BLOCK"
	ReasonOrderbookMissing   = "ORDERBOOK_UNAVAILABLE"
	ReasonInvalidBestBid     = "INVALID_BEST_BID"
	ReasonInvalidLimitPrice  = "INVALID_LIMIT_PRICE"
	ReasonOrderIDMissing     = "ORDER_ID_MISSING"
	ReasonEntryError         = "ENTRY_ERROR"
	ReasonSellError          = "SELL_ERROR"
	ReasonPanicHalt          = "PANIC_HALT"
	ReasonPanicFilled        = "PANIC_EXIT_FILLED"
	ReasonPanicPartial       = "PANIC_EXIT_PARTIAL"
	ReasonInvalidTargetMoney = "INVALID_TARGET_MONEY"
	ReasonEmptyAskBook       = "EMPTY_ASK_BOOK"
	ReasonInvalidBestAsk     = "INVALID_BEST_ASK"
	ReasonNoSimulatedFill    = "NO_SIMULATED_FILL"
	ReasonBookDepthShortfall = "BOOK_DEPTH_INSUFFICIENT"
)

// OrderResult is the uniform outcome of every engine operation
type OrderResult struct {
	OK                    bool    `json:"ok"`
	Reason                string  `json:"reason"`
	Symbol                string  `json:"symbol"`
	Side                  string  `json:"side"`
	OrderID               string  `json:"order_id,omitempty"`
	RealizedQty           float64 `json:"realized_qty"`
	RealizedVWAP          float64 `json:"realized_vwap"`
	Amount                float64 `json:"amount"`
	Fee                   float64 `json:"fee"`
	RateLimited           bool    `json:"rate_limited"`
	SafeCooldownRequested bool    `json:"safe_cooldown_requested"`
	SafeCooldownSec       int     `json:"safe_cooldown_sec"`

	LimitPrice    float64 `json:"limit_price,omitempty"`
	BestPrice     float64 `json:"best_price,omitempty"`
	ProjectedVWAP float64 `json:"projected_vwap,omitempty"`
	SlippagePct   float64 `json:"slippage_pct,omitempty"`
	RemainingQty  float64 `json:"remaining_qty,omitempty"`
	Halted        bool    `json:"halted,omitempty"`

	Legs  []*OrderResult  `json:"legs,omitempty"`
	Fills []exchange.Fill `json:"fills,omitempty"`
}

// Filled reports the success condition callers act on
func (r *OrderResult) Filled() bool {
	return r != nil && r.OK && r.RealizedQty > 0
}

// ReasonCode strips the detail suffix from a reason, for metrics labels
func ReasonCode(reason string) string {
	if i := strings.IndexAny(reason, "(:"); i >= 0 {
		reason = reason[:i]
	}
	return strings.TrimSpace(reason)
}

func clampPositive(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// normalize clamps numeric fields so callers never see negative quantities
func (r *OrderResult) normalize(cooldownSec int) *OrderResult {
	r.RealizedQty = clampPositive(r.RealizedQty)
	r.RealizedVWAP = clampPositive(r.RealizedVWAP)
	r.Amount = clampPositive(r.Amount)
	r.Fee = clampPositive(r.Fee)
	r.RemainingQty = clampPositive(r.RemainingQty)
	if r.SafeCooldownRequested {
		r.SafeCooldownSec = cooldownSec
	} else {
		r.SafeCooldownSec = 0
	}
	return r
}

// fillAggregate sums order-scoped fills
type fillAggregate struct {
	qty    float64
	vwap   float64
	amount float64
	fee    float64
	fills  []exchange.Fill
}

func aggregateFills(fills []exchange.Fill) fillAggregate {
	var agg fillAggregate
	for _, f := range fills {
		if f.Qty <= 0 || f.Price <= 0 {
			continue
		}
		agg.qty += f.Qty
		agg.amount += f.Qty * f.Price
		agg.fee += math.Max(0, f.Fee)
		agg.fills = append(agg.fills, f)
	}
	if agg.qty > 0 {
		agg.vwap = agg.amount / agg.qty
	}
	return agg
}
