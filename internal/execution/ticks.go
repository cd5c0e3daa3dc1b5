package execution

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"spot-execution-bot/internal/exchange"
)

var ErrInvalidCost = errors.New("invalid cost input")

// tickTable maps an exclusive upper price bound to its tick size
var tickTable = []struct {
	below float64
	tick  float64
}{
	{0.1, 0.0001},
	{1, 0.001},
	{10, 0.01},
	{100, 0.1},
	{1000, 1},
	{10000, 5},
	{100000, 10},
	{500000, 50},
	{1000000, 100},
	{2000000, 500},
}

// TickSize returns the price increment for price. Non-positive prices use 1.
func TickSize(price float64) float64 {
	if !(price > 0) {
		return 1
	}
	for _, row := range tickTable {
		if price < row.below {
			return row.tick
		}
	}
	return 1000
}

// RoundToTick rounds price to a multiple of tick. Buys round up and sells
// round down so the result is never more favorable than the raw price. The
// result is at least one tick.
func RoundToTick(price, tick float64, side exchange.Side) float64 {
	if !(price > 0) || !(tick > 0) {
		return math.Max(math.Max(price, tick), 1)
	}

	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	units := p.Div(t)
	switch side {
	case exchange.SideBuy:
		units = units.Ceil()
	case exchange.SideSell:
		units = units.Floor()
	default:
		units = units.Round(0)
	}

	rounded, _ := units.Mul(t).Float64()
	if rounded <= 0 {
		return tick
	}
	return rounded
}

// ApplyCost moves price against the trader by rate: buys pay more, sells
// receive less.
func ApplyCost(price float64, side string, rate float64) (float64, error) {
	if rate < 0 || math.IsNaN(rate) {
		return 0, fmt.Errorf("%w: rate %v", ErrInvalidCost, rate)
	}
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY":
		return price * (1 + rate), nil
	case "SELL":
		return price * (1 - rate), nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrInvalidCost, side)
}
