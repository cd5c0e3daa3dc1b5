package binance

import (
	"errors"
	"testing"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"spot-execution-bot/internal/exchange"
)

func TestSpotClientToBinanceSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", toBinanceSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", toBinanceSymbol("eth-btc"))
	assert.Equal(t, "BTCUSDT", toBinanceSymbol("BTCUSDT"))
}

func TestConvertOrder(t *testing.T) {
	o := convertOrder(&gobinance.Order{
		Symbol:           "BTCUSDT",
		OrderID:          42,
		ClientOrderID:    "cid",
		Price:            "100.5",
		OrigQuantity:     "2",
		ExecutedQuantity: "0.5",
		Status:           gobinance.OrderStatusTypePartiallyFilled,
		Side:             gobinance.SideTypeSell,
		Time:             1_700_000_000_000,
	})
	assert.Equal(t, "42", o.ID)
	assert.Equal(t, "BTC/USDT", o.Symbol)
	assert.Equal(t, exchange.SideSell, o.Side)
	assert.Equal(t, 100.5, o.Price)
	assert.Equal(t, 0.5, o.Filled)
	assert.Equal(t, exchange.StatusPartiallyFilled, o.Status)
}

func TestConvertStatus(t *testing.T) {
	assert.Equal(t, exchange.StatusOpen, convertStatus(gobinance.OrderStatusTypeNew))
	assert.Equal(t, exchange.StatusCanceled, convertStatus(gobinance.OrderStatusTypePendingCancel))
	assert.Equal(t, exchange.StatusExpired, convertStatus(gobinance.OrderStatusTypeExpired))
}

func TestTranslateErrors(t *testing.T) {
	c := NewSpotClient(Config{}, zerolog.Nop())

	assert.NoError(t, c.translate("op", nil))

	err := c.translate("place", &common.APIError{Code: -1003, Message: "Too many requests"})
	assert.ErrorIs(t, err, exchange.ErrRateLimited)
	assert.True(t, c.Limiter().IsBanned())

	err = c.translate("get", &common.APIError{Code: -2013, Message: "Order does not exist."})
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)

	err = c.translate("place", &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."})
	assert.ErrorIs(t, err, exchange.ErrInsufficient)

	err = c.translate("book", &common.APIError{Code: -1121, Message: "Invalid symbol."})
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)

	_, err = parseOrderID("abc")
	assert.True(t, errors.Is(err, exchange.ErrInvalidOrder))
}
