package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-execution-bot/internal/exchange"
)

func TestRateLimiterBanFailsFast(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 100, Burst: 10, MaxWeight: 1000}, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	require.NoError(t, rl.Acquire(context.Background(), "/api/v3/order", PriorityCritical))

	rl.RecordRateLimitError(0)
	assert.True(t, rl.IsBanned())
	err := rl.Acquire(context.Background(), "/api/v3/order", PriorityCritical)
	assert.True(t, errors.Is(err, exchange.ErrRateLimited))

	now = now.Add(2 * time.Second)
	assert.False(t, rl.IsBanned())
	assert.NoError(t, rl.Acquire(context.Background(), "/api/v3/order", PriorityCritical))
}

func TestRateLimiterBackoffDoubles(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.RecordRateLimitError(0)
	rl.RecordRateLimitError(0)
	rl.RecordRateLimitError(0)
	assert.Equal(t, now.Add(4*time.Second), rl.banUntil)

	rl.RecordSuccess()
	rl.RecordRateLimitError(0)
	assert.Equal(t, now.Add(time.Second), rl.banUntil)
}

func TestRateLimiterWeightBudgetByPriority(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1000, Burst: 100, MaxWeight: 100}, zerolog.Nop())
	ctx := context.Background()

	// exchangeInfo weighs 20; normal priority may use 60 of 100
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx, "/api/v3/exchangeInfo", PriorityNormal))
	}
	err := rl.Acquire(ctx, "/api/v3/exchangeInfo", PriorityNormal)
	assert.True(t, errors.Is(err, exchange.ErrRateLimited))

	assert.NoError(t, rl.Acquire(ctx, "/api/v3/order", PriorityCritical), "orders keep their reserve")
}

func TestRateLimiterContextCanceled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, Burst: 1, MaxWeight: 1000}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rl.Acquire(ctx, "/api/v3/depth", PriorityNormal))
	cancel()
	assert.Error(t, rl.Acquire(ctx, "/api/v3/depth", PriorityNormal))
}

func TestParseBanUntilFromError(t *testing.T) {
	now := time.UnixMilli(1_766_824_000_000)
	msg := "Way too many requests; IP banned until 1766824120342. Please use the websocket for live updates."
	assert.Equal(t, int64(1766824120342), ParseBanUntilFromError(msg, now))
	assert.Zero(t, ParseBanUntilFromError("Too many requests", now))
	assert.Zero(t, ParseBanUntilFromError("banned until 1000", now), "past timestamps ignored")
}

func TestToBinanceSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", toBinanceSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", toBinanceSymbol("ETH-BTC"))
	assert.Equal(t, "BNBUSDT", toBinanceSymbol("BNBUSDT"))
}
