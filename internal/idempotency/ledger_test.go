package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1m", 60, false},
		{"15m", 900, false},
		{"4H", 14400, false},
		{"1d", 86400, false},
		{"30s", 30, false},
		{"5", 300, false},
		{" 3m ", 180, false},
		{"", 0, true},
		{"m", 0, true},
		{"-1m", 0, true},
		{"abc", 0, true},
		{"0h", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := TimeframeSeconds(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTimeframe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalTimeframe(t *testing.T) {
	tests := map[string]string{
		"5m":   "5m",
		"5M":   "5m",
		"300s": "5m",
		"5":    "5m",
		" 1h ": "1h",
		"60m":  "1h",
		"24h":  "1d",
		"90s":  "90s",
		"30s":  "30s",
		"abc":  "abc",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalTimeframe(in), in)
	}
}

func TestCandleBucket(t *testing.T) {
	b, err := CandleBucket(1_700_000_059, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_040), b)

	ms, err := CandleBucket(1_700_000_059_123, 60)
	require.NoError(t, err)
	assert.Equal(t, b, ms, "millisecond timestamps normalize to seconds")

	_, err = CandleBucket(0, 60)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))

	_, err = CandleBucket(100, 0)
	assert.True(t, errors.Is(err, ErrInvalidTimeframe))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "BTCUSDT_1m_1700000040_buy", Key("BTCUSDT", "1m", 1_700_000_040, "buy"))
	assert.Equal(t, "BTCUSDT_1m_60_tp2_sell", Key("BTCUSDT", "1m", 60, TakeProfitSide(2)))
}

func TestClaimsLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := Claims{}

	require.True(t, c.Claim("k", 60, DefaultTTLCandles, now))
	assert.False(t, c.Claim("k", 60, DefaultTTLCandles, now.Add(time.Minute)), "duplicate within ttl")
	assert.True(t, c.Exists("k", now.Add(119*time.Second)))

	claim := c["k"]
	assert.Equal(t, now.Add(2*time.Minute), claim.ExpireAt)
	assert.Equal(t, int64(60), claim.TimeframeSeconds)

	assert.False(t, c.Exists("k", now.Add(2*time.Minute)))
	assert.Equal(t, 1, c.Purge(now.Add(2*time.Minute)))
	assert.Empty(t, c)

	assert.True(t, c.Claim("k", 60, DefaultTTLCandles, now.Add(3*time.Minute)), "reclaimable after expiry")
}

func TestClaimsCloneIsIndependent(t *testing.T) {
	now := time.Now()
	c := Claims{}
	c.Claim("a", 60, 1, now)
	cp := c.Clone()
	cp.Claim("b", 60, 1, now)
	assert.Equal(t, []string{"a"}, c.Keys())
	assert.Equal(t, []string{"a", "b"}, cp.Keys())
}

func TestRedisGuardMemoryFallback(t *testing.T) {
	g := NewRedisGuard(nil, "host-a", zerolog.Nop())
	assert.False(t, g.IsRedisAvailable())

	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	ok, err := g.TryClaim(ctx, "BTCUSDT_1m_60_buy", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.TryClaim(ctx, "BTCUSDT_1m_60_buy", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := g.Owner(ctx, "BTCUSDT_1m_60_buy")
	require.NoError(t, err)
	assert.Equal(t, "host-a", owner)

	now = now.Add(2 * time.Minute)
	ok, err = g.TryClaim(ctx, "BTCUSDT_1m_60_buy", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
