// Package idempotency derives deterministic signal keys and keeps the
// time-boxed claims that guarantee at most one order per candle and side.
package idempotency

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTTLCandles is how many candles a claim stays alive
const DefaultTTLCandles = 2

// msThreshold separates second and millisecond epoch timestamps
const msThreshold = 1e12

var (
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidTimestamp = errors.New("invalid candle timestamp")
)

// Claim is one entry of the claim table
type Claim struct {
	CreatedAt        time.Time `json:"created_at"`
	ExpireAt         time.Time `json:"expire_at"`
	TimeframeSeconds int64     `json:"timeframe_seconds"`
}

// Claims maps an idempotency key to its claim. The zero value is not usable;
// callers own synchronization.
type Claims map[string]Claim

// TimeframeSeconds parses "1m", "4h", "1d", "30s" or a bare number of minutes.
// Minute, hour and day frames are at least 60 seconds.
func TimeframeSeconds(timeframe string) (int64, error) {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if tf == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimeframe)
	}

	unit := int64(60)
	minimum := int64(60)
	num := tf
	switch tf[len(tf)-1] {
	case 's':
		unit, minimum, num = 1, 1, tf[:len(tf)-1]
	case 'm':
		unit, num = 60, tf[:len(tf)-1]
	case 'h':
		unit, num = 3600, tf[:len(tf)-1]
	case 'd':
		unit, num = 86400, tf[:len(tf)-1]
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, timeframe)
	}

	secs := n * unit
	if secs < minimum {
		secs = minimum
	}
	return secs, nil
}

// CanonicalTimeframe rewrites timeframe in its largest whole unit, so "5M",
// "300s" and "5" all become "5m". Unparseable input is returned trimmed.
func CanonicalTimeframe(timeframe string) string {
	secs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return strings.TrimSpace(timeframe)
	}
	switch {
	case secs%86400 == 0:
		return strconv.FormatInt(secs/86400, 10) + "d"
	case secs%3600 == 0:
		return strconv.FormatInt(secs/3600, 10) + "h"
	case secs%60 == 0:
		return strconv.FormatInt(secs/60, 10) + "m"
	}
	return strconv.FormatInt(secs, 10) + "s"
}

// CandleBucket floors a candle timestamp (seconds or milliseconds) to the
// start of its timeframe bucket, in seconds.
func CandleBucket(candleTS int64, timeframeSec int64) (int64, error) {
	if timeframeSec <= 0 {
		return 0, fmt.Errorf("%w: %d seconds", ErrInvalidTimeframe, timeframeSec)
	}
	ts := float64(candleTS)
	if ts > msThreshold {
		ts /= 1000
	}
	if ts <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, candleTS)
	}
	return int64(math.Floor(ts/float64(timeframeSec))) * timeframeSec, nil
}

// Key builds "{symbol}_{timeframe}_{bucket}_{side}"
func Key(symbol, timeframe string, bucket int64, side string) string {
	return fmt.Sprintf("%s_%s_%d_%s", symbol, timeframe, bucket, side)
}

// TakeProfitSide is the key side used for a take-profit stage
func TakeProfitSide(stage int) string {
	return fmt.Sprintf("tp%d_sell", stage)
}

// Purge drops every claim whose expiry is at or before now and returns how many were removed
func (c Claims) Purge(now time.Time) int {
	removed := 0
	for key, claim := range c {
		if !claim.ExpireAt.After(now) {
			delete(c, key)
			removed++
		}
	}
	return removed
}

// Exists reports whether key holds a live claim
func (c Claims) Exists(key string, now time.Time) bool {
	claim, ok := c[key]
	return ok && claim.ExpireAt.After(now)
}

// Claim records key for ttlCandles × timeframeSec. It returns false when a
// live claim already exists.
func (c Claims) Claim(key string, timeframeSec int64, ttlCandles int, now time.Time) bool {
	c.Purge(now)
	if _, ok := c[key]; ok {
		return false
	}
	if ttlCandles < 1 {
		ttlCandles = 1
	}
	if timeframeSec < 1 {
		timeframeSec = 1
	}
	c[key] = Claim{
		CreatedAt:        now,
		ExpireAt:         now.Add(time.Duration(timeframeSec*int64(ttlCandles)) * time.Second),
		TimeframeSeconds: timeframeSec,
	}
	return true
}

// Keys returns the live keys in sorted order
func (c Claims) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy
func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
