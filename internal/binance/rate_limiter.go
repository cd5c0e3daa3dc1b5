package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spot-execution-bot/internal/exchange"
)

// ==================== PRIORITY TYPES ====================

// RequestPriority defines priority levels for API requests.
// Higher priority requests get a larger share of the weight budget.
type RequestPriority int

const (
	// PriorityCritical - orders and cancellations
	PriorityCritical RequestPriority = iota
	// PriorityHigh - order status, fills, balances
	PriorityHigh
	// PriorityNormal - order book, tickers, exchange info
	PriorityNormal
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

func (p RequestPriority) threshold() float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.60
	}
}

// Spot endpoint weights
var endpointWeights = map[string]int{
	"/api/v3/depth":             5,
	"/api/v3/ticker/bookTicker": 2,
	"/api/v3/exchangeInfo":      20,
	"/api/v3/account":           20,
	"/api/v3/openOrders":        6,
	"/api/v3/order":             2,
	"/api/v3/myTrades":          20,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// ==================== RATE LIMITER ====================

// RateLimiterConfig holds limiter configuration
type RateLimiterConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	MaxWeight         int     `json:"max_weight"` // per minute
}

// DefaultRateLimiterConfig matches Binance spot limits with headroom
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		MaxWeight:         6000,
	}
}

// RateLimiter paces requests with a token bucket and tracks the per-minute
// weight budget. A 429/418 response opens a ban window during which every
// request fails fast with exchange.ErrRateLimited.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	logger  zerolog.Logger

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	banUntil          time.Time
	consecutiveErrors int
	now               func() time.Time
}

// NewRateLimiter creates a limiter
func NewRateLimiter(cfg RateLimiterConfig, logger zerolog.Logger) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRateLimiterConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = DefaultRateLimiterConfig().MaxWeight
	}
	return &RateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:        logger.With().Str("component", "RateLimiter").Logger(),
		maxWeight:     cfg.MaxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		now:           time.Now,
	}
}

// Acquire reserves budget for one request to endpoint, blocking on the token
// bucket. It fails fast while banned or when the weight budget for priority is
// exhausted.
func (r *RateLimiter) Acquire(ctx context.Context, endpoint string, priority RequestPriority) error {
	r.mu.Lock()
	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if now.Before(r.banUntil) {
		until := r.banUntil
		r.mu.Unlock()
		return fmt.Errorf("%w: banned until %s", exchange.ErrRateLimited, until.Format(time.RFC3339))
	}
	weight := getEndpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * priority.threshold())
	if r.currentWeight+weight > threshold {
		used := r.currentWeight
		r.mu.Unlock()
		return fmt.Errorf("%w: weight %d/%d exhausted for %s priority", exchange.ErrRateLimited, used, threshold, priority)
	}
	r.currentWeight += weight
	r.mu.Unlock()

	return r.limiter.Wait(ctx)
}

// RecordSuccess resets the consecutive error counter
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
}

// RecordRateLimitError opens the ban window. banUntilMs comes from the
// exchange message when present; otherwise backoff doubles per error, capped
// at 30 minutes.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if banUntilMs > 0 {
		r.banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors-1)) * time.Second
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		r.banUntil = r.now().Add(backoff)
	}

	r.logger.Warn().
		Time("ban_until", r.banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Rate limited by exchange, pausing requests")
}

// UpdateUsedWeight syncs the tracked weight with the X-MBX-USED-WEIGHT-1M header
func (r *RateLimiter) UpdateUsedWeight(used int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if used > r.currentWeight {
		r.currentWeight = used
	}
}

// IsBanned reports whether the ban window is open
func (r *RateLimiter) IsBanned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Before(r.banUntil)
}

// GetStatus returns current limiter statistics
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := map[string]interface{}{
		"current_weight":     r.currentWeight,
		"max_weight":         r.maxWeight,
		"weight_usage_pct":   float64(r.currentWeight) / float64(r.maxWeight) * 100,
		"consecutive_errors": r.consecutiveErrors,
		"banned":             r.now().Before(r.banUntil),
	}
	if r.now().Before(r.banUntil) {
		status["ban_until"] = r.banUntil.Format(time.RFC3339)
	}
	return status
}

var banUntilPattern = regexp.MustCompile(`(?i)banned until (\d+)`)

// ParseBanUntilFromError extracts the ban timestamp from a Binance error message
// such as "Way too many requests; IP banned until 1766824120342."
func ParseBanUntilFromError(errMsg string, now time.Time) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
