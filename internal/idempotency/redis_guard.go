package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ClaimKeyPrefix namespaces claims in Redis.
// Format: spotbot:claim:{key}
const ClaimKeyPrefix = "spotbot:claim:"

// Guard is a claim store shared across processes or hosts
type Guard interface {
	TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGuard claims keys with SETNX so that two hosts running against the same
// account cannot both submit the same candle. When Redis is unavailable it
// degrades to a process-local table.
type RedisGuard struct {
	client         *redis.Client
	owner          string
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu       sync.Mutex
	inMemory map[string]time.Time
	now      func() time.Time
}

// NewRedisGuard creates a guard. A nil client runs in memory-only mode.
func NewRedisGuard(client *redis.Client, owner string, logger zerolog.Logger) *RedisGuard {
	g := &RedisGuard{
		client:   client,
		owner:    owner,
		logger:   logger.With().Str("component", "ClaimGuard").Logger(),
		inMemory: make(map[string]time.Time),
		now:      time.Now,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			g.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory claims")
			g.redisAvailable.Store(false)
		} else {
			g.redisAvailable.Store(true)
		}
	}

	return g
}

// IsRedisAvailable reports whether claims currently go to Redis
func (g *RedisGuard) IsRedisAvailable() bool {
	return g.client != nil && g.redisAvailable.Load()
}

// TryClaim returns true when this process now owns key for ttl
func (g *RedisGuard) TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}

	if g.IsRedisAvailable() {
		ok, err := g.client.SetNX(ctx, ClaimKeyPrefix+key, g.owner, ttl).Result()
		if err == nil {
			return ok, nil
		}
		g.logger.Warn().Err(err).Str("key", key).Msg("Redis claim failed, falling back to memory")
		g.redisAvailable.Store(false)
	}

	return g.claimInMemory(key, ttl), nil
}

// Owner returns the holder recorded for key, or "" if unknown
func (g *RedisGuard) Owner(ctx context.Context, key string) (string, error) {
	if !g.IsRedisAvailable() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if exp, ok := g.inMemory[key]; ok && exp.After(g.now()) {
			return g.owner, nil
		}
		return "", nil
	}
	owner, err := g.client.Get(ctx, ClaimKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

func (g *RedisGuard) claimInMemory(key string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.inMemory {
		if !exp.After(now) {
			delete(g.inMemory, k)
		}
	}
	if _, ok := g.inMemory[key]; ok {
		return false
	}
	g.inMemory[key] = now.Add(ttl)
	return true
}
