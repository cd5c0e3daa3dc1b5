package database

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrRedisDisabled is returned by NewRedisClient when Redis is turned off
var ErrRedisDisabled = errors.New("redis is not enabled in configuration")

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// NewRedisClient creates a client and checks connectivity. A failed ping
// still returns the client so callers can run degraded and recover later.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, ErrRedisDisabled
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	log := logger.With().Str("component", "Redis").Logger()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		log.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		return client, nil
	}
	log.Info().Str("address", cfg.Address).Msg("Redis connected")
	return client, nil
}
