package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for the status mirror
const (
	// MirrorStateKeyPrefix holds the latest snapshot.
	// Format: spotbot:state:{instance}
	MirrorStateKeyPrefix = "spotbot:state"

	// MirrorTransitionsKeyPrefix holds the most recent transitions, newest first.
	// Format: spotbot:transitions:{instance}
	MirrorTransitionsKeyPrefix = "spotbot:transitions"

	MirrorStateTTL        = 7 * 24 * time.Hour
	MirrorTransitionLimit = 100
)

// RedisMirror publishes snapshots and transitions to Redis so dashboards and
// standby hosts can read the live state without touching the state file. The
// file stays authoritative; when Redis is unavailable the mirror keeps the
// latest values in memory.
type RedisMirror struct {
	client         *redis.Client
	instance       string
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu          sync.RWMutex
	lastState   *RuntimeState
	transitions []Transition
}

// NewRedisMirror creates a mirror. A nil client runs memory-only.
func NewRedisMirror(client *redis.Client, instance string, logger zerolog.Logger) *RedisMirror {
	m := &RedisMirror{
		client:   client,
		instance: instance,
		logger:   logger.With().Str("component", "StateMirror").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn().Err(err).Msg("Redis unavailable at startup, mirroring in memory")
		} else {
			m.redisAvailable.Store(true)
		}
	}
	return m
}

func (m *RedisMirror) stateKey() string {
	return fmt.Sprintf("%s:%s", MirrorStateKeyPrefix, m.instance)
}

func (m *RedisMirror) transitionsKey() string {
	return fmt.Sprintf("%s:%s", MirrorTransitionsKeyPrefix, m.instance)
}

// IsRedisAvailable reports whether the last Redis write succeeded
func (m *RedisMirror) IsRedisAvailable() bool {
	return m.client != nil && m.redisAvailable.Load()
}

// PublishState stores st as the latest snapshot
func (m *RedisMirror) PublishState(ctx context.Context, st RuntimeState) {
	clone := st.Clone()
	m.mu.Lock()
	m.lastState = &clone
	m.mu.Unlock()

	if m.client == nil {
		return
	}
	data, err := json.Marshal(clone)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to marshal state snapshot")
		return
	}
	if err := m.client.Set(ctx, m.stateKey(), data, MirrorStateTTL).Err(); err != nil {
		m.markDown(err)
		return
	}
	m.markUp()
}

// PublishTransition prepends t to the bounded transition list
func (m *RedisMirror) PublishTransition(ctx context.Context, t Transition) {
	m.mu.Lock()
	m.transitions = append([]Transition{t}, m.transitions...)
	if len(m.transitions) > MirrorTransitionLimit {
		m.transitions = m.transitions[:MirrorTransitionLimit]
	}
	m.mu.Unlock()

	if m.client == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, m.transitionsKey(), data)
	pipe.LTrim(ctx, m.transitionsKey(), 0, MirrorTransitionLimit-1)
	pipe.Expire(ctx, m.transitionsKey(), MirrorStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.markDown(err)
		return
	}
	m.markUp()
}

// LatestState returns the mirrored snapshot, preferring Redis
func (m *RedisMirror) LatestState(ctx context.Context) (*RuntimeState, error) {
	if m.IsRedisAvailable() {
		data, err := m.client.Get(ctx, m.stateKey()).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			m.markDown(err)
		default:
			var st RuntimeState
			if err := json.Unmarshal(data, &st); err != nil {
				return nil, fmt.Errorf("decode mirrored state: %w", err)
			}
			return &st, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastState == nil {
		return nil, nil
	}
	st := m.lastState.Clone()
	return &st, nil
}

// RecentTransitions returns up to limit mirrored transitions, newest first
func (m *RedisMirror) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 || limit > MirrorTransitionLimit {
		limit = MirrorTransitionLimit
	}
	if m.IsRedisAvailable() {
		raw, err := m.client.LRange(ctx, m.transitionsKey(), 0, int64(limit-1)).Result()
		if err == nil {
			out := make([]Transition, 0, len(raw))
			for _, item := range raw {
				var t Transition
				if json.Unmarshal([]byte(item), &t) == nil {
					out = append(out, t)
				}
			}
			return out, nil
		}
		m.markDown(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	n := limit
	if n > len(m.transitions) {
		n = len(m.transitions)
	}
	return append([]Transition(nil), m.transitions[:n]...), nil
}

func (m *RedisMirror) markDown(err error) {
	if m.redisAvailable.Swap(false) {
		m.logger.Warn().Err(err).Msg("Redis mirror write failed, falling back to memory")
	}
}

func (m *RedisMirror) markUp() {
	if !m.redisAvailable.Swap(true) {
		m.logger.Info().Msg("Redis mirror connected")
	}
}
