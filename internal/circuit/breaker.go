package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the adapter health state
type BreakerState string

const (
	StateOK       BreakerState = "OK"       // Normal operation
	StateDegraded BreakerState = "DEGRADED" // Only reduce-only orders allowed
)

// BreakerConfig holds exchange-error breaker configuration
type BreakerConfig struct {
	Enabled        bool `json:"enabled"`
	ErrorThreshold int  `json:"error_threshold"` // Errors above this count degrade the adapter
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Enabled:        true,
		ErrorThreshold: 3,
	}
}

// ErrorBreaker counts exchange adapter errors. Crossing the threshold marks the
// adapter DEGRADED; every success walks the counter back one step and the
// adapter returns to OK once it reaches zero.
type ErrorBreaker struct {
	config     *BreakerConfig
	state      BreakerState
	errorCount int
	lastError  string
	lastErrAt  time.Time
	trippedAt  time.Time
	mu         sync.RWMutex
	onTrip     func(reason string)
	onReset    func()
}

// NewErrorBreaker creates a new breaker
func NewErrorBreaker(config *BreakerConfig) *ErrorBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.ErrorThreshold < 1 {
		config.ErrorThreshold = 1
	}
	return &ErrorBreaker{
		config: config,
		state:  StateOK,
	}
}

// OnTrip sets callback for when the adapter degrades
func (b *ErrorBreaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when the adapter recovers
func (b *ErrorBreaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// RecordError counts one failed adapter call
func (b *ErrorBreaker) RecordError(err error) {
	if !b.config.Enabled || err == nil {
		return
	}

	b.mu.Lock()
	b.errorCount++
	b.lastError = err.Error()
	b.lastErrAt = time.Now()

	var tripped func(string)
	reason := ""
	if b.errorCount > b.config.ErrorThreshold && b.state != StateDegraded {
		b.state = StateDegraded
		b.trippedAt = b.lastErrAt
		reason = fmt.Sprintf("too many exchange errors (%d): %s", b.errorCount, b.lastError)
		tripped = b.onTrip
	}
	b.mu.Unlock()

	if tripped != nil {
		go tripped(reason)
	}
}

// RecordSuccess walks the error counter back by one
func (b *ErrorBreaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	var reset func()
	if b.errorCount > 0 {
		b.errorCount--
		if b.errorCount == 0 && b.state == StateDegraded {
			b.state = StateOK
			reset = b.onReset
		}
	}
	b.mu.Unlock()

	if reset != nil {
		go reset()
	}
}

// CanTrade reports whether an order may be placed. Reduce-only orders are
// always allowed.
func (b *ErrorBreaker) CanTrade(reduceOnly bool) (bool, string) {
	if !b.config.Enabled || reduceOnly {
		return true, ""
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == StateDegraded {
		return false, fmt.Sprintf("adapter degraded since %s (errors: %d, last: %s)",
			b.trippedAt.Format(time.RFC3339), b.errorCount, b.lastError)
	}
	return true, ""
}

// ForceReset manually returns the adapter to OK
func (b *ErrorBreaker) ForceReset() {
	b.mu.Lock()
	wasDegraded := b.state == StateDegraded
	b.state = StateOK
	b.errorCount = 0
	reset := b.onReset
	b.mu.Unlock()

	if wasDegraded && reset != nil {
		go reset()
	}
}

// GetState returns current breaker state
func (b *ErrorBreaker) GetState() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// ErrorCount returns the current error counter
func (b *ErrorBreaker) ErrorCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.errorCount
}

// GetStats returns current statistics
func (b *ErrorBreaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":         string(b.state),
		"error_count":   b.errorCount,
		"threshold":     b.config.ErrorThreshold,
		"last_error":    b.lastError,
		"last_error_at": b.lastErrAt,
		"tripped_at":    b.trippedAt,
	}
}
