package exchange

import (
	"errors"
	"strings"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrDegraded      = errors.New("exchange adapter degraded: only reduce-only orders allowed")
	ErrOrderNotFound = errors.New("order not found")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInsufficient  = errors.New("insufficient balance")
	ErrInvalidOrder  = errors.New("invalid order")
)

// IsRateLimited matches both the sentinel and the raw messages exchanges
// return for throttled requests.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	txt := strings.ToLower(err.Error())
	return strings.Contains(txt, "429") ||
		strings.Contains(txt, "rate limit") ||
		strings.Contains(txt, "too many requests")
}
