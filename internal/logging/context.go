package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger attached to ctx, falling back to Default()
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext attaches l to ctx
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// WithTraceContext adds a trace ID to ctx and returns a logger carrying it
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := base.With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return l.WithContext(ctx), l
}

// TraceID returns the trace ID stored in ctx, if any
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// SignalContext creates a logger for one signal evaluation
func SignalContext(base zerolog.Logger, symbol, side, timeframe string, notional float64) zerolog.Logger {
	return base.With().
		Str("symbol", symbol).
		Str("side", side).
		Str("timeframe", timeframe).
		Float64("target_notional", notional).
		Logger()
}

// OrderContext creates a logger for order operations
func OrderContext(base zerolog.Logger, orderID, symbol, side string, price, qty float64) zerolog.Logger {
	return base.With().
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Float64("price", price).
		Float64("qty", qty).
		Logger()
}
