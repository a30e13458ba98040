package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext, if any.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	if base == nil {
		base = Default()
	}
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// SeriesContext creates a logger context for one candle series
func SeriesContext(base *Logger, symbol, granularity string) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":      symbol,
		"granularity": granularity,
	})
}

// SignalContext creates a logger context for advisor signals
func SignalContext(symbol, signal string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol": symbol,
		"signal": signal,
	}).WithComponent("signal")
}

// TradeContext creates a logger context for strategy actions
func TradeContext(symbol, action, held string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol": symbol,
		"action": action,
		"held":   held,
	}).WithComponent("trade")
}

// BinanceAPIContext creates a logger context for Binance API calls
func BinanceAPIContext(endpoint string, params map[string]interface{}) *Logger {
	l := Default().WithField("endpoint", endpoint).WithComponent("binance")

	// Add safe params (exclude sensitive data)
	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			l = l.WithField(k, v)
		}
	}

	return l
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// NotificationContext creates a logger context for notifications
func NotificationContext(provider string) *Logger {
	return Default().WithField("provider", provider).WithComponent("notification")
}
