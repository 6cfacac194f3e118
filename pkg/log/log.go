// Package log carries a *slog.Logger in a context.Context so that every
// layer of an hourly cycle logs with the same attributes, such as the hour
// being processed.
package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger attached to ctx, or the process default logger
// configured in main when none was attached.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// With returns a context carrying the given logger for downstream callers.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
