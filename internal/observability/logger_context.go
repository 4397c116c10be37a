// Package observability carries loggers and correlation ids through
// context so every layer logs with the same message-scoped fields.
package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// messageIDContextKey is the private context key used to store the queue
// message_id so that case runners and deeper layers can correlate their
// logs with the originating message.
type messageIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithMessageID stores a non-empty message_id in the context so that
// downstream layers (case runner, scorer, repos) can correlate their logs
// with the originating queue message.
func ContextWithMessageID(ctx context.Context, messageID string) context.Context {
	if ctx == nil || messageID == "" {
		return ctx
	}
	return context.WithValue(ctx, messageIDContextKey{}, messageID)
}

// MessageIDFromContext retrieves the message_id from the context, or an
// empty string when none is present.
func MessageIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(messageIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
