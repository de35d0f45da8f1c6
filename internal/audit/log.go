// Package audit writes security-relevant events through the application
// logger, which also feeds them into the persisted log pipeline.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"warden.dev/internal/auth"
)

// Event names.
const (
	LoginSucceeded = "auth.login.succeeded"
	LoginFailed    = "auth.login.failed"
	TokenRefreshed = "auth.refresh"
	LoggedOut      = "auth.logout"
	AccessDenied   = "authz.denied"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger writes audit events. A nil Logger discards them.
type Logger struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("audit")}
}

// Event writes an audit entry enriched with the request id and the
// authenticated username found in ctx.
func (l *Logger) Event(ctx context.Context, event string, fields ...zap.Field) error {
	if l == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	out := make([]zap.Field, 0, len(fields)+4)
	out = append(out, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		out = append(out, zap.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok && !id.Anonymous {
		out = append(out, zap.String("username", id.Username()))
	}
	out = append(out, fields...)

	if event == LoginFailed || event == AccessDenied {
		l.log.Warn(event, out...)
	} else {
		l.log.Info(event, out...)
	}
	return nil
}
