package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Request ids correlate one UI action with every log line it produces inside
// the daemon. The desktop client may send its own id in X-Request-ID; anything
// that is not a v4 UUID is replaced so log tooling can rely on the format.

type ctxKeyRequestID struct{}

// NormalizeRequestID returns the inbound id when it is a well-formed v4 UUID
// and a freshly generated one otherwise.
func NormalizeRequestID(value string) string {
	if !validRequestID(value) {
		return uuid.NewString()
	}
	return value
}

func validRequestID(value string) bool {
	parsed, err := uuid.Parse(value)
	return err == nil && parsed.Version() == 4
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyRequestID{}, requestID)
}

// RequestIDFromContext returns the attached request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return requestID
}

// RequestLogger returns the default logger annotated with the context's
// request id, when one is present.
func RequestLogger(ctx context.Context) *slog.Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return slog.Default().With("request_id", requestID)
	}
	return slog.Default()
}
