package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// WithRequestID returns a context carrying a logger tagged with the proxy
// request id and domain. Every log line on the request path goes through it.
func WithRequestID(ctx context.Context, requestID, domain string) context.Context {
	l := log.Logger.With().Str("request_id", requestID)
	if domain != "" {
		l = l.Str("domain", domain)
	}
	logger := l.Logger()
	return context.WithValue(ctx, ctxKey{}, &logger)
}

// Logger returns the request-scoped logger from ctx, enriched with
// trace_id when a span is active, or the global logger otherwise.
func Logger(ctx context.Context) *zerolog.Logger {
	l := &log.Logger
	if ctx == nil {
		return l
	}
	if v, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
		l = v
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		tl := l.With().Str("trace_id", sc.TraceID().String()).Logger()
		return &tl
	}
	return l
}
