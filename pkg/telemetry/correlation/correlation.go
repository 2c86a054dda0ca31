package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Headers carries correlation and trace identifiers alongside a queued message.
type Headers map[string]string

// InjectHeaders stamps the message headers with the caller's correlation and span identifiers.
func InjectHeaders(ctx context.Context, headers Headers) Headers {
	if headers == nil {
		headers = Headers{}
	}
	cid := headers["correlation_id"]
	if cid == "" {
		_, cid = EnsureCorrelationID(ctx)
	}
	headers["correlation_id"] = cid

	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		headers["trace_id"] = sc.TraceID().String()
		headers["span_id"] = sc.SpanID().String()
	}
	headers["published_at"] = time.Now().UTC().Format(time.RFC3339)
	return headers
}

// ContextFromHeaders restores the correlation id and remote parent span of a consumed message.
func ContextFromHeaders(ctx context.Context, headers Headers) context.Context {
	ctx = ContextWithCorrelationID(ctx, headers["correlation_id"])
	return ContextWithRemoteSpan(ctx, headers["trace_id"], headers["span_id"])
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}
