package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	_, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)

	_, generated := EnsureCorrelationID(context.Background())
	assert.Len(t, generated, 26)
}

func TestHeadersRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	headers := InjectHeaders(ctx, nil)
	assert.Equal(t, "cid-2", headers["correlation_id"])
	assert.Equal(t, traceID.String(), headers["trace_id"])

	restored := ContextFromHeaders(context.Background(), headers)
	assert.Equal(t, "cid-2", ExtractCorrelationID(restored))
	sc := trace.SpanContextFromContext(restored)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, traceID, sc.TraceID())
}
