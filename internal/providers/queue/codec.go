package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/smallbiznis/receiptflow/internal/observability/tracing"
	"github.com/smallbiznis/receiptflow/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/propagation"
)

const (
	KindNotification = "receipt.notification"
	KindGeneration   = "receipt.generation"
)

var ErrMalformedMessage = errors.New("malformed_queue_message")

// Envelope is the wire form of every queued message.
type Envelope struct {
	Kind    string              `json:"kind"`
	Headers correlation.Headers `json:"headers"`
	Body    json.RawMessage     `json:"body"`
}

// Encode wraps body in an envelope and returns base64(snappy(json)).
func Encode(ctx context.Context, kind string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode %s body: %w", kind, err)
	}
	headers := correlation.InjectHeaders(ctx, nil)
	tracing.InjectContext(ctx, propagation.MapCarrier(headers))
	env := Envelope{
		Kind:    kind,
		Headers: headers,
		Body:    raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return base64.StdEncoding.EncodeToString(snappy.Encode(nil, payload)), nil
}

func Decode(encoded string) (*Envelope, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &env, nil
}

// Context restores the producer's correlation id and span onto ctx.
func (e *Envelope) Context(ctx context.Context) context.Context {
	ctx = correlation.ContextFromHeaders(ctx, e.Headers)
	return tracing.ExtractContext(ctx, propagation.MapCarrier(e.Headers))
}

func (e *Envelope) Unmarshal(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
