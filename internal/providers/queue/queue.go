package queue

import (
	"context"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

// GenerationHandler processes one queued generation request.
type GenerationHandler func(ctx context.Context, req domain.GenerationRequest) error

// Queue is implemented by both the redis stream and the outbox drivers.
type Queue interface {
	domain.NotificationQueue
	domain.GenerationQueue
	ConsumeGeneration(ctx context.Context, group, consumer string, handle GenerationHandler) error
}

func decodeGeneration(ctx context.Context, raw string) (domain.GenerationRequest, context.Context, error) {
	var req domain.GenerationRequest
	env, err := Decode(raw)
	if err != nil {
		return req, ctx, err
	}
	if env.Kind != KindGeneration {
		return req, ctx, ErrMalformedMessage
	}
	if err := env.Unmarshal(&req); err != nil {
		return req, ctx, err
	}
	return req, env.Context(ctx), nil
}
