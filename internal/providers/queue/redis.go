package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/zap"
)

const (
	payloadField   = "payload"
	kindField      = "kind"
	readBlock      = 5 * time.Second
	readBatchCount = 10

	// Pending entries idle longer than claimIdle are taken over by the
	// running consumer and handled again.
	claimIdle     = defaultClaimTTL
	claimInterval = defaultClaimTTL
)

// RedisQueue publishes receipt messages onto redis streams.
type RedisQueue struct {
	client             *redis.Client
	notificationStream string
	generationStream   string
	log                *zap.Logger
}

func NewRedisQueue(client *redis.Client, notificationStream, generationStream string, log *zap.Logger) *RedisQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{
		client:             client,
		notificationStream: notificationStream,
		generationStream:   generationStream,
		log:                log.Named("queue.redis"),
	}
}

// EnqueueNotification returns the stream entry id, which doubles as the IO message id.
func (q *RedisQueue) EnqueueNotification(ctx context.Context, msg domain.NotificationMessage) (string, error) {
	return q.add(ctx, q.notificationStream, KindNotification, msg)
}

func (q *RedisQueue) EnqueueGeneration(ctx context.Context, req domain.GenerationRequest) error {
	_, err := q.add(ctx, q.generationStream, KindGeneration, req)
	return err
}

func (q *RedisQueue) add(ctx context.Context, stream, kind string, body any) (string, error) {
	encoded, err := Encode(ctx, kind, body)
	if err != nil {
		return "", &domain.QueueError{Op: "encode " + kind, Err: err}
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{kindField: kind, payloadField: encoded},
	}).Result()
	if err != nil {
		return "", &domain.QueueError{Op: "xadd " + stream, Err: err}
	}
	return id, nil
}

// ConsumeGeneration reads the generation stream as part of group until ctx ends.
// Entries whose handler fails stay pending; every claimInterval the consumer
// claims entries idle for claimIdle with XAUTOCLAIM and handles them again.
func (q *RedisQueue) ConsumeGeneration(ctx context.Context, group, consumer string, handle GenerationHandler) error {
	err := q.client.XGroupCreateMkStream(ctx, q.generationStream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	var lastClaim time.Time
	for {
		if time.Since(lastClaim) >= claimInterval {
			reclaimPending(ctx, &streamClaimer{q: q, group: group, consumer: consumer}, q.log, handle, q.handleEntry)
			lastClaim = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{q.generationStream, ">"},
			Count:    readBatchCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log.Warn("queue.read.failed", zap.String("stream", q.generationStream), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if q.handleEntry(ctx, entry, handle) {
					if err := q.client.XAck(ctx, q.generationStream, group, entry.ID).Err(); err != nil {
						q.log.Warn("queue.ack.failed", zap.String("entry_id", entry.ID), zap.Error(err))
					}
				}
			}
		}
	}
}

// handleEntry reports whether the entry can be acknowledged.
func (q *RedisQueue) handleEntry(ctx context.Context, entry redis.XMessage, handle GenerationHandler) bool {
	raw, _ := entry.Values[payloadField].(string)
	req, msgCtx, err := decodeGeneration(ctx, raw)
	if err != nil {
		q.log.Error("queue.message.dropped", zap.String("entry_id", entry.ID), zap.Error(err))
		return true
	}
	if err := handle(msgCtx, req); err != nil {
		q.log.Warn("queue.message.failed",
			zap.String("entry_id", entry.ID),
			zap.String("receipt_id", req.ReceiptID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// pendingClaimer hands over pending entries of a consumer group.
type pendingClaimer interface {
	claim(ctx context.Context, start string) (entries []redis.XMessage, next string, err error)
	ack(ctx context.Context, id string) error
}

type streamClaimer struct {
	q        *RedisQueue
	group    string
	consumer string
}

func (c *streamClaimer) claim(ctx context.Context, start string) ([]redis.XMessage, string, error) {
	return c.q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.q.generationStream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  claimIdle,
		Start:    start,
		Count:    readBatchCount,
	}).Result()
}

func (c *streamClaimer) ack(ctx context.Context, id string) error {
	return c.q.client.XAck(ctx, c.q.generationStream, c.group, id).Err()
}

// reclaimPending walks the pending list once and returns how many entries were acknowledged.
func reclaimPending(
	ctx context.Context,
	claimer pendingClaimer,
	log *zap.Logger,
	handle GenerationHandler,
	process func(context.Context, redis.XMessage, GenerationHandler) bool,
) int {
	acked := 0
	start := "0-0"
	for ctx.Err() == nil {
		entries, next, err := claimer.claim(ctx, start)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Warn("queue.claim.failed", zap.Error(err))
			}
			return acked
		}
		for _, entry := range entries {
			if !process(ctx, entry, handle) {
				continue
			}
			if err := claimer.ack(ctx, entry.ID); err != nil {
				log.Warn("queue.ack.failed", zap.String("entry_id", entry.ID), zap.Error(err))
				continue
			}
			acked++
		}
		if next == "" || next == "0-0" || next == start {
			return acked
		}
		start = next
	}
	return acked
}
