package queue

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultClaimTTL     = 30 * time.Second
	defaultBatchSize    = 50
)

type outboxRow struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Kind        string     `gorm:"column:kind"`
	Payload     string     `gorm:"column:payload"`
	Attempts    int        `gorm:"column:attempts"`
	LastError   string     `gorm:"column:last_error"`
	ClaimToken  *string    `gorm:"column:claim_token"`
	ClaimUntil  *time.Time `gorm:"column:claim_until"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	PublishedAt *time.Time `gorm:"column:published_at"`
}

func (outboxRow) TableName() string { return "queue_outbox" }

// OutboxMessage is a claimed, not yet acknowledged outbox entry.
type OutboxMessage struct {
	ID       string
	Kind     string
	Payload  string
	Attempts int
}

// OutboxQueue stores messages in the receipts database for drivers without a broker.
type OutboxQueue struct {
	db           *gorm.DB
	genID        *snowflake.Node
	log          *zap.Logger
	pollInterval time.Duration
	claimTTL     time.Duration
}

func NewOutboxQueue(db *gorm.DB, genID *snowflake.Node, log *zap.Logger) *OutboxQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxQueue{
		db:           db,
		genID:        genID,
		log:          log.Named("queue.outbox"),
		pollInterval: defaultPollInterval,
		claimTTL:     defaultClaimTTL,
	}
}

// EnqueueNotification returns the outbox id, which doubles as the IO message id.
func (q *OutboxQueue) EnqueueNotification(ctx context.Context, msg domain.NotificationMessage) (string, error) {
	return q.insert(ctx, KindNotification, msg)
}

func (q *OutboxQueue) EnqueueGeneration(ctx context.Context, req domain.GenerationRequest) error {
	_, err := q.insert(ctx, KindGeneration, req)
	return err
}

func (q *OutboxQueue) insert(ctx context.Context, kind string, body any) (string, error) {
	encoded, err := Encode(ctx, kind, body)
	if err != nil {
		return "", &domain.QueueError{Op: "encode " + kind, Err: err}
	}
	row := outboxRow{
		ID:        q.genID.Generate().String(),
		Kind:      kind,
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", &domain.QueueError{Op: "insert outbox " + kind, Err: err}
	}
	return row.ID, nil
}

// Claim leases up to limit unpublished messages of kind. Leases expire after the claim TTL.
func (q *OutboxQueue) Claim(ctx context.Context, kind string, limit int) (string, []OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	token := uuid.NewString()
	now := time.Now().UTC()
	until := now.Add(q.claimTTL)

	var rows []outboxRow
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subquery := tx.Model(&outboxRow{}).
			Select("id").
			Where("kind = ?", kind).
			Where("published_at IS NULL").
			Where("claim_until IS NULL OR claim_until < ?", now).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		if err := tx.Model(&outboxRow{}).
			Where("id IN (?)", subquery).
			Updates(map[string]any{
				"claim_token": token,
				"claim_until": until,
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ?", token).
			Where("published_at IS NULL").
			Order("id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return "", nil, err
	}

	out := make([]OutboxMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, OutboxMessage{ID: row.ID, Kind: row.Kind, Payload: row.Payload, Attempts: row.Attempts})
	}
	return token, out, nil
}

func (q *OutboxQueue) Ack(ctx context.Context, id, token string) error {
	return q.db.WithContext(ctx).
		Model(&outboxRow{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"published_at": time.Now().UTC(),
			"claim_token":  nil,
			"claim_until":  nil,
		}).Error
}

// Nack releases the lease so the next claim picks the message up again.
func (q *OutboxQueue) Nack(ctx context.Context, id, token string, cause error) error {
	return q.db.WithContext(ctx).
		Model(&outboxRow{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  cause.Error(),
			"claim_token": nil,
			"claim_until": nil,
		}).Error
}

// ConsumeGeneration polls the outbox until ctx ends. group and consumer only label logs.
func (q *OutboxQueue) ConsumeGeneration(ctx context.Context, group, consumer string, handle GenerationHandler) error {
	log := q.log.With(zap.String("group", group), zap.String("consumer", consumer))
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if err := q.processOnce(ctx, handle); err != nil && ctx.Err() == nil {
			log.Warn("queue.poll.failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *OutboxQueue) processOnce(ctx context.Context, handle GenerationHandler) error {
	token, messages, err := q.Claim(ctx, KindGeneration, defaultBatchSize)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		req, msgCtx, err := decodeGeneration(ctx, msg.Payload)
		if err != nil {
			q.log.Error("queue.message.dropped", zap.String("outbox_id", msg.ID), zap.Error(err))
			if ackErr := q.Ack(ctx, msg.ID, token); ackErr != nil {
				return ackErr
			}
			continue
		}
		if err := handle(msgCtx, req); err != nil {
			q.log.Warn("queue.message.failed",
				zap.String("outbox_id", msg.ID),
				zap.String("receipt_id", req.ReceiptID),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err),
			)
			if nackErr := q.Nack(ctx, msg.ID, token, err); nackErr != nil {
				return nackErr
			}
			continue
		}
		if err := q.Ack(ctx, msg.ID, token); err != nil {
			return err
		}
	}
	return nil
}
