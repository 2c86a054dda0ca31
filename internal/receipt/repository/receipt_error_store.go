package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"gorm.io/gorm"
)

const receiptErrorColumns = `id, biz_event_id, message_payload, message_error, status, created_at, updated_at`

type receiptErrorRow struct {
	ID             string    `gorm:"column:id"`
	BizEventID     string    `gorm:"column:biz_event_id"`
	MessagePayload string    `gorm:"column:message_payload"`
	MessageError   string    `gorm:"column:message_error"`
	Status         string    `gorm:"column:status"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// ReceiptErrorStore keeps events parked for operator review, one row per event.
type ReceiptErrorStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewReceiptErrorStore(conn *gorm.DB, genID *snowflake.Node) *ReceiptErrorStore {
	return &ReceiptErrorStore{db: conn, genID: genID}
}

func (s *ReceiptErrorStore) FetchByEventID(ctx context.Context, eventID string) (*domain.ReceiptError, error) {
	var row receiptErrorRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT `+receiptErrorColumns+` FROM receipt_errors WHERE biz_event_id = ?`,
		eventID,
	).Scan(&row).Error
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "fetch receipt error", Err: err}
	}
	if row.ID == "" {
		return nil, &domain.NotFoundError{Resource: "receipt_error", ID: eventID}
	}
	return decodeReceiptError(row), nil
}

// SaveReceiptError inserts a new record or overwrites the one already kept for the event.
// An overwrite that the receipt error transitions do not allow, such as reopening a REVIEWED
// record, fails with *domain.TransitionError and leaves the stored row untouched.
func (s *ReceiptErrorStore) SaveReceiptError(ctx context.Context, receiptErr *domain.ReceiptError) (*domain.ReceiptError, error) {
	out := *receiptErr
	now := time.Now().UTC()
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}

	sources := domain.ReceiptErrorSources(out.Status)
	from := make([]string, 0, len(sources))
	for _, status := range sources {
		from = append(from, string(status))
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE receipt_errors SET message_payload = ?, message_error = ?, status = ?, updated_at = ?
		 WHERE biz_event_id = ? AND status IN ?`,
		out.MessagePayload, out.MessageError, string(out.Status), out.UpdatedAt, out.BizEventID, from,
	)
	if res.Error != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "update receipt error", Err: res.Error}
	}
	if res.RowsAffected > 0 {
		if out.ID == "" {
			existing, err := s.FetchByEventID(ctx, out.BizEventID)
			if err != nil {
				return nil, err
			}
			out.ID = existing.ID
			out.CreatedAt = existing.CreatedAt
		}
		return &out, nil
	}

	existing, err := s.FetchByEventID(ctx, out.BizEventID)
	if err == nil {
		return nil, &domain.TransitionError{Entity: "receipt_error", From: string(existing.Status), To: string(out.Status)}
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if out.ID == "" {
		out.ID = s.genID.Generate().String()
	}
	err = s.db.WithContext(ctx).Exec(
		`INSERT INTO receipt_errors (`+receiptErrorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.BizEventID, out.MessagePayload, out.MessageError, string(out.Status), out.CreatedAt, out.UpdatedAt,
	).Error
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "insert receipt error", Err: err}
	}
	return &out, nil
}

func (s *ReceiptErrorStore) ListByStatus(ctx context.Context, status domain.ReceiptErrorStatus, cursor string, pageSize int) ([]*domain.ReceiptError, string, error) {
	afterID, err := decodeCursorID(cursor)
	if err != nil {
		return nil, "", err
	}
	pageSize = normalizePageSize(pageSize)

	var rows []receiptErrorRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT `+receiptErrorColumns+` FROM receipt_errors
		 WHERE status = ? AND biz_event_id > ?
		 ORDER BY biz_event_id ASC
		 LIMIT ?`,
		string(status), afterID, pageSize+1,
	).Scan(&rows).Error
	if err != nil {
		return nil, "", &domain.StoreError{Code: domain.ReasonStore, Op: "list receipt errors", Err: err}
	}

	out := make([]*domain.ReceiptError, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeReceiptError(row))
	}
	return nextPage(out, pageSize, func(e *domain.ReceiptError) string { return e.BizEventID })
}

func decodeReceiptError(row receiptErrorRow) *domain.ReceiptError {
	return &domain.ReceiptError{
		ID:             row.ID,
		BizEventID:     row.BizEventID,
		MessagePayload: row.MessagePayload,
		MessageError:   row.MessageError,
		Status:         domain.ReceiptErrorStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}
