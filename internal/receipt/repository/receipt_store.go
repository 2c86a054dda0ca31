package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const receiptColumns = `id, event_id, schema_version, version, status, is_cart, num_retry, notification_num_retry,
	event_data, io_message_data, md_attach, md_attach_payer, reason_err, reason_err_payer,
	inserted_at, generated_at, notified_at`

type receiptRow struct {
	ID                   string         `gorm:"column:id"`
	EventID              string         `gorm:"column:event_id"`
	SchemaVersion        string         `gorm:"column:schema_version"`
	Version              int64          `gorm:"column:version"`
	Status               string         `gorm:"column:status"`
	IsCart               bool           `gorm:"column:is_cart"`
	NumRetry             int            `gorm:"column:num_retry"`
	NotificationNumRetry int            `gorm:"column:notification_num_retry"`
	EventData            datatypes.JSON `gorm:"column:event_data"`
	IOMessageData        datatypes.JSON `gorm:"column:io_message_data"`
	MdAttach             datatypes.JSON `gorm:"column:md_attach"`
	MdAttachPayer        datatypes.JSON `gorm:"column:md_attach_payer"`
	ReasonErr            datatypes.JSON `gorm:"column:reason_err"`
	ReasonErrPayer       datatypes.JSON `gorm:"column:reason_err_payer"`
	InsertedAt           int64          `gorm:"column:inserted_at"`
	GeneratedAt          int64          `gorm:"column:generated_at"`
	NotifiedAt           int64          `gorm:"column:notified_at"`
}

// ReceiptStore keeps receipts in the receipts table with optimistic versioning.
type ReceiptStore struct {
	db *gorm.DB
}

func NewReceiptStore(conn *gorm.DB) *ReceiptStore {
	return &ReceiptStore{db: conn}
}

func (s *ReceiptStore) FetchReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	return s.fetchOne(ctx, "id = ?", id)
}

func (s *ReceiptStore) FetchByEventID(ctx context.Context, eventID string) (*domain.Receipt, error) {
	return s.fetchOne(ctx, "event_id = ?", eventID)
}

func (s *ReceiptStore) FetchByMessageID(ctx context.Context, messageID string) (*domain.Receipt, error) {
	if messageID == "" {
		return nil, &domain.NotFoundError{Resource: "io_message", ID: messageID}
	}
	return s.fetchOne(ctx, "debtor_message_id = ? OR payer_message_id = ?", messageID, messageID)
}

func (s *ReceiptStore) fetchOne(ctx context.Context, where string, arg string, extra ...any) (*domain.Receipt, error) {
	var row receiptRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT `+receiptColumns+` FROM receipts WHERE `+where+` LIMIT 1`,
		append([]any{arg}, extra...)...,
	).Scan(&row).Error
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "fetch receipt", Err: err}
	}
	if row.ID == "" {
		return nil, &domain.NotFoundError{Resource: "receipt", ID: arg}
	}
	return decodeReceipt(row)
}

func (s *ReceiptStore) SaveReceipt(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	row, err := encodeReceipt(receipt)
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "encode receipt", Err: err}
	}
	now := time.Now().UTC()

	if receipt.Version == 0 {
		err := s.db.WithContext(ctx).Exec(
			`INSERT INTO receipts (`+receiptColumns+`, debtor_message_id, payer_message_id, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.EventID, row.SchemaVersion, row.Status, row.IsCart, row.NumRetry, row.NotificationNumRetry,
			row.EventData, row.IOMessageData, row.MdAttach, row.MdAttachPayer, row.ReasonErr, row.ReasonErrPayer,
			row.InsertedAt, row.GeneratedAt, row.NotifiedAt,
			receipt.MessageID(domain.RoleDebtor), receipt.MessageID(domain.RolePayer), now,
		).Error
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return nil, &domain.VersionConflictError{Resource: "receipt", ID: receipt.EventID}
			}
			return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "insert receipt", Err: err}
		}
		out := receipt.Clone()
		out.Version = 1
		return out, nil
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE receipts SET
			schema_version = ?, version = version + 1, status = ?, is_cart = ?, num_retry = ?, notification_num_retry = ?,
			event_data = ?, io_message_data = ?, md_attach = ?, md_attach_payer = ?, reason_err = ?, reason_err_payer = ?,
			inserted_at = ?, generated_at = ?, notified_at = ?,
			debtor_message_id = ?, payer_message_id = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		row.SchemaVersion, row.Status, row.IsCart, row.NumRetry, row.NotificationNumRetry,
		row.EventData, row.IOMessageData, row.MdAttach, row.MdAttachPayer, row.ReasonErr, row.ReasonErrPayer,
		row.InsertedAt, row.GeneratedAt, row.NotifiedAt,
		receipt.MessageID(domain.RoleDebtor), receipt.MessageID(domain.RolePayer), now,
		row.ID, receipt.Version,
	)
	if res.Error != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "update receipt", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &domain.VersionConflictError{Resource: "receipt", ID: receipt.ID, Version: receipt.Version}
	}
	out := receipt.Clone()
	out.Version = receipt.Version + 1
	return out, nil
}

// ScanRecoverable pages through receipts in the given statuses whose retry counters are below the ceilings.
// INSERTED and GENERATED rows must also be older than the filter's staleness bounds.
func (s *ReceiptStore) ScanRecoverable(ctx context.Context, filter domain.ScanFilter, cursor string, pageSize int) ([]*domain.Receipt, string, error) {
	if len(filter.Statuses) == 0 {
		return nil, "", nil
	}
	afterID, err := decodeCursorID(cursor)
	if err != nil {
		return nil, "", err
	}
	pageSize = normalizePageSize(pageSize)

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}

	var rows []receiptRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE id > ? AND status IN ?
		   AND (status <> ? OR ? = 0 OR num_retry < ?)
		   AND (status <> ? OR ? = 0 OR notification_num_retry < ?)
		   AND (status <> ? OR inserted_at < ?)
		   AND (status <> ? OR generated_at < ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID, statuses,
		string(domain.ReceiptStatusFailed), filter.MaxRetry, filter.MaxRetry,
		string(domain.ReceiptStatusIOErrorToNotify), filter.MaxNotifyRetry, filter.MaxNotifyRetry,
		string(domain.ReceiptStatusInserted), filter.InsertedBefore,
		string(domain.ReceiptStatusGenerated), filter.GeneratedBefore,
		pageSize+1,
	).Scan(&rows).Error
	if err != nil {
		return nil, "", &domain.StoreError{Code: domain.ReasonStore, Op: "scan receipts", Err: err}
	}

	receipts := make([]*domain.Receipt, 0, len(rows))
	for _, row := range rows {
		receipt, err := decodeReceipt(row)
		if err != nil {
			return nil, "", err
		}
		receipts = append(receipts, receipt)
	}
	return nextPage(receipts, pageSize, func(r *domain.Receipt) string { return r.ID })
}

func encodeReceipt(r *domain.Receipt) (receiptRow, error) {
	row := receiptRow{
		ID:                   r.ID,
		EventID:              r.EventID,
		SchemaVersion:        r.SchemaVersion,
		Version:              r.Version,
		Status:               string(r.Status),
		IsCart:               r.IsCart,
		NumRetry:             r.NumRetry,
		NotificationNumRetry: r.NotificationNumRetry,
		InsertedAt:           r.InsertedAt,
		GeneratedAt:          r.GeneratedAt,
		NotifiedAt:           r.NotifiedAt,
	}
	if row.SchemaVersion == "" {
		row.SchemaVersion = domain.SchemaVersion
	}

	var err error
	if row.EventData, err = encodeJSON(r.EventData); err != nil {
		return row, err
	}
	if row.IOMessageData, err = encodeJSON(r.IOMessageData); err != nil {
		return row, err
	}
	if row.MdAttach, err = encodeJSON(r.MdAttach); err != nil {
		return row, err
	}
	if row.MdAttachPayer, err = encodeJSON(r.MdAttachPayer); err != nil {
		return row, err
	}
	if row.ReasonErr, err = encodeJSON(r.ReasonErr); err != nil {
		return row, err
	}
	if row.ReasonErrPayer, err = encodeJSON(r.ReasonErrPayer); err != nil {
		return row, err
	}
	return row, nil
}

func decodeReceipt(row receiptRow) (*domain.Receipt, error) {
	status, err := domain.ParseReceiptStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", row.ID, err)
	}
	r := &domain.Receipt{
		ID:                   row.ID,
		EventID:              row.EventID,
		SchemaVersion:        row.SchemaVersion,
		Version:              row.Version,
		Status:               status,
		IsCart:               row.IsCart,
		NumRetry:             row.NumRetry,
		NotificationNumRetry: row.NotificationNumRetry,
		InsertedAt:           row.InsertedAt,
		GeneratedAt:          row.GeneratedAt,
		NotifiedAt:           row.NotifiedAt,
	}

	if r.EventData, err = decodeJSON[domain.EventData](row.EventData); err != nil {
		return nil, fmt.Errorf("decode receipt %s event data: %w", row.ID, err)
	}
	if r.IOMessageData, err = decodeJSON[domain.IOMessageData](row.IOMessageData); err != nil {
		return nil, fmt.Errorf("decode receipt %s message data: %w", row.ID, err)
	}
	if r.MdAttach, err = decodeJSON[domain.ReceiptMetadata](row.MdAttach); err != nil {
		return nil, fmt.Errorf("decode receipt %s attachment: %w", row.ID, err)
	}
	if r.MdAttachPayer, err = decodeJSON[domain.ReceiptMetadata](row.MdAttachPayer); err != nil {
		return nil, fmt.Errorf("decode receipt %s payer attachment: %w", row.ID, err)
	}
	if r.ReasonErr, err = decodeJSON[domain.ReasonError](row.ReasonErr); err != nil {
		return nil, fmt.Errorf("decode receipt %s reason: %w", row.ID, err)
	}
	if r.ReasonErrPayer, err = decodeJSON[domain.ReasonError](row.ReasonErrPayer); err != nil {
		return nil, fmt.Errorf("decode receipt %s payer reason: %w", row.ID, err)
	}
	return r, nil
}
