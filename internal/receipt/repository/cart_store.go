package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const cartColumns = `id, cart_payment_id, total_notice, status, reason_error, version, inserted_at, dispatched_at`

type cartRow struct {
	ID            string         `gorm:"column:id"`
	CartPaymentID pq.StringArray `gorm:"column:cart_payment_id"`
	TotalNotice   int            `gorm:"column:total_notice"`
	Status        string         `gorm:"column:status"`
	ReasonError   datatypes.JSON `gorm:"column:reason_error"`
	Version       int64          `gorm:"column:version"`
	InsertedAt    int64          `gorm:"column:inserted_at"`
	DispatchedAt  int64          `gorm:"column:dispatched_at"`
}

// CartStore keeps payment carts in cart_for_receipts with optimistic versioning.
type CartStore struct {
	db *gorm.DB
}

func NewCartStore(conn *gorm.DB) *CartStore {
	return &CartStore{db: conn}
}

func (s *CartStore) FetchCart(ctx context.Context, id string) (*domain.CartForReceipt, error) {
	var row cartRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT `+cartColumns+` FROM cart_for_receipts WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "fetch cart", Err: err}
	}
	if row.ID == "" {
		return nil, &domain.NotFoundError{Resource: "cart", ID: id}
	}
	return decodeCart(row)
}

func (s *CartStore) SaveCart(ctx context.Context, cart *domain.CartForReceipt) (*domain.CartForReceipt, error) {
	reason, err := encodeJSON(cart.ReasonError)
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "encode cart", Err: err}
	}
	payments := pq.StringArray(append([]string{}, cart.CartPaymentID...))
	now := time.Now().UTC()

	if cart.Version == 0 {
		err := s.db.WithContext(ctx).Exec(
			`INSERT INTO cart_for_receipts (`+cartColumns+`, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			cart.ID, payments, cart.TotalNotice, string(cart.Status), reason,
			cart.InsertedAt, cart.DispatchedAt, now,
		).Error
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return nil, &domain.VersionConflictError{Resource: "cart", ID: cart.ID}
			}
			return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "insert cart", Err: err}
		}
		out := cart.Clone()
		out.Version = 1
		return out, nil
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE cart_for_receipts SET
			cart_payment_id = ?, total_notice = ?, status = ?, reason_error = ?, version = version + 1,
			inserted_at = ?, dispatched_at = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		payments, cart.TotalNotice, string(cart.Status), reason,
		cart.InsertedAt, cart.DispatchedAt, now,
		cart.ID, cart.Version,
	)
	if res.Error != nil {
		return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "update cart", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &domain.VersionConflictError{Resource: "cart", ID: cart.ID, Version: cart.Version}
	}
	out := cart.Clone()
	out.Version = cart.Version + 1
	return out, nil
}

func (s *CartStore) ScanCarts(ctx context.Context, statuses []domain.CartStatus, cursor string, pageSize int) ([]*domain.CartForReceipt, string, error) {
	if len(statuses) == 0 {
		return nil, "", nil
	}
	afterID, err := decodeCursorID(cursor)
	if err != nil {
		return nil, "", err
	}
	pageSize = normalizePageSize(pageSize)

	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	var rows []cartRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT `+cartColumns+` FROM cart_for_receipts
		 WHERE id > ? AND status IN ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID, values, pageSize+1,
	).Scan(&rows).Error
	if err != nil {
		return nil, "", &domain.StoreError{Code: domain.ReasonStore, Op: "scan carts", Err: err}
	}

	carts := make([]*domain.CartForReceipt, 0, len(rows))
	for _, row := range rows {
		cart, err := decodeCart(row)
		if err != nil {
			return nil, "", err
		}
		carts = append(carts, cart)
	}
	return nextPage(carts, pageSize, func(c *domain.CartForReceipt) string { return c.ID })
}

func decodeCart(row cartRow) (*domain.CartForReceipt, error) {
	status, err := domain.ParseCartStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", row.ID, err)
	}
	reason, err := decodeJSON[domain.ReasonError](row.ReasonError)
	if err != nil {
		return nil, fmt.Errorf("decode cart %s reason: %w", row.ID, err)
	}
	return &domain.CartForReceipt{
		ID:            row.ID,
		CartPaymentID: append([]string(nil), row.CartPaymentID...),
		TotalNotice:   row.TotalNotice,
		Status:        status,
		ReasonError:   reason,
		Version:       row.Version,
		InsertedAt:    row.InsertedAt,
		DispatchedAt:  row.DispatchedAt,
	}, nil
}
