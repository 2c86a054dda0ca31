package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type bizEventRow struct {
	ID          string         `gorm:"column:id"`
	CartID      string         `gorm:"column:cart_id"`
	EventStatus string         `gorm:"column:event_status"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.BizEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode biz event: %w", err)
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO biz_events (id, cart_id, organization_fiscal_code, iuv, event_status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.CartID(),
		event.OrganizationFiscalCode(),
		event.IUV(),
		string(event.EventStatus),
		datatypes.JSON(payload),
		time.Now().UTC(),
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.BizEvent, error) {
	var row bizEventRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, cart_id, event_status, payload, created_at
		 FROM biz_events WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return decodeRow(row)
}

// FindByOrganizationAndIUV returns the earliest event for the notice, or nil when there is none.
func (r *repo) FindByOrganizationAndIUV(ctx context.Context, db *gorm.DB, organizationFiscalCode, iuv string) (*domain.BizEvent, error) {
	var row bizEventRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, cart_id, event_status, payload, created_at
		 FROM biz_events WHERE organization_fiscal_code = ? AND iuv = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		organizationFiscalCode, iuv,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return decodeRow(row)
}

func (r *repo) FindByCartID(ctx context.Context, db *gorm.DB, cartID string) ([]*domain.BizEvent, error) {
	var rows []bizEventRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, cart_id, event_status, payload, created_at
		 FROM biz_events WHERE cart_id = ?
		 ORDER BY created_at ASC, id ASC`,
		cartID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	events := make([]*domain.BizEvent, 0, len(rows))
	for _, row := range rows {
		event, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeRow(row bizEventRow) (*domain.BizEvent, error) {
	var event domain.BizEvent
	if err := json.Unmarshal(row.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode biz event %s: %w", row.ID, err)
	}
	if event.ID == "" {
		event.ID = row.ID
	}
	return &event, nil
}
