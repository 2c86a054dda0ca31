package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*BizEvent, error)
	FindByOrganizationAndIUV(ctx context.Context, db *gorm.DB, organizationFiscalCode, iuv string) (*BizEvent, error)
	FindByCartID(ctx context.Context, db *gorm.DB, cartID string) ([]*BizEvent, error)
	Insert(ctx context.Context, db *gorm.DB, event *BizEvent) error
}
