package bizevent

import (
	"context"
	"strings"

	"github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type SourceParams struct {
	fx.In

	DB   *gorm.DB
	Repo domain.Repository
}

// Source reads payment events from the biz_events table.
type Source struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewSource(p SourceParams) *Source {
	return &Source{db: p.DB, repo: p.Repo}
}

func (s *Source) FetchEvent(ctx context.Context, id string) (*domain.BizEvent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrEventNotFound
	}
	event, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Source) FetchEventByOrganizationAndIUV(ctx context.Context, organizationFiscalCode, iuv string) (*domain.BizEvent, error) {
	organizationFiscalCode = strings.TrimSpace(organizationFiscalCode)
	iuv = strings.TrimSpace(iuv)
	if organizationFiscalCode == "" || iuv == "" {
		return nil, domain.ErrEventNotFound
	}
	event, err := s.repo.FindByOrganizationAndIUV(ctx, s.db, organizationFiscalCode, iuv)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Source) FetchCartEvents(ctx context.Context, cartID string) ([]*domain.BizEvent, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, domain.ErrEventNotFound
	}
	events, err := s.repo.FindByCartID(ctx, s.db, cartID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrEventNotFound
	}
	return events, nil
}
