package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/zap"
)

// Review manages events parked for operator review.
type Review struct {
	log      *zap.Logger
	recovery *config.RecoveryConfigHolder
	store    domain.ReceiptErrorStore
}

func NewReview(log *zap.Logger, recovery *config.RecoveryConfigHolder, store domain.ReceiptErrorStore) *Review {
	if log == nil {
		log = zap.NewNop()
	}
	return &Review{log: log.Named("receipt.review"), recovery: recovery, store: store}
}

var _ domain.ReceiptErrorService = (*Review)(nil)

func (s *Review) GetReceiptError(ctx context.Context, eventID string) (*domain.ReceiptError, error) {
	return s.store.FetchByEventID(ctx, eventID)
}

func (s *Review) MarkReviewed(ctx context.Context, eventID string) (*domain.ReceiptError, error) {
	record, err := s.store.FetchByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if record.Status == domain.ReceiptErrorStatusReviewed {
		return record, nil
	}
	if err := record.TransitionTo(domain.ReceiptErrorStatusReviewed); err != nil {
		return nil, err
	}
	saved, err := s.store.SaveReceiptError(ctx, record)
	if err != nil {
		return nil, err
	}
	s.log.Info("receipt_error.reviewed", zap.String("event_id", eventID))
	return saved, nil
}

// MarkAllReviewed closes every TO_REVIEW record and returns how many were closed.
func (s *Review) MarkAllReviewed(ctx context.Context) (int, error) {
	pageSize := s.recovery.Get().PageSize
	reviewed := 0
	cursor := ""
	for {
		page, next, err := s.store.ListByStatus(ctx, domain.ReceiptErrorStatusToReview, cursor, pageSize)
		if err != nil {
			return reviewed, err
		}
		for _, record := range page {
			if err := record.TransitionTo(domain.ReceiptErrorStatusReviewed); err != nil {
				return reviewed, err
			}
			if _, err := s.store.SaveReceiptError(ctx, record); err != nil {
				return reviewed, fmt.Errorf("mark %s reviewed: %w", record.BizEventID, err)
			}
			reviewed++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	s.log.Info("receipt_error.reviewed_all", zap.Int("count", reviewed))
	return reviewed, nil
}
