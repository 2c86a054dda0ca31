package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/observability/logger"
	"github.com/smallbiznis/receiptflow/internal/observability/metrics"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var recoverableStatuses = []domain.ReceiptStatus{
	domain.ReceiptStatusFailed,
	domain.ReceiptStatusIOErrorToNotify,
	domain.ReceiptStatusNotQueued,
	domain.ReceiptStatusInserted,
}

var recoverableCartStatuses = []domain.CartStatus{
	domain.CartStatusFailed,
	domain.CartStatusInserted,
}

type RecoveryParams struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Recovery  *config.RecoveryConfigHolder
	Generator domain.Generator
	Carts     domain.CartAggregator
	Receipts  domain.ReceiptStore
	CartStore domain.CartStore

	SchedulerMetrics *metrics.SchedulerMetrics `optional:"true"`
}

// Recovery re-drives receipts and carts stuck in retryable states.
type Recovery struct {
	log       *zap.Logger
	clock     clock.Clock
	recovery  *config.RecoveryConfigHolder
	generator domain.Generator
	carts     domain.CartAggregator
	receipts  domain.ReceiptStore
	cartStore domain.CartStore
	metrics   *metrics.SchedulerMetrics
}

func NewRecovery(p RecoveryParams) *Recovery {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Recovery{
		log:       log.Named("receipt.recovery"),
		clock:     clk,
		recovery:  p.Recovery,
		generator: p.Generator,
		carts:     p.Carts,
		receipts:  p.Receipts,
		cartStore: p.CartStore,
		metrics:   p.SchedulerMetrics,
	}
}

var _ domain.Recovery = (*Recovery)(nil)

// RecoverBatch scans every recoverable receipt below its ceiling when ids is empty,
// including INSERTED receipts whose worker never finished. Listed ids are forced past the ceiling.
func (s *Recovery) RecoverBatch(ctx context.Context, ids []string) (*domain.RecoveryResult, error) {
	result := &domain.RecoveryResult{ProcessedReceipts: []domain.ReceiptSummary{}}
	cfg := s.recovery.Get()

	if len(ids) > 0 {
		for _, id := range ids {
			receipt, err := s.resolveReceipt(ctx, id)
			if err != nil {
				s.record(result, domain.ReceiptSummary{ID: id, EventID: id}, err)
				continue
			}
			out, err := s.generator.Resume(ctx, receipt, domain.ResumeOptions{Force: true})
			s.record(result, summaryOf(receipt, out), err)
		}
		s.observe("recover_failed", result)
		return result, nil
	}

	filter := domain.ScanFilter{
		Statuses:       recoverableStatuses,
		MaxRetry:       cfg.MaxRetry,
		MaxNotifyRetry: cfg.MaxNotifyRetry,
		InsertedBefore: s.clock.Now().Add(-cfg.StaleInsertedAfter).UnixMilli(),
	}
	err := s.scanReceipts(ctx, filter, cfg.PageSize, func(receipt *domain.Receipt) {
		out, err := s.generator.Resume(ctx, receipt, domain.ResumeOptions{})
		s.record(result, summaryOf(receipt, out), err)
	})
	s.observe("recover_failed", result)
	return result, err
}

// RenotifyStale resends notifications for IO_ERROR_TO_NOTIFY receipts below the notification
// ceiling and for GENERATED receipts whose notification never went out. Counters are left alone.
func (s *Recovery) RenotifyStale(ctx context.Context) (*domain.RecoveryResult, error) {
	result := &domain.RecoveryResult{ProcessedReceipts: []domain.ReceiptSummary{}}
	cfg := s.recovery.Get()

	filter := domain.ScanFilter{
		Statuses:        []domain.ReceiptStatus{domain.ReceiptStatusIOErrorToNotify, domain.ReceiptStatusGenerated},
		MaxNotifyRetry:  cfg.MaxNotifyRetry,
		GeneratedBefore: s.clock.Now().Add(-cfg.StaleGeneratedAfter).UnixMilli(),
	}
	err := s.scanReceipts(ctx, filter, cfg.PageSize, func(receipt *domain.Receipt) {
		out, err := s.generator.Resume(ctx, receipt, domain.ResumeOptions{})
		s.record(result, summaryOf(receipt, out), err)
	})
	s.observe("renotify_stale", result)
	return result, err
}

// RecoverNotNotified restores receipts in status back to GENERATED with fresh notification
// counters and sends their notifications again. It ignores the ceiling and is meant for operators only.
func (s *Recovery) RecoverNotNotified(ctx context.Context, status domain.ReceiptStatus) (*domain.RecoveryResult, error) {
	if status != domain.ReceiptStatusIOErrorToNotify && status != domain.ReceiptStatusGenerated {
		return nil, fmt.Errorf("%w: %s cannot be restored for notification", domain.ErrInvalidStatus, status)
	}
	result := &domain.RecoveryResult{ProcessedReceipts: []domain.ReceiptSummary{}}
	cfg := s.recovery.Get()

	filter := domain.ScanFilter{Statuses: []domain.ReceiptStatus{status}}
	err := s.scanReceipts(ctx, filter, cfg.PageSize, func(receipt *domain.Receipt) {
		restored, err := s.mutate(ctx, receipt, func(r *domain.Receipt) error {
			if r.Status != status {
				return errSkip
			}
			if r.Status == domain.ReceiptStatusIOErrorToNotify {
				if err := r.TransitionTo(domain.ReceiptStatusGenerated); err != nil {
					return err
				}
			}
			r.NotificationNumRetry = 0
			r.NotifiedAt = 0
			r.ClearReasons()
			return nil
		})
		if err != nil {
			s.record(result, summaryOf(receipt, restored), err)
			return
		}
		out, err := s.generator.Resume(ctx, restored, domain.ResumeOptions{})
		s.record(result, summaryOf(restored, out), err)
	})
	s.observe("recover_not_notified", result)
	return result, err
}

// ResetRetries clears the retry counter of a FAILED receipt and re-drives it.
func (s *Recovery) ResetRetries(ctx context.Context, eventID string) (*domain.Receipt, error) {
	receipt, err := s.generator.GetReceipt(ctx, eventID)
	if err != nil {
		return nil, err
	}
	reset, err := s.mutate(ctx, receipt, func(r *domain.Receipt) error {
		if r.Status != domain.ReceiptStatusFailed {
			return fmt.Errorf("%w: receipt %s is %s", domain.ErrInvalidStatus, r.ID, r.Status)
		}
		r.NumRetry = 0
		r.ClearReasons()
		return r.TransitionTo(domain.ReceiptStatusInserted)
	})
	if err != nil {
		return reset, err
	}
	logger.WithReceipt(logger.WithContext(ctx, s.log), reset.ID, reset.EventID).Info("receipt.retries.reset")
	return s.generator.Resume(ctx, reset, domain.ResumeOptions{})
}

// RecoverCarts re-dispatches complete carts whose hand-off never went through.
func (s *Recovery) RecoverCarts(ctx context.Context, ids []string) (*domain.CartRecoveryResult, error) {
	result := &domain.CartRecoveryResult{ProcessedCarts: []domain.CartSummary{}}

	redispatch := func(id string, force bool) {
		cart, err := s.carts.Redispatch(ctx, id, force)
		summary := domain.CartSummary{ID: id}
		if cart != nil {
			summary = cart.Summary()
		}
		if err != nil {
			summary.Error = err.Error()
			result.ErrorCounter++
			s.log.Warn("cart.recovery.failed", zap.String("cart_id", id), zap.Error(err))
		}
		result.ProcessedCarts = append(result.ProcessedCarts, summary)
	}

	if len(ids) > 0 {
		for _, id := range ids {
			redispatch(strings.TrimSpace(id), true)
		}
		s.observeCarts(result)
		return result, nil
	}

	pageSize := s.recovery.Get().PageSize
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			s.observeCarts(result)
			return result, err
		}
		carts, next, err := s.cartStore.ScanCarts(ctx, recoverableCartStatuses, cursor, pageSize)
		if err != nil {
			s.observeCarts(result)
			return result, err
		}
		for _, cart := range carts {
			if !cart.IsComplete() {
				continue
			}
			redispatch(cart.ID, false)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	s.observeCarts(result)
	return result, nil
}

func (s *Recovery) resolveReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	id = strings.TrimSpace(id)
	receipt, err := s.receipts.FetchByEventID(ctx, id)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return receipt, err
	}
	return s.receipts.FetchReceipt(ctx, id)
}

func (s *Recovery) scanReceipts(ctx context.Context, filter domain.ScanFilter, pageSize int, visit func(*domain.Receipt)) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := s.receipts.ScanRecoverable(ctx, filter, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, receipt := range page {
			visit(receipt)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

var errSkip = errors.New("skip")

// mutate applies change and saves, re-reading on lost races. errSkip from change leaves the receipt as is.
func (s *Recovery) mutate(ctx context.Context, receipt *domain.Receipt, change func(*domain.Receipt) error) (*domain.Receipt, error) {
	maxConflicts := s.recovery.Get().MaxConflictRetries
	current := receipt
	for attempt := 0; ; attempt++ {
		next := current.Clone()
		if err := change(next); err != nil {
			if errors.Is(err, errSkip) {
				return current, nil
			}
			return current, err
		}
		saved, err := s.receipts.SaveReceipt(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return current, err
		}
		if attempt >= maxConflicts {
			return current, &domain.StoreError{Code: domain.ReasonStore, Op: "save receipt " + receipt.ID, Err: err}
		}
		if current, err = s.receipts.FetchReceipt(ctx, receipt.ID); err != nil {
			return receipt, err
		}
	}
}

func (s *Recovery) record(result *domain.RecoveryResult, summary domain.ReceiptSummary, err error) {
	if err != nil {
		summary.Error = err.Error()
		result.ErrorCounter++
		s.log.Warn("receipt.recovery.failed",
			zap.String("receipt_id", summary.ID),
			zap.String("event_id", summary.EventID),
			zap.Error(err),
		)
	}
	result.ProcessedReceipts = append(result.ProcessedReceipts, summary)
}

func (s *Recovery) observe(job string, result *domain.RecoveryResult) {
	failed := result.ErrorCounter
	s.metrics.AddRecoveryOutcome(job, metrics.RecoveryOutcomeRecovered, len(result.ProcessedReceipts)-failed)
	s.metrics.AddRecoveryOutcome(job, metrics.RecoveryOutcomeFailed, failed)
}

func (s *Recovery) observeCarts(result *domain.CartRecoveryResult) {
	failed := result.ErrorCounter
	s.metrics.AddRecoveryOutcome("recover_failed_carts", metrics.RecoveryOutcomeRecovered, len(result.ProcessedCarts)-failed)
	s.metrics.AddRecoveryOutcome("recover_failed_carts", metrics.RecoveryOutcomeFailed, failed)
}

// summaryOf prefers the post-recovery state and falls back to what was scanned.
func summaryOf(before, after *domain.Receipt) domain.ReceiptSummary {
	if after != nil {
		return after.Summary()
	}
	if before != nil {
		return before.Summary()
	}
	return domain.ReceiptSummary{}
}
