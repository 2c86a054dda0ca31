package scheduler

import (
	"context"

	"github.com/smallbiznis/receiptflow/internal/authorization"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

// RecoverFailedReceiptsJob re-drives FAILED, NOT_QUEUED, stale INSERTED and IO_ERROR_TO_NOTIFY receipts below their ceilings.
func (s *Scheduler) RecoverFailedReceiptsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverFailedReceipts)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectRecovery, authorization.ActionRecover); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", JobRecoverFailedReceipts, err)
		return err
	}

	result, err := s.recovery.RecoverBatch(ctx, nil)
	s.recordReceipts(ctx, run, JobRecoverFailedReceipts, result)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobRecoverFailedReceipts, err)
	}
	return err
}

// RecoverNotNotifiedReceiptsJob resends notifications that failed below their ceiling or never started.
// Counters are never reset here; that stays an operator action.
func (s *Scheduler) RecoverNotNotifiedReceiptsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverNotNotifiedReceipts)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectRecovery, authorization.ActionRecover); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", JobRecoverNotNotifiedReceipts, err)
		return err
	}

	result, err := s.recovery.RenotifyStale(ctx)
	s.recordReceipts(ctx, run, JobRecoverNotNotifiedReceipts, result)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobRecoverNotNotifiedReceipts, err)
	}
	return err
}

// RecoverFailedCartsJob re-dispatches complete carts stuck in FAILED or INSERTED.
func (s *Scheduler) RecoverFailedCartsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverFailedCarts)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectCart, authorization.ActionRecover); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", JobRecoverFailedCarts, err)
		return err
	}

	result, err := s.recovery.RecoverCarts(ctx, nil)
	if result != nil {
		run.AddProcessed(len(result.ProcessedCarts))
		run.AddErrors(result.ErrorCounter)
		s.metrics.AddBatchProcessed(JobRecoverFailedCarts, "cart", len(result.ProcessedCarts))
		var ids, errs []string
		for _, c := range result.ProcessedCarts {
			if c.Error != "" {
				ids = append(ids, c.ID)
				errs = append(errs, c.Error)
			}
		}
		s.logItemFailures(ctx, JobRecoverFailedCarts, ids, errs)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobRecoverFailedCarts, err)
	}
	return err
}

func (s *Scheduler) recordReceipts(ctx context.Context, run *jobRun, job string, result *domain.RecoveryResult) {
	if result == nil {
		return
	}
	run.AddProcessed(len(result.ProcessedReceipts))
	run.AddErrors(result.ErrorCounter)
	s.metrics.AddBatchProcessed(job, "receipt", len(result.ProcessedReceipts))
	var ids, errs []string
	for _, r := range result.ProcessedReceipts {
		if r.Error != "" {
			ids = append(ids, r.EventID)
			errs = append(errs, r.Error)
		}
	}
	s.logItemFailures(ctx, job, ids, errs)
}
