package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/receiptflow/internal/observability/metrics"
	"go.uber.org/zap"
)

const lockKeyPrefix = "receiptflow:scheduler:"

func lockKey(job string) string {
	return lockKeyPrefix + job
}

// acquire reports false when another replica holds the job lease.
func (s *Scheduler) acquire(ctx context.Context, job string) (string, bool, error) {
	if s.locks == nil {
		return "", true, nil
	}
	lockStart := time.Now()
	token, ok, err := s.locks.TryLock(ctx, lockKey(job), s.cfg.LockTTL)
	s.metrics.ObserveLockWait(job, time.Since(lockStart))
	if err != nil {
		return "", false, err
	}
	if !ok {
		s.metrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("scheduler.job.deferred",
			zap.String("job", job),
			zap.String("reason", obsmetrics.SchedulerBatchDeferredReasonLockHeld),
		)
		return "", false, nil
	}
	return token, true, nil
}

// release runs on a fresh context so a timed-out job still frees its lease.
func (s *Scheduler) release(job, token string) {
	if s.locks == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, lockKey(job), token); err != nil {
		s.log.Warn("scheduler.lock.release_failed", zap.String("job", job), zap.Error(err))
	}
}
