package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/receiptflow/internal/authorization"
	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/locker"
	obsmetrics "github.com/smallbiznis/receiptflow/internal/observability/metrics"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRecoverFailedReceipts      = "recover_failed_receipts"
	JobRecoverNotNotifiedReceipts = "recover_not_notified_receipts"
	JobRecoverFailedCarts         = "recover_failed_carts"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Locks guards a sweep so only one replica runs it at a time.
type Locks interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Recovery domain.Recovery
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`

	Locker   *locker.Locker               `optional:"true"`
	AuthzSvc authorization.Service        `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	recovery domain.Recovery
	locks    Locks
	authzSvc authorization.Service
	metrics  *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Recovery == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		recovery: p.Recovery,
		authzSvc: p.AuthzSvc,
		metrics:  p.Metrics,
	}
	if s.metrics == nil {
		s.metrics = obsmetrics.Scheduler()
	}
	if p.Locker != nil {
		s.locks = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	token, acquired, err := s.acquire(ctx, name)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	if !acquired {
		return nil
	}
	defer s.release(name, token)

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up where this run stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

type sweep struct {
	Name string
	Run  func(context.Context) error
}

func (s *Scheduler) sweeps() []sweep {
	return []sweep{
		{JobRecoverFailedReceipts, s.RecoverFailedReceiptsJob},
		{JobRecoverNotNotifiedReceipts, s.RecoverNotNotifiedReceiptsJob},
		{JobRecoverFailedCarts, s.RecoverFailedCartsJob},
	}
}

// EnabledJobs lists the sweeps RunOnce executes, in order.
func (s *Scheduler) EnabledJobs() []string {
	var names []string
	for _, job := range s.sweeps() {
		if s.isJobEnabled(job.Name) {
			names = append(names, job.Name)
		}
	}
	return names
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	for _, job := range s.sweeps() {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every sweep
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return nil
	}
	return s.authzSvc.Authorize(ctx, authorization.ActorSystem, object, action)
}
