package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/receiptflow/internal/authorization"
	receiptdomain "github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "version_conflict",
			err:  &receiptdomain.VersionConflictError{Resource: "receipt", ID: "R1", Version: 3},
			want: SchedulerJobReasonVersionConflict,
		},
		{
			name: "render",
			err:  &receiptdomain.RenderError{Code: receiptdomain.ReasonPDFEngine, Role: receiptdomain.RoleDebtor},
			want: SchedulerJobReasonRender,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "receiptflow",
		Environment: "test",
	})

	metrics.AddBatchProcessed("recover_failed_receipts", "receipts", 3)
	metrics.AddRecoveryOutcome("recover_failed_receipts", RecoveryOutcomeFailed, 2)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("recover_failed_receipts", "receipts"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	got = testutil.ToFloat64(metrics.recoveryOutcomes.WithLabelValues("recover_failed_receipts", RecoveryOutcomeFailed))
	if got != 2 {
		t.Fatalf("expected failed outcome 2, got %v", got)
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(&receiptdomain.QueueError{Op: "enqueue", Err: errors.New("down")}) {
		t.Fatal("queue errors should be retryable")
	}
	if IsSchedulerErrorRetryable(&receiptdomain.MappingError{EventID: "E1", Reason: "bad"}) {
		t.Fatal("mapping errors should not be retryable")
	}
}
