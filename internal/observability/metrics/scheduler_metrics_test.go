package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/signflow/internal/authorization"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "forbidden", err: fmt.Errorf("charge: %w", authorization.ErrForbidden), want: SchedulerJobReasonForbidden},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "reference_conflict", err: fmt.Errorf("reconcile: %w", paymentdomain.ErrReferenceConflict), want: SchedulerJobReasonUniqueViolation},
		{name: "provider_config", err: paymentdomain.ErrProviderNotConfigured, want: SchedulerJobReasonProviderConfig},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(context.Canceled) {
		t.Fatalf("expected cancellation to be retryable")
	}
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected pg error to be retryable")
	}
	if IsSchedulerErrorRetryable(paymentdomain.ErrProviderNotConfigured) {
		t.Fatalf("expected missing provider config to be final")
	}
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found to be final")
	}
	if got := ClassifySchedulerErrorType(authorization.ErrInvalidCompany); got != SchedulerErrorTypeAuthorization {
		t.Fatalf("expected authorization, got %q", got)
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetrics(registry, Config{ServiceName: "signflow", Environment: "test"})

	m.AddBatchProcessed("autopay_remaining_balance", OutcomeCharged, 3)
	m.AddBatchProcessed("autopay_remaining_balance", OutcomeCharged, 0)
	m.IncJobSkipped("pending_payment_sweep", SchedulerSkipReasonLockHeld)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("autopay_remaining_balance", OutcomeCharged))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobSkipped.WithLabelValues("pending_payment_sweep", SchedulerSkipReasonLockHeld)); got != 1 {
		t.Fatalf("expected one skip, got %v", got)
	}
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("x")
	m.IncJobError("x", errors.New("boom"))
	m.ObserveRunLoopLag(-1)
	m.AddBatchProcessed("x", OutcomeFailed, 1)
}
