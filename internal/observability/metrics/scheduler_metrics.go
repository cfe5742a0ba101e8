package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/signflow/internal/authorization"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/pkg/db"
	"gorm.io/gorm"
)

// Error types for scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeConfig           = "config"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons for the job error counter.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonProviderConfig       = "provider_not_configured"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerSkipReasonLockHeld      = "lock_held"
	SchedulerSkipReasonCVVRequired   = "cvv_required"
	SchedulerSkipReasonAutoPayPaused = "autopay_disabled"
)

// Batch outcomes reported per processed item.
const (
	OutcomeCharged  = "charged"
	OutcomeDeclined = "declined"
	OutcomePending  = "pending"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// SchedulerMetrics are prometheus collectors served on /metrics. They are
// process singletons because the scheduler can be embedded in the API binary.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the singleton on first use with the service
// and env const labels from cfg.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = NewSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

// NewSchedulerMetrics registers a fresh set of collectors on registerer.
func NewSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": valueOr(cfg.ServiceName, "signflow"),
		"env":     valueOr(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_scheduler_" + name, Help: help, ConstLabels: labels,
		}, keys)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Scheduler jobs that hit their timeout.", "job"),
		jobErrors:      counter("job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		jobSkipped:     counter("job_skipped_total", "Scheduler runs skipped by reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Contracts and payments handled by scheduler jobs, by outcome.", "job", "outcome"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "signflow_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "signflow_scheduler_runloop_lag_seconds",
			Help:        "Delay between the scheduled tick and the run start.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.jobSkipped, m.batchProcessed, m.runLoopLag)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) IncJobSkipped(job, reason string) {
	if m != nil {
		m.jobSkipped.WithLabelValues(job, reason).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, outcome string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, outcome).Add(float64(count))
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(d, 0).Seconds())
	}
}

type classification struct {
	errType   string
	reason    string
	retryable bool
}

// classify sorts scheduler errors. Timeouts and transient database failures
// are retried by the next tick; everything else needs a human.
func classify(err error) classification {
	switch {
	case err == nil:
		return classification{errType: SchedulerErrorTypeUnknown, reason: SchedulerJobReasonUnknown}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return classification{SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true}
	case isAuthorizationError(err):
		return classification{SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false}
	case errors.Is(err, paymentdomain.ErrProviderNotConfigured):
		return classification{SchedulerErrorTypeConfig, SchedulerJobReasonProviderConfig, false}
	case db.IsLockTimeout(err):
		return classification{SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true}
	case db.IsSerializationFailure(err):
		return classification{SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true}
	case db.IsDuplicateKeyErr(err), errors.Is(err, paymentdomain.ErrReferenceConflict):
		return classification{SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, true}
	case isDBError(err):
		return classification{SchedulerErrorTypeDB, SchedulerJobReasonUnknown, true}
	default:
		return classification{SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false}
	}
}

// ClassifySchedulerErrorType returns the error_type log field.
func ClassifySchedulerErrorType(err error) string { return classify(err).errType }

// ClassifySchedulerJobReason returns the reason label for the job error counter.
func ClassifySchedulerJobReason(err error) string { return classify(err).reason }

func IsSchedulerErrorRetryable(err error) bool { return classify(err).retryable }

func isAuthorizationError(err error) bool {
	for _, target := range []error{
		authorization.ErrForbidden,
		authorization.ErrInvalidActor,
		authorization.ErrInvalidCompany,
		authorization.ErrInvalidObject,
		authorization.ErrInvalidAction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func valueOr(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
