package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeCandidates struct {
	items []contractdomain.Contract
	calls int
}

func (f *fakeCandidates) ListAutoPayCandidates(_ context.Context, _ *gorm.DB, afterID snowflake.ID, limit int) ([]contractdomain.Contract, error) {
	f.calls++
	var out []contractdomain.Contract
	for _, item := range f.items {
		if item.ID > afterID {
			out = append(out, item)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakePayments struct {
	paymentdomain.Service

	mu      sync.Mutex
	charged []snowflake.ID
	actors  []authorization.Actor
	results map[snowflake.ID]error
	pending map[snowflake.ID]bool
	sweep   paymentdomain.SweepResult
	sweepFn func(olderThan time.Duration, limit int) error
}

func (f *fakePayments) ChargeRemaining(_ context.Context, actor authorization.Actor, contractID snowflake.ID) (*paymentdomain.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charged = append(f.charged, contractID)
	f.actors = append(f.actors, actor)
	if err := f.results[contractID]; err != nil {
		return nil, err
	}
	return &paymentdomain.ChargeResult{PaymentIntentID: "pi_" + contractID.String(), Pending: f.pending[contractID]}, nil
}

func (f *fakePayments) SweepPending(_ context.Context, olderThan time.Duration, limit int) (paymentdomain.SweepResult, error) {
	if f.sweepFn != nil {
		if err := f.sweepFn(olderThan, limit); err != nil {
			return paymentdomain.SweepResult{}, err
		}
	}
	return f.sweep, nil
}

func newTestScheduler(t *testing.T, candidates CandidateSource, payments paymentdomain.Service, policy config.Policy) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{
		log:        zap.NewNop(),
		cfg:        Config{BatchSize: 2}.withDefaults(),
		genID:      node,
		clock:      clock.NewFakeClock(time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)),
		candidates: candidates,
		payments:   payments,
		policy:     config.NewStaticPolicyHolder(policy),
	}
}

func autoPayPolicy(requireCVV bool) config.Policy {
	p := config.DefaultPolicy()
	p.Payments.AutoPay.Enabled = true
	p.Payments.AutoPay.RequireCVV = requireCVV
	return p
}

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "signflow", Environment: "test"})
	return registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := withTestRegistry(t)

	s := newTestScheduler(t, &fakeCandidates{}, &fakePayments{}, autoPayPolicy(false))
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{"service": "signflow", "env": "test", "job": "timeout_job"}
	if got := getCounterValue(t, registry, "signflow_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}
	errorLabels := map[string]string{
		"service": "signflow",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "signflow_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	withTestRegistry(t)
	s := newTestScheduler(t, &fakeCandidates{}, &fakePayments{}, autoPayPolicy(false))

	boom := errors.New("boom")
	err := s.runJob(context.Background(), "broken", 1, time.Second, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")

	assert.ErrorIs(t, s.RunJob(context.Background(), "nope"), ErrInvalidConfig)
}

func TestAutoPayJobChargesEveryCandidate(t *testing.T) {
	registry := withTestRegistry(t)

	candidates := &fakeCandidates{items: []contractdomain.Contract{
		{ID: 101, CompanyID: 1},
		{ID: 102, CompanyID: 1},
		{ID: 103, CompanyID: 2},
		{ID: 104, CompanyID: 2},
		{ID: 105, CompanyID: 2},
	}}
	payments := &fakePayments{
		results: map[snowflake.ID]error{
			102: &paymentdomain.FailureError{Code: "card_declined", Message: "Your card was declined."},
			103: paymentdomain.ErrNothingDue,
			104: errors.New("provider unreachable"),
		},
		pending: map[snowflake.ID]bool{105: true},
	}
	s := newTestScheduler(t, candidates, payments, autoPayPolicy(false))

	require.NoError(t, s.RunJob(context.Background(), JobAutoPayRemainingBalance))

	assert.Equal(t, []snowflake.ID{101, 102, 103, 104, 105}, payments.charged)
	assert.Equal(t, 3, candidates.calls, "pages of two until a short page")
	for _, actor := range payments.actors {
		assert.True(t, actor.System)
	}
	assert.Equal(t, snowflake.ID(2), payments.actors[2].CompanyID)

	job := JobAutoPayRemainingBalance
	outcome := func(o string) map[string]string {
		return map[string]string{"service": "signflow", "env": "test", "job": job, "outcome": o}
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", outcome(obsmetrics.OutcomeCharged)))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", outcome(obsmetrics.OutcomeDeclined)))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", outcome(obsmetrics.OutcomeSkipped)))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", outcome(obsmetrics.OutcomeFailed)))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", outcome(obsmetrics.OutcomePending)))
}

func TestAutoPayJobStandsDownWhenCVVRequired(t *testing.T) {
	registry := withTestRegistry(t)

	candidates := &fakeCandidates{items: []contractdomain.Contract{{ID: 101, CompanyID: 1}}}
	payments := &fakePayments{}
	s := newTestScheduler(t, candidates, payments, autoPayPolicy(true))

	require.NoError(t, s.RunJob(context.Background(), JobAutoPayRemainingBalance))
	assert.Empty(t, payments.charged)
	assert.Zero(t, candidates.calls)

	labels := map[string]string{
		"service": "signflow",
		"env":     "test",
		"job":     JobAutoPayRemainingBalance,
		"reason":  obsmetrics.SchedulerSkipReasonCVVRequired,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "signflow_scheduler_job_skipped_total", labels))
}

func TestAutoPayJobRespectsDisabledPolicy(t *testing.T) {
	withTestRegistry(t)

	payments := &fakePayments{}
	policy := autoPayPolicy(false)
	policy.Payments.AutoPay.Enabled = false
	s := newTestScheduler(t, &fakeCandidates{items: []contractdomain.Contract{{ID: 1, CompanyID: 1}}}, payments, policy)

	require.NoError(t, s.AutoPayRemainingBalanceJob(context.Background()))
	assert.Empty(t, payments.charged)
}

func TestPendingSweepJobUsesConfiguredAge(t *testing.T) {
	registry := withTestRegistry(t)

	var gotAge time.Duration
	var gotLimit int
	payments := &fakePayments{
		sweep: paymentdomain.SweepResult{Checked: 3, Completed: 2, Pending: 1},
		sweepFn: func(olderThan time.Duration, limit int) error {
			gotAge, gotLimit = olderThan, limit
			return nil
		},
	}
	s := newTestScheduler(t, &fakeCandidates{}, payments, autoPayPolicy(false))
	s.cfg.PendingSweepAfter = 45 * time.Minute

	require.NoError(t, s.RunJob(context.Background(), JobPendingPaymentSweep))
	assert.Equal(t, 45*time.Minute, gotAge)
	assert.Equal(t, 2, gotLimit)

	labels := map[string]string{
		"service": "signflow",
		"env":     "test",
		"job":     JobPendingPaymentSweep,
		"outcome": obsmetrics.OutcomeCharged,
	}
	assert.Equal(t, 2.0, getCounterValue(t, registry, "signflow_scheduler_batch_processed_total", labels))
}

func TestPendingSweepJobIgnoresMissingProvider(t *testing.T) {
	withTestRegistry(t)
	payments := &fakePayments{sweepFn: func(time.Duration, int) error {
		return paymentdomain.ErrProviderNotConfigured
	}}
	s := newTestScheduler(t, &fakeCandidates{}, payments, autoPayPolicy(false))
	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{"PENDING_PAYMENT_SWEEP"}}}
	assert.True(t, s.isJobEnabled(JobPendingPaymentSweep))
	assert.False(t, s.isJobEnabled(JobAutoPayRemainingBalance))
	assert.True(t, (&Scheduler{}).isJobEnabled(JobAutoPayRemainingBalance))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
