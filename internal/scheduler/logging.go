package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/signflow/internal/observability/context"
	obslogger "github.com/smallbiznis/signflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tallies one execution of a job. Nested calls (RunJob wrapping the
// job function) share the run stored on the context.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	outcomes  map[string]int
	failures  int
}

type jobRunKey struct{}

func (r *jobRun) processed() int {
	total := 0
	for _, n := range r.outcomes {
		total += n
	}
	return total
}

// tally records n contracts or payments with the given outcome on the run and
// in the batch counter.
func (s *Scheduler) tally(run *jobRun, outcome string, n int) {
	if run == nil || n <= 0 {
		return
	}
	run.outcomes[outcome] += n
	if outcome == obsmetrics.OutcomeFailed {
		run.failures += n
	}
	obsmetrics.Scheduler().AddBatchProcessed(run.job, outcome, n)
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
		outcomes:  map[string]int{},
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return s.withLogContext(ctx, 0), run, true
}

// withLogContext marks work as done by the scheduler, on behalf of companyID
// when one is known.
func (s *Scheduler) withLogContext(ctx context.Context, companyID snowflake.ID) context.Context {
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	if companyID != 0 {
		ctx = obscontext.WithCompanyID(ctx, companyID.String())
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed()),
		zap.Int("error_count", run.failures),
	}
	names := make([]string, 0, len(run.outcomes))
	for name := range run.outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, zap.Int(name, run.outcomes[name]))
	}

	if run.failures > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logChargeError reports a per-contract failure that did not stop the batch.
func (s *Scheduler) logChargeError(ctx context.Context, run *jobRun, item snowflake.ID, companyID snowflake.ID, err error) {
	s.logger(s.withLogContext(ctx, companyID)).Error("scheduler.autopay.charge_failed",
		zap.String("job", run.job),
		zap.String("contract_id", item.String()),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
