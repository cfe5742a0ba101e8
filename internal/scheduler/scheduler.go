package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const lockKeyPrefix = "signflow:scheduler:"

// CandidateSource lists contracts the auto-pay job should try to settle.
type CandidateSource interface {
	ListAutoPayCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]contractdomain.Contract, error)
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Contracts contractdomain.Repository
	Payments  paymentdomain.Service
	Config    Config               `optional:"true"`
	Policy    *config.PolicyHolder `optional:"true"`
	Locker    *ratelimit.Locker    `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	candidates CandidateSource
	payments   paymentdomain.Service
	policy     *config.PolicyHolder
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Contracts == nil || p.Payments == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		candidates: p.Contracts,
		payments:   p.Payments,
		policy:     p.Policy,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) currentPolicy() config.Policy {
	if s.policy == nil {
		return config.DefaultPolicy()
	}
	return s.policy.Get()
}

// runJob wraps fn with a timeout, a run id, metrics, and the optional
// cross-replica lock. Deadline errors are soft: the next tick picks the work
// up again.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.locker.WithLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL, fn)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		schedMetrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
		log.Info("job skipped, lock held elsewhere")
		return nil
	}
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.failures == 0 {
			run.failures = 1
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunJob runs a single named job. Used by the cron endpoints and the CLI.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	switch name {
	case JobAutoPayRemainingBalance:
		return s.runJob(ctx, name, s.cfg.BatchSize, s.cfg.JobTimeout, s.AutoPayRemainingBalanceJob)
	case JobPendingPaymentSweep:
		return s.runJob(ctx, name, s.cfg.BatchSize, s.cfg.JobTimeout, s.PendingPaymentSweepJob)
	default:
		return fmt.Errorf("unknown job %q: %w", name, ErrInvalidConfig)
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, name := range []string{JobPendingPaymentSweep, JobAutoPayRemainingBalance} {
		if s.isJobEnabled(name) {
			err = errors.Join(err, s.RunJob(parent, name))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
