package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/authorization"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/zap"
)

// AutoPayRemainingBalanceJob charges the saved instrument of every signed or
// partially paid contract that opted into auto-pay. One contract failing
// never stops the batch.
func (s *Scheduler) AutoPayRemainingBalanceJob(ctx context.Context) error {
	const job = JobAutoPayRemainingBalance
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	policy := s.currentPolicy()
	if !policy.Payments.AutoPay.Enabled {
		schedMetrics.IncJobSkipped(job, obsmetrics.SchedulerSkipReasonAutoPayPaused)
		return nil
	}
	// Off-session charges cannot collect a CVV, so the whole job stands down.
	if policy.Payments.AutoPay.RequireCVV {
		schedMetrics.IncJobSkipped(job, obsmetrics.SchedulerSkipReasonCVVRequired)
		return nil
	}

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.candidates.ListAutoPayCandidates(ctx, s.db, afterID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, item := range batch {
			afterID = item.ID
			s.tally(run, s.chargeOne(ctx, run, item), 1)
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Scheduler) chargeOne(ctx context.Context, run *jobRun, item contractdomain.Contract) string {
	log := s.logger(s.withLogContext(ctx, item.CompanyID)).With(zap.String("contract_id", item.ID.String()))

	res, err := s.payments.ChargeRemaining(ctx, authorization.SystemActor(item.CompanyID), item.ID)
	switch {
	case err == nil && res != nil && res.Pending:
		log.Info("autopay charge pending", zap.String("payment_intent_id", res.PaymentIntentID))
		return obsmetrics.OutcomePending
	case err == nil:
		log.Info("autopay charge succeeded")
		return obsmetrics.OutcomeCharged
	case errors.Is(err, paymentdomain.ErrPaymentFailed):
		log.Warn("autopay charge declined", zap.Error(err))
		return obsmetrics.OutcomeDeclined
	case errors.Is(err, paymentdomain.ErrNothingDue),
		errors.Is(err, paymentdomain.ErrAttemptLimit),
		errors.Is(err, paymentdomain.ErrConfirmationRequired),
		errors.Is(err, paymentdomain.ErrNoSavedPaymentMethod),
		errors.Is(err, paymentdomain.ErrAutoPayDisabled):
		log.Debug("autopay charge skipped", zap.Error(err))
		return obsmetrics.OutcomeSkipped
	default:
		s.logChargeError(ctx, run, item.ID, item.CompanyID, err)
		return obsmetrics.OutcomeFailed
	}
}

// PendingPaymentSweepJob re-reads payments left pending past the configured
// age so a lost webhook never strands a contract.
func (s *Scheduler) PendingPaymentSweepJob(ctx context.Context) error {
	const job = JobPendingPaymentSweep
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	res, err := s.payments.SweepPending(ctx, s.cfg.PendingSweepAfter, s.cfg.BatchSize)
	if errors.Is(err, paymentdomain.ErrProviderNotConfigured) {
		s.logger(ctx).Debug("pending sweep skipped, provider not configured")
		return nil
	}
	if err != nil {
		return err
	}

	s.tally(run, obsmetrics.OutcomeCharged, res.Completed)
	s.tally(run, obsmetrics.OutcomeDeclined, res.Failed)
	s.tally(run, obsmetrics.OutcomePending, res.Pending)
	// Payments the provider could not be asked about this round.
	s.tally(run, obsmetrics.OutcomeSkipped, res.Checked-res.Completed-res.Failed-res.Pending)
	return nil
}
