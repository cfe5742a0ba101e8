package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/zap"
)

// SweepPending re-reads pending payments older than olderThan at the provider
// and settles the ones that finished while no webhook arrived. It pages
// through every pending row, limit rows per query, so rows the payer
// abandoned never hide newer ones.
func (s *Service) SweepPending(ctx context.Context, olderThan time.Duration, limit int) (domain.SweepResult, error) {
	var result domain.SweepResult
	if err := s.requireGateway(); err != nil {
		return result, err
	}
	if limit <= 0 {
		limit = 50
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)

	var after snowflake.ID
	for {
		rows, err := s.repo.ListPending(ctx, s.db, after, limit)
		if err != nil {
			return result, err
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			after = row.ID
			if row.CreatedAt.After(cutoff) {
				continue
			}
			s.sweepOne(ctx, row, &result)
		}
		if len(rows) < limit {
			break
		}
	}

	if result.Checked > 0 {
		s.log.Info("pending payments swept",
			zap.Int("checked", result.Checked),
			zap.Int("completed", result.Completed),
			zap.Int("failed", result.Failed),
			zap.Int("pending", result.Pending),
		)
	}
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, row domain.Payment, result *domain.SweepResult) {
	result.Checked++
	log := logger.WithContract(s.log, row.ContractID.String()).With(zap.String("provider_reference", row.ProviderReference))

	intent, err := s.gateway.RetrievePaymentIntent(ctx, row.ProviderReference)
	if err != nil {
		log.Warn("sweep: retrieve payment intent failed", zap.Error(err))
		result.Pending++
		return
	}

	_, err = s.applyIntent(ctx, row.ContractID, intent, domain.SourceSweep)
	var failure *domain.FailureError
	switch {
	case err == nil:
		result.Completed++
	case errors.As(err, &failure):
		result.Failed++
	case errors.Is(err, domain.ErrPaymentPending):
		result.Pending++
	default:
		log.Error("sweep: apply payment intent failed", zap.Error(err))
		result.Pending++
	}
}
