package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	notificationdomain "github.com/smallbiznis/signflow/internal/notification/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcilePayment records a completed payment exactly once per provider
// reference and advances the contract. The contract row stays locked for the
// whole read-modify-write.
func (s *Service) ReconcilePayment(ctx context.Context, req domain.ReconcileRequest) (*domain.ReconcileResult, error) {
	ref := strings.TrimSpace(req.ProviderReference)
	if ref == "" {
		return nil, domain.ErrInvalidReference
	}
	if req.ContractID == 0 {
		return nil, domain.ErrInvalidContract
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	source := req.Source
	if source == "" {
		source = domain.SourceWebhook
	}
	amount := req.Amount.Round(2)
	now := s.clock.Now().UTC()
	log := logger.WithContract(s.log, req.ContractID.String()).With(
		zap.String("provider_reference", ref),
		zap.String("source", string(source)),
	)

	var (
		result   *domain.ReconcileResult
		contract *contractdomain.Contract
		detach   []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		contract, err = s.contracts.FindByIDForUpdate(ctx, tx, req.ContractID)
		if err != nil {
			return err
		}
		if contract == nil {
			return contractdomain.ErrContractNotFound
		}
		if req.Currency != "" && !strings.EqualFold(strings.TrimSpace(req.Currency), contract.Currency) {
			return domain.ErrCurrencyMismatch
		}

		res := &domain.ReconcileResult{
			PreviousStatus: contract.Status,
			ContractStatus: contract.Status,
		}

		existing, err := s.repo.FindByReference(ctx, tx, ref)
		if err != nil {
			return err
		}
		upgraded := false
		switch {
		case existing != nil && existing.ContractID != contract.ID:
			return domain.ErrReferenceConflict
		case existing != nil && existing.Status == domain.StatusCompleted:
			res.Payment = existing
			res.AlreadyProcessed = true
		case existing != nil:
			moved, err := s.repo.MarkCompleted(ctx, tx, ref, amount, now)
			if err != nil {
				return err
			}
			if moved == 0 {
				res.AlreadyProcessed = true
			}
			upgraded = moved > 0
		default:
			logged, err := s.events.HasPaymentCompleted(ctx, tx, ref)
			if err != nil {
				return err
			}
			if logged {
				log.Warn("payment_completed logged without a payment row; repair with signflowctl reconcile")
				res.AlreadyProcessed = true
				break
			}
			inserted, err := s.repo.Insert(ctx, tx, &domain.Payment{
				ID:                s.genID.Generate(),
				ContractID:        contract.ID,
				CompanyID:         contract.CompanyID,
				Amount:            amount,
				Currency:          contract.Currency,
				Status:            domain.StatusCompleted,
				Provider:          providerOrDefault(req.Provider),
				ProviderReference: ref,
				Source:            source,
				AutoPay:           req.AutoPay,
				CreatedAt:         now,
				UpdatedAt:         now,
				CompletedAt:       &now,
			})
			if err != nil {
				return err
			}
			if !inserted {
				res.AlreadyProcessed = true
			}
		}

		if res.AlreadyProcessed {
			if res.Payment == nil {
				if res.Payment, err = s.repo.FindByReference(ctx, tx, ref); err != nil {
					return err
				}
			}
			// The intent webhook can carry the payment method after the
			// session webhook already recorded the money.
			if err := s.saveInstrument(ctx, tx, contract, req, now); err != nil {
				return err
			}
			if err := s.fillTotals(ctx, tx, contract, res); err != nil {
				return err
			}
			result = res
			return nil
		}

		if res.Payment, err = s.repo.FindByReference(ctx, tx, ref); err != nil {
			return err
		}
		if err := s.fillTotals(ctx, tx, contract, res); err != nil {
			return err
		}

		res.Excess, res.Overpaid = contractdomain.Overpayment(res.TotalPaid, contract.TotalAmount)

		next, changed := contractdomain.NextPaymentStatus(contract.Status, res.TotalPaid, contract.TotalAmount)
		if changed {
			moved, err := s.contracts.ApplyPaymentStatus(ctx, tx, contract.ID, contract.Status, next, now)
			if err != nil {
				return err
			}
			if moved == 0 {
				return contractdomain.ErrInvalidTransition
			}
			res.ContractStatus = next
			res.StatusChanged = true
		}

		metadata := map[string]any{
			"amount":          amount.StringFixed(2),
			"currency":        contract.Currency,
			"auto_pay":        req.AutoPay,
			"source":          string(source),
			"upgraded":        upgraded,
			"contract_status": string(res.ContractStatus),
		}
		if res.Overpaid {
			metadata["overpaid"] = true
			metadata["excess"] = res.Excess.StringFixed(2)
		}
		if err := s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID:        contract.ID,
			CompanyID:         contract.CompanyID,
			EventType:         eventdomain.EventPaymentCompleted,
			ActorType:         eventdomain.ActorSystem,
			ProviderReference: ref,
			Metadata:          metadata,
		}); err != nil {
			return err
		}
		if changed {
			eventType := eventdomain.EventPaid
			if res.ContractStatus == contractdomain.StatusCompleted {
				eventType = eventdomain.EventCompleted
			}
			if err := s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
				ContractID: contract.ID,
				CompanyID:  contract.CompanyID,
				EventType:  eventType,
				ActorType:  eventdomain.ActorSystem,
				Metadata: map[string]any{
					"previous_status": string(res.PreviousStatus),
					"total_paid":      res.TotalPaid.StringFixed(2),
				},
			}); err != nil {
				return err
			}
		}

		if res.ContractStatus == contractdomain.StatusCompleted {
			// Nothing is left to charge; drop the stored card.
			if pm, ok := contract.SavedInstrument(); ok {
				if err := s.contracts.ClearInstrument(ctx, tx, contract.ID, now); err != nil {
					return err
				}
				detach = append(detach, pm.PaymentMethodRef)
			}
			if contract.AutoPayEnabled && req.PaymentMethodRef != "" && !slices.Contains(detach, req.PaymentMethodRef) {
				detach = append(detach, req.PaymentMethodRef)
			}
		} else if err := s.saveInstrument(ctx, tx, contract, req, now); err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		s.recordReconcile(ctx, source, "error")
		if !errors.Is(err, domain.ErrCurrencyMismatch) && !errors.Is(err, domain.ErrReferenceConflict) {
			log.Error("reconcile payment failed", zap.Error(err))
		} else {
			log.Warn("reconcile payment rejected", zap.Error(err))
		}
		return nil, err
	}

	if result.AlreadyProcessed {
		s.recordReconcile(ctx, source, "replay")
		log.Info("payment already reconciled")
		return result, nil
	}

	s.recordReconcile(ctx, source, "applied")
	log.Info("payment reconciled",
		zap.String("amount", amount.StringFixed(2)),
		zap.String("previous_status", string(result.PreviousStatus)),
		zap.String("contract_status", string(result.ContractStatus)),
	)
	if result.StatusChanged {
		s.recordTransition(ctx, result.PreviousStatus, result.ContractStatus)
	}
	if result.Overpaid {
		// The money moved; keep it and leave the refund to the contractor.
		log.Warn("contract overpaid",
			zap.String("total_paid", result.TotalPaid.StringFixed(2)),
			zap.String("total_amount", contract.TotalAmount.StringFixed(2)),
			zap.String("excess", result.Excess.StringFixed(2)),
		)
		s.recordOverpayment(ctx, source)
	}
	for _, pm := range detach {
		s.detach(ctx, log, pm)
	}

	s.notifier.Dispatch(ctx, notificationdomain.Notice{
		Kind:       notificationdomain.KindPaymentReceived,
		ContractID: contract.ID,
		Amount:     amount,
		AmountDue:  result.Remaining,
	})
	if result.StatusChanged && result.ContractStatus == contractdomain.StatusCompleted {
		s.notifier.Dispatch(ctx, notificationdomain.Notice{
			Kind:       notificationdomain.KindContractCompleted,
			ContractID: contract.ID,
		})
	}
	return result, nil
}

// RecordPending notes a payment the provider has not settled yet.
func (s *Service) RecordPending(ctx context.Context, req domain.PendingRequest) error {
	ref := strings.TrimSpace(req.ProviderReference)
	if ref == "" {
		return domain.ErrInvalidReference
	}
	if req.ContractID == 0 {
		return domain.ErrInvalidContract
	}
	contract, err := s.contracts.FindByID(ctx, s.db, req.ContractID)
	if err != nil {
		return err
	}
	if contract == nil {
		return contractdomain.ErrContractNotFound
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, contract.Currency) {
		return domain.ErrCurrencyMismatch
	}

	now := s.clock.Now().UTC()
	inserted, err := s.repo.Insert(ctx, s.db, &domain.Payment{
		ID:                s.genID.Generate(),
		ContractID:        contract.ID,
		CompanyID:         contract.CompanyID,
		Amount:            req.Amount.Round(2),
		Currency:          contract.Currency,
		Status:            domain.StatusPending,
		Provider:          domain.ProviderStripe,
		ProviderReference: ref,
		Source:            req.Source,
		AutoPay:           req.AutoPay,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return err
	}
	if inserted {
		logger.WithContract(s.log, contract.ID.String()).Info("payment pending",
			zap.String("provider_reference", ref),
			zap.String("source", string(req.Source)),
		)
	}
	return nil
}

// RecordFailure logs a failed attempt without touching the contract status.
// It always returns a *domain.FailureError carrying the provider message.
func (s *Service) RecordFailure(ctx context.Context, req domain.FailureRequest) error {
	ref := strings.TrimSpace(req.ProviderReference)
	if ref == "" {
		return domain.ErrInvalidReference
	}
	if req.ContractID == 0 {
		return domain.ErrInvalidContract
	}
	message := strings.TrimSpace(req.Message)
	failure := &domain.FailureError{Code: req.ProviderStatus, Message: message}
	now := s.clock.Now().UTC()
	log := logger.WithContract(s.log, req.ContractID.String()).With(
		zap.String("provider_reference", ref),
		zap.String("provider_status", req.ProviderStatus),
	)

	recorded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := s.contracts.FindByID(ctx, tx, req.ContractID)
		if err != nil {
			return err
		}
		if contract == nil {
			return contractdomain.ErrContractNotFound
		}

		existing, err := s.repo.FindByReference(ctx, tx, ref)
		if err != nil {
			return err
		}
		switch {
		case existing != nil && existing.ContractID != contract.ID:
			return domain.ErrReferenceConflict
		case existing != nil && existing.Status != domain.StatusPending:
			// Completed money is never downgraded; repeated failures are logged once.
			return nil
		case existing != nil:
			moved, err := s.repo.MarkFailed(ctx, tx, ref, message, now)
			if err != nil {
				return err
			}
			if moved == 0 {
				return nil
			}
		default:
			inserted, err := s.repo.Insert(ctx, tx, &domain.Payment{
				ID:                s.genID.Generate(),
				ContractID:        contract.ID,
				CompanyID:         contract.CompanyID,
				Amount:            req.Amount.Round(2),
				Currency:          contract.Currency,
				Status:            domain.StatusFailed,
				Provider:          domain.ProviderStripe,
				ProviderReference: ref,
				Source:            req.Source,
				AutoPay:           req.AutoPay,
				FailureReason:     nullable(message),
				CreatedAt:         now,
				UpdatedAt:         now,
			})
			if err != nil {
				return err
			}
			if !inserted {
				return nil
			}
		}

		recorded = true
		return s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID:        contract.ID,
			CompanyID:         contract.CompanyID,
			EventType:         eventdomain.EventPaymentFailed,
			ActorType:         eventdomain.ActorSystem,
			ProviderReference: ref,
			Metadata: map[string]any{
				"provider_status": req.ProviderStatus,
				"message":         message,
				"amount":          req.Amount.Round(2).StringFixed(2),
				"auto_pay":        req.AutoPay,
				"source":          string(req.Source),
			},
		})
	})
	if err != nil {
		log.Error("record payment failure", zap.Error(err))
		return err
	}

	if recorded {
		log.Warn("payment failed", zap.String("message", message))
		s.recordFailure(ctx, req.Source, failureReason(req.ProviderStatus))
		s.notifier.Dispatch(ctx, notificationdomain.Notice{
			Kind:       notificationdomain.KindPaymentFailed,
			ContractID: req.ContractID,
			Amount:     req.Amount.Round(2),
			Reason:     message,
		})
	}
	return failure
}

// RepairFromProvider re-reads a payment intent and applies whatever the
// provider reports.
func (s *Service) RepairFromProvider(ctx context.Context, contractID snowflake.ID, paymentIntentID string) (*domain.ReconcileResult, error) {
	if err := s.requireGateway(); err != nil {
		return nil, err
	}
	intent, err := s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if id := intent.Metadata["contract_id"]; id != "" && id != contractID.String() {
		return nil, domain.ErrReferenceConflict
	}
	return s.applyIntent(ctx, contractID, intent, domain.SourceOperator)
}

// applyIntent maps a payment intent status onto the ledger. Unsettled intents
// are recorded pending and reported with ErrPaymentPending.
func (s *Service) applyIntent(ctx context.Context, contractID snowflake.ID, intent *domain.PaymentIntent, source domain.Source) (*domain.ReconcileResult, error) {
	autoPay := intent.Metadata["auto_pay"] == "true"
	switch {
	case intent.Status == domain.IntentSucceeded:
		return s.ReconcilePayment(ctx, domain.ReconcileRequest{
			ProviderReference: intent.ID,
			ContractID:        contractID,
			Amount:            intent.ReceivedAmount(),
			Currency:          intent.Currency,
			Provider:          domain.ProviderStripe,
			Source:            source,
			AutoPay:           autoPay,
			CustomerRef:       intent.CustomerID,
			PaymentMethodRef:  intent.PaymentMethodID,
		})
	case intent.Failed():
		message := ""
		if intent.LastError != nil {
			message = intent.LastError.Message
		}
		return nil, s.RecordFailure(ctx, domain.FailureRequest{
			ProviderReference: intent.ID,
			ContractID:        contractID,
			Amount:            domain.FromMinorUnits(intent.Amount),
			Currency:          intent.Currency,
			ProviderStatus:    intent.Status,
			Message:           message,
			Source:            source,
			AutoPay:           autoPay,
		})
	default:
		if err := s.RecordPending(ctx, domain.PendingRequest{
			ProviderReference: intent.ID,
			ContractID:        contractID,
			Amount:            domain.FromMinorUnits(intent.Amount),
			Currency:          intent.Currency,
			Source:            source,
			AutoPay:           autoPay,
		}); err != nil {
			return nil, err
		}
		return nil, domain.ErrPaymentPending
	}
}

func (s *Service) fillTotals(ctx context.Context, tx *gorm.DB, contract *contractdomain.Contract, res *domain.ReconcileResult) error {
	payments, err := s.repo.ListByContract(ctx, tx, contract.ID)
	if err != nil {
		return err
	}
	summary := domain.NewSummary(contract, payments)
	res.TotalPaid = summary.Paid
	res.Remaining = summary.Remaining
	return nil
}

// saveInstrument keeps the payer's card for later off-session charges. Only
// auto-pay contracts that still owe money store one.
func (s *Service) saveInstrument(ctx context.Context, tx *gorm.DB, contract *contractdomain.Contract, req domain.ReconcileRequest, now time.Time) error {
	customer := strings.TrimSpace(req.CustomerRef)
	method := strings.TrimSpace(req.PaymentMethodRef)
	if customer == "" || method == "" || !contract.AutoPayEnabled {
		return nil
	}
	if contract.Status.IsTerminal() {
		return nil
	}
	if current, ok := contract.SavedInstrument(); ok && current.PaymentMethodRef == method && current.CustomerRef == customer {
		return nil
	}
	return s.contracts.SaveInstrument(ctx, tx, contract.ID, contractdomain.SavedPaymentMethod{
		CustomerRef:      customer,
		PaymentMethodRef: method,
	}, now)
}

func (s *Service) detach(ctx context.Context, log *zap.Logger, paymentMethodID string) {
	if s.gateway == nil || paymentMethodID == "" {
		return
	}
	if err := s.gateway.DetachPaymentMethod(context.WithoutCancel(ctx), paymentMethodID); err != nil {
		log.Warn("detach payment method failed", zap.String("payment_method", paymentMethodID), zap.Error(err))
		return
	}
	log.Info("payment method detached", zap.String("payment_method", paymentMethodID))
}

func failureReason(providerStatus string) string {
	switch providerStatus {
	case "", domain.IntentRequiresPaymentMethod:
		return "declined"
	case domain.IntentRequiresAction:
		return "authentication_required"
	case domain.IntentCanceled:
		return "canceled"
	default:
		return "other"
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
