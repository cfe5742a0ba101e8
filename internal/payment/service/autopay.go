package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"go.uber.org/zap"
)

const attemptWindow = 24 * time.Hour

// ChargeRemaining charges the saved card for the outstanding balance without
// the payer present.
func (s *Service) ChargeRemaining(ctx context.Context, actor authorization.Actor, contractID snowflake.ID) (*domain.ChargeResult, error) {
	contract, err := s.contracts.FindByID(ctx, s.db, contractID)
	if err != nil {
		return nil, err
	}
	if contract == nil || contract.CompanyID != actor.CompanyID {
		return nil, contractdomain.ErrContractNotFound
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectContract, authorization.ActionPaymentCharge); err != nil {
		return nil, err
	}

	policy := s.currentPolicy().Payments.AutoPay
	if !policy.Enabled || !contract.AutoPayEnabled {
		return nil, domain.ErrAutoPayDisabled
	}
	switch contract.Status {
	case contractdomain.StatusSigned, contractdomain.StatusPaid:
	case contractdomain.StatusCompleted:
		return nil, domain.ErrNothingDue
	default:
		return nil, domain.ErrContractNotPayable
	}
	if policy.RequireCVV {
		return nil, domain.ErrConfirmationRequired
	}
	pm, ok := contract.SavedInstrument()
	if !ok {
		return nil, domain.ErrNoSavedPaymentMethod
	}

	payments, err := s.repo.ListByContract(ctx, s.db, contract.ID)
	if err != nil {
		return nil, err
	}
	remaining := domain.NewSummary(contract, payments).Remaining
	if !remaining.IsPositive() {
		return nil, domain.ErrNothingDue
	}
	attempts := s.recentAutoPayAttempts(payments)
	if policy.MaxAttemptsPerDay > 0 && attempts >= policy.MaxAttemptsPerDay {
		return nil, domain.ErrAttemptLimit
	}
	if err := s.requireGateway(); err != nil {
		return nil, err
	}

	// The key repeats only for the same balance, card and attempt, so a
	// retried request cannot double bill while a new card or a later
	// attempt reaches the provider fresh.
	key := chargeKey(contract.ID, "remaining", remaining, domain.CountCompleted(payments), pm.PaymentMethodRef, attempts)
	log := logger.WithContract(s.log, contract.ID.String()).With(zap.String("idempotency_key", key))

	intent, err := s.gateway.CreatePaymentIntent(ctx, domain.PaymentIntentParams{
		AmountMinor:     domain.ToMinorUnits(remaining),
		Currency:        contract.Currency,
		CustomerID:      pm.CustomerRef,
		PaymentMethodID: pm.PaymentMethodRef,
		OffSession:      true,
		Metadata:        chargeMetadata(contract, "remaining"),
		IdempotencyKey:  key,
	})
	if err != nil {
		var providerErr *domain.ProviderError
		if !errors.As(err, &providerErr) || !providerErr.IsCardError() {
			log.Error("off-session charge failed", zap.Error(err))
			return nil, err
		}
		ref := providerErr.PaymentIntentID
		if ref == "" {
			ref = key
		}
		failure := s.RecordFailure(ctx, domain.FailureRequest{
			ProviderReference: ref,
			ContractID:        contract.ID,
			Amount:            remaining,
			Currency:          contract.Currency,
			ProviderStatus:    providerErr.Code,
			Message:           providerErr.Message,
			Source:            domain.SourceAutoPay,
			AutoPay:           true,
		})
		if providerErr.Code == "authentication_required" {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfirmationRequired, failure)
		}
		return nil, failure
	}

	switch intent.Status {
	case domain.IntentSucceeded:
		result, err := s.ReconcilePayment(ctx, domain.ReconcileRequest{
			ProviderReference: intent.ID,
			ContractID:        contract.ID,
			Amount:            intent.ReceivedAmount(),
			Currency:          intent.Currency,
			Provider:          domain.ProviderStripe,
			Source:            domain.SourceAutoPay,
			AutoPay:           true,
		})
		if err != nil {
			return nil, err
		}
		return &domain.ChargeResult{PaymentIntentID: intent.ID, Reconcile: result}, nil
	case domain.IntentProcessing:
		if err := s.RecordPending(ctx, domain.PendingRequest{
			ProviderReference: intent.ID,
			ContractID:        contract.ID,
			Amount:            remaining,
			Currency:          contract.Currency,
			Source:            domain.SourceAutoPay,
			AutoPay:           true,
		}); err != nil {
			return nil, err
		}
		return &domain.ChargeResult{PaymentIntentID: intent.ID, Pending: true}, nil
	case domain.IntentRequiresAction, domain.IntentRequiresConfirmation:
		failure := s.RecordFailure(ctx, domain.FailureRequest{
			ProviderReference: intent.ID,
			ContractID:        contract.ID,
			Amount:            remaining,
			Currency:          contract.Currency,
			ProviderStatus:    intent.Status,
			Message:           "The card issuer requires the payer to confirm this charge.",
			Source:            domain.SourceAutoPay,
			AutoPay:           true,
		})
		return nil, fmt.Errorf("%w: %w", domain.ErrConfirmationRequired, failure)
	default:
		message := ""
		if intent.LastError != nil {
			message = intent.LastError.Message
		}
		return nil, s.RecordFailure(ctx, domain.FailureRequest{
			ProviderReference: intent.ID,
			ContractID:        contract.ID,
			Amount:            remaining,
			Currency:          contract.Currency,
			ProviderStatus:    intent.Status,
			Message:           message,
			Source:            domain.SourceAutoPay,
			AutoPay:           true,
		})
	}
}

// PrepareConfirmation starts the two-phase charge: the payer re-enters the
// card security code against the returned client secret.
func (s *Service) PrepareConfirmation(ctx context.Context, token string) (*domain.ConfirmationResult, error) {
	contract, err := s.payableByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch contract.Status {
	case contractdomain.StatusSigned, contractdomain.StatusPaid:
	case contractdomain.StatusCompleted:
		return nil, domain.ErrNothingDue
	default:
		return nil, domain.ErrContractNotPayable
	}
	if !contract.AutoPayEnabled || !s.currentPolicy().Payments.AutoPay.Enabled {
		return nil, domain.ErrAutoPayDisabled
	}
	pm, ok := contract.SavedInstrument()
	if !ok {
		return nil, domain.ErrNoSavedPaymentMethod
	}
	if err := s.requireGateway(); err != nil {
		return nil, err
	}

	payments, err := s.repo.ListByContract(ctx, s.db, contract.ID)
	if err != nil {
		return nil, err
	}
	remaining := domain.NewSummary(contract, payments).Remaining
	if !remaining.IsPositive() {
		return nil, domain.ErrNothingDue
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, domain.PaymentIntentParams{
		AmountMinor:     domain.ToMinorUnits(remaining),
		Currency:        contract.Currency,
		CustomerID:      pm.CustomerRef,
		PaymentMethodID: pm.PaymentMethodRef,
		Metadata:        chargeMetadata(contract, "confirm"),
		IdempotencyKey:  chargeKey(contract.ID, "confirm", remaining, domain.CountCompleted(payments), pm.PaymentMethodRef, 0),
	})
	if err != nil {
		return nil, err
	}
	if err := s.RecordPending(ctx, domain.PendingRequest{
		ProviderReference: intent.ID,
		ContractID:        contract.ID,
		Amount:            remaining,
		Currency:          contract.Currency,
		Source:            domain.SourceConfirm,
		AutoPay:           true,
	}); err != nil {
		return nil, err
	}

	return &domain.ConfirmationResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          remaining,
		Currency:        contract.Currency,
	}, nil
}

// ConfirmIntent is called by the pay page after the browser confirmed the
// intent. The success webhook reaches the same result.
func (s *Service) ConfirmIntent(ctx context.Context, token, paymentIntentID string) (*domain.VerifyResult, error) {
	contract, err := s.payableByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentIntentID) == "" {
		return nil, domain.ErrInvalidReference
	}
	if err := s.requireGateway(); err != nil {
		return nil, err
	}
	intent, err := s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if intent.Metadata["contract_id"] != contract.ID.String() {
		return nil, domain.ErrSessionMismatch
	}

	result, err := s.applyIntent(ctx, contract.ID, intent, domain.SourceConfirm)
	switch {
	case errors.Is(err, domain.ErrPaymentPending):
		return &domain.VerifyResult{Paid: false, Status: intent.Status}, nil
	case err != nil:
		return nil, err
	}
	return &domain.VerifyResult{Paid: true, Status: intent.Status, Reconcile: result}, nil
}

// recentAutoPayAttempts counts off-session charges inside the attempt window.
func (s *Service) recentAutoPayAttempts(payments []domain.Payment) int {
	cutoff := s.clock.Now().UTC().Add(-attemptWindow)
	n := 0
	for _, p := range payments {
		if p.Source == domain.SourceAutoPay && p.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n
}

func chargeKey(contractID snowflake.ID, kind string, amount decimal.Decimal, completed int, paymentMethod string, attempt int) string {
	return fmt.Sprintf("contract:%s:%s:%s:n:%d:pm:%s:a:%d",
		contractID, kind, amount.StringFixed(2), completed, paymentMethod, attempt)
}

func chargeMetadata(contract *contractdomain.Contract, kind string) map[string]string {
	return map[string]string{
		"contract_id": contract.ID.String(),
		"company_id":  contract.CompanyID.String(),
		"kind":        kind,
		"auto_pay":    "true",
	}
}

