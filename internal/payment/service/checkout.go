package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/internal/signingtoken"
	"go.uber.org/zap"
)

// CreateCheckout opens a hosted checkout for the amount the kind selects.
func (s *Service) CreateCheckout(ctx context.Context, token string, kind domain.CheckoutKind) (*domain.CheckoutResult, error) {
	contract, err := s.payableByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch contract.Status {
	case contractdomain.StatusCompleted:
		return nil, domain.ErrNothingDue
	case contractdomain.StatusSigned, contractdomain.StatusPaid:
	default:
		return nil, domain.ErrContractNotPayable
	}
	if err := s.requireGateway(); err != nil {
		return nil, err
	}

	payments, err := s.repo.ListByContract(ctx, s.db, contract.ID)
	if err != nil {
		return nil, err
	}
	summary := domain.NewSummary(contract, payments)

	var amount decimal.Decimal
	switch kind {
	case domain.CheckoutDeposit:
		amount = summary.DepositDue
	case domain.CheckoutFull, domain.CheckoutRemaining, "":
		kind = domain.CheckoutRemaining
		amount = summary.Remaining
	default:
		return nil, domain.ErrInvalidCheckoutKind
	}
	if !amount.IsPositive() {
		return nil, domain.ErrNothingDue
	}

	raw, err := signingtoken.NormalizeToken(token)
	if err != nil {
		return nil, contractdomain.ErrInvalidToken
	}
	payURL := s.cfg.PublicBaseURL + "/pay/" + url.PathEscape(raw)
	saveCard := contract.AutoPayEnabled && s.currentPolicy().Payments.AutoPay.Enabled

	productName := contract.Title
	if kind == domain.CheckoutDeposit {
		productName = contract.Title + " (deposit)"
	}

	params := domain.CheckoutSessionParams{
		AmountMinor:    domain.ToMinorUnits(amount),
		Currency:       contract.Currency,
		ProductName:    productName,
		SuccessURL:     payURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      payURL,
		SaveForOffline: saveCard,
		Metadata: map[string]string{
			"contract_id": contract.ID.String(),
			"company_id":  contract.CompanyID.String(),
			"kind":        string(kind),
			"auto_pay":    "false",
		},
		IdempotencyKey: fmt.Sprintf("contract:%s:checkout:%s:%s:n:%d",
			contract.ID, kind, amount.StringFixed(2), domain.CountCompleted(payments)),
	}
	if s.directory != nil {
		if parties, err := s.directory.LookupParties(ctx, s.db, contract.ID); err == nil && parties != nil {
			params.CustomerEmail = parties.Client.Email
		}
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		logger.WithContract(s.log, contract.ID.String()).Error("create checkout session failed", zap.Error(err))
		return nil, err
	}

	logger.WithContract(s.log, contract.ID.String()).Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.StringFixed(2)),
	)
	return &domain.CheckoutResult{
		SessionID: session.ID,
		URL:       session.URL,
		Amount:    amount,
		Currency:  contract.Currency,
	}, nil
}

// VerifyCheckout is the redirect-back path. It reconciles the same payment
// the webhook will report, keyed by the payment intent id.
func (s *Service) VerifyCheckout(ctx context.Context, token, sessionID string) (*domain.VerifyResult, error) {
	contract, err := s.payableByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.ErrInvalidReference
	}
	if err := s.requireGateway(); err != nil {
		return nil, err
	}

	session, err := s.gateway.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Metadata["contract_id"] != contract.ID.String() {
		return nil, domain.ErrSessionMismatch
	}
	if session.PaymentStatus != "paid" || session.PaymentIntentID == "" {
		return &domain.VerifyResult{Paid: false, Status: session.PaymentStatus}, nil
	}

	result, err := s.ReconcilePayment(ctx, domain.ReconcileRequest{
		ProviderReference: session.PaymentIntentID,
		ContractID:        contract.ID,
		Amount:            domain.FromMinorUnits(session.AmountTotal),
		Currency:          session.Currency,
		Provider:          domain.ProviderStripe,
		Source:            domain.SourceCheckout,
		CustomerRef:       session.CustomerID,
		PaymentMethodRef:  session.PaymentMethodID,
	})
	if err != nil {
		return nil, err
	}
	return &domain.VerifyResult{Paid: true, Status: session.PaymentStatus, Reconcile: result}, nil
}
