package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrProviderNotConfigured = errors.New("payment_provider_not_configured")
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")

	ErrInvalidReference     = errors.New("invalid_provider_reference")
	ErrInvalidContract      = errors.New("invalid_contract")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrCurrencyMismatch     = errors.New("currency_mismatch")
	ErrReferenceConflict    = errors.New("provider_reference_conflict")
	ErrContractNotPayable   = errors.New("contract_not_payable")
	ErrNothingDue           = errors.New("nothing_due")
	ErrInvalidCheckoutKind  = errors.New("invalid_checkout_kind")
	ErrSessionMismatch      = errors.New("checkout_session_mismatch")
	ErrAutoPayDisabled      = errors.New("autopay_disabled")
	ErrNoSavedPaymentMethod = errors.New("no_saved_payment_method")
	ErrConfirmationRequired = errors.New("payment_confirmation_required")
	ErrAttemptLimit         = errors.New("autopay_attempt_limit")
	ErrPaymentFailed        = errors.New("payment_failed")
	ErrPaymentPending       = errors.New("payment_pending")
)

// FailureError carries the provider's message for a declined payment.
type FailureError struct {
	Code    string
	Message string
}

func (e *FailureError) Error() string {
	if e.Message == "" {
		return ErrPaymentFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPaymentFailed, e.Message)
}

func (e *FailureError) Unwrap() error { return ErrPaymentFailed }

// ProviderError is a structured error returned by the provider API.
type ProviderError struct {
	HTTPStatus      int
	Type            string
	Code            string
	DeclineCode     string
	Message         string
	PaymentIntentID string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "provider_request_failed"
}

// IsCardError reports a decline the payer can act on.
func (e *ProviderError) IsCardError() bool {
	return e.Type == "card_error"
}
