package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Gateway is the outbound side of the payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
}

type CheckoutSessionParams struct {
	AmountMinor    int64
	Currency       string
	ProductName    string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	SaveForOffline bool
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	CustomerID      string
	PaymentMethodID string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

type PaymentIntentParams struct {
	AmountMinor     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	// OffSession confirms immediately without the payer present.
	OffSession     bool
	Metadata       map[string]string
	IdempotencyKey string
}

const (
	IntentSucceeded             = "succeeded"
	IntentProcessing            = "processing"
	IntentRequiresAction        = "requires_action"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentCanceled              = "canceled"
)

type PaymentIntent struct {
	ID              string
	Status          string
	ClientSecret    string
	Amount          int64
	AmountReceived  int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Metadata        map[string]string
	LastError       *ProviderError
}

// ReceivedAmount prefers the captured amount.
func (p *PaymentIntent) ReceivedAmount() decimal.Decimal {
	if p.AmountReceived > 0 {
		return FromMinorUnits(p.AmountReceived)
	}
	return FromMinorUnits(p.Amount)
}

// Failed reports a terminal failure of the current attempt.
func (p *PaymentIntent) Failed() bool {
	return p.Status == IntentCanceled || (p.Status == IntentRequiresPaymentMethod && p.LastError != nil)
}

// Inbound webhook side.

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
)

type AdapterConfig struct {
	Provider string
	Config   map[string]any
	Now      func() time.Time
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderEventType string
	Type              string
	// ProviderReference is the payment intent id for every Stripe event.
	ProviderReference string
	ContractID        snowflake.ID
	Amount            decimal.Decimal
	Currency          string
	AutoPay           bool
	CustomerRef       string
	PaymentMethodRef  string
	ProviderStatus    string
	FailureMessage    string
	OccurredAt        time.Time
	RawPayload        []byte
}
