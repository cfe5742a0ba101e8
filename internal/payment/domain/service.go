package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	"gorm.io/gorm"
)

type Repository interface {
	FindByReference(ctx context.Context, db *gorm.DB, providerReference string) (*Payment, error)
	// Insert reports false when the provider reference already exists.
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	// MarkCompleted upgrades a pending or failed row; it reports rows moved.
	MarkCompleted(ctx context.Context, db *gorm.DB, providerReference string, amount decimal.Decimal, now time.Time) (int64, error)
	MarkFailed(ctx context.Context, db *gorm.DB, providerReference, reason string, now time.Time) (int64, error)
	ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]Payment, error)
	// ListPending returns at most limit pending rows with an id above after.
	ListPending(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]Payment, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type CheckoutKind string

const (
	CheckoutDeposit   CheckoutKind = "deposit"
	CheckoutFull      CheckoutKind = "full"
	CheckoutRemaining CheckoutKind = "remaining"
)

type CheckoutResult struct {
	SessionID string          `json:"session_id"`
	URL       string          `json:"url"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type VerifyResult struct {
	Paid      bool             `json:"paid"`
	Status    string           `json:"status"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

type ConfirmationResult struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

type ChargeResult struct {
	PaymentIntentID string           `json:"payment_intent_id"`
	Pending         bool             `json:"pending"`
	Reconcile       *ReconcileResult `json:"reconcile,omitempty"`
}

type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type Service interface {
	ReconcilePayment(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error)
	RecordPending(ctx context.Context, req PendingRequest) error
	RecordFailure(ctx context.Context, req FailureRequest) error
	Summary(ctx context.Context, contractID snowflake.ID) (Summary, error)

	SummaryByToken(ctx context.Context, token string) (Summary, error)
	CreateCheckout(ctx context.Context, token string, kind CheckoutKind) (*CheckoutResult, error)
	VerifyCheckout(ctx context.Context, token, sessionID string) (*VerifyResult, error)
	PrepareConfirmation(ctx context.Context, token string) (*ConfirmationResult, error)
	ConfirmIntent(ctx context.Context, token, paymentIntentID string) (*VerifyResult, error)

	ChargeRemaining(ctx context.Context, actor authorization.Actor, contractID snowflake.ID) (*ChargeResult, error)
	SweepPending(ctx context.Context, olderThan time.Duration, limit int) (SweepResult, error)
	// RepairFromProvider re-reads a payment intent and reconciles it. Used by
	// operators when a webhook was lost.
	RepairFromProvider(ctx context.Context, contractID snowflake.ID, paymentIntentID string) (*ReconcileResult, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
