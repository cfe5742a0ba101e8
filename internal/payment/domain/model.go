package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Source records which path observed the payment.
type Source string

const (
	SourceCheckout Source = "checkout"
	SourceWebhook  Source = "webhook"
	SourceAutoPay  Source = "autopay"
	SourceConfirm  Source = "confirm"
	SourceSweep    Source = "sweep"
	SourceOperator Source = "operator"
)

const ProviderStripe = "stripe"

type Payment struct {
	ID                snowflake.ID    `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	ContractID        snowflake.ID    `json:"contract_id" gorm:"column:contract_id"`
	CompanyID         snowflake.ID    `json:"company_id" gorm:"column:company_id"`
	Amount            decimal.Decimal `json:"amount" gorm:"column:amount"`
	Currency          string          `json:"currency" gorm:"column:currency"`
	Status            Status          `json:"status" gorm:"column:status"`
	Provider          string          `json:"provider" gorm:"column:provider"`
	ProviderReference string          `json:"provider_reference" gorm:"column:provider_reference"`
	Source            Source          `json:"source" gorm:"column:source"`
	AutoPay           bool            `json:"auto_pay" gorm:"column:auto_pay"`
	FailureReason     *string         `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	CreatedAt         time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (Payment) TableName() string { return "payments" }

// EventRecord is a raw provider webhook kept for dedupe and audit.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	Provider        string         `json:"provider" gorm:"column:provider"`
	ProviderEventID string         `json:"provider_event_id" gorm:"column:provider_event_id"`
	EventType       string         `json:"event_type" gorm:"column:event_type"`
	ContractID      *snowflake.ID  `json:"contract_id,omitempty" gorm:"column:contract_id"`
	Payload         datatypes.JSON `json:"payload" gorm:"column:payload"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"column:received_at"`
	ProcessedAt     *time.Time     `json:"processed_at" gorm:"column:processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// TotalCompleted sums completed payments.
func TotalCompleted(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.Status == StatusCompleted {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// CountCompleted counts completed payments.
func CountCompleted(payments []Payment) int {
	n := 0
	for _, p := range payments {
		if p.Status == StatusCompleted {
			n++
		}
	}
	return n
}

type ReconcileRequest struct {
	ProviderReference string
	ContractID        snowflake.ID
	Amount            decimal.Decimal
	Currency          string
	Provider          string
	Source            Source
	AutoPay           bool
	// CustomerRef and PaymentMethodRef are saved for later off-session
	// charges when the contract has auto-pay enabled.
	CustomerRef      string
	PaymentMethodRef string
}

type ReconcileResult struct {
	Payment          *Payment              `json:"payment,omitempty"`
	PreviousStatus   contractdomain.Status `json:"previous_status"`
	ContractStatus   contractdomain.Status `json:"contract_status"`
	StatusChanged    bool                  `json:"status_changed"`
	AlreadyProcessed bool                  `json:"already_processed"`
	TotalPaid        decimal.Decimal       `json:"total_paid"`
	Remaining        decimal.Decimal       `json:"remaining"`
	// Excess is set when completed payments exceed the contract total by
	// more than the epsilon.
	Overpaid bool            `json:"overpaid"`
	Excess   decimal.Decimal `json:"excess"`
}

type PendingRequest struct {
	ProviderReference string
	ContractID        snowflake.ID
	Amount            decimal.Decimal
	Currency          string
	Source            Source
	AutoPay           bool
}

type FailureRequest struct {
	ProviderReference string
	ContractID        snowflake.ID
	Amount            decimal.Decimal
	Currency          string
	// ProviderStatus is the provider's own status string, kept verbatim.
	ProviderStatus string
	Message        string
	Source         Source
	AutoPay        bool
}

// Summary is the payment position of one contract.
type Summary struct {
	Currency   string          `json:"currency"`
	Total      decimal.Decimal `json:"total"`
	Deposit    decimal.Decimal `json:"deposit"`
	Paid       decimal.Decimal `json:"paid"`
	Remaining  decimal.Decimal `json:"remaining"`
	DepositDue decimal.Decimal `json:"deposit_due"`
	Payments   []Payment       `json:"payments"`
}

func NewSummary(c *contractdomain.Contract, payments []Payment) Summary {
	paid := TotalCompleted(payments)
	remaining := c.TotalAmount.Sub(paid)
	if remaining.LessThanOrEqual(contractdomain.PaymentEpsilon) {
		remaining = decimal.Zero
	}
	depositDue := c.DepositAmount.Sub(paid)
	if depositDue.LessThanOrEqual(contractdomain.PaymentEpsilon) {
		depositDue = decimal.Zero
	}
	if payments == nil {
		payments = []Payment{}
	}
	return Summary{
		Currency:   c.Currency,
		Total:      c.TotalAmount,
		Deposit:    c.DepositAmount,
		Paid:       paid,
		Remaining:  remaining,
		DepositDue: depositDue,
		Payments:   payments,
	}
}

// ToMinorUnits converts a two-decimal amount to provider minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
