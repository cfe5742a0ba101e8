package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Contract struct {
	ID           snowflake.ID      `json:"id" gorm:"column:id;primaryKey"`
	CompanyID    snowflake.ID      `json:"company_id" gorm:"column:company_id"`
	ContractorID snowflake.ID      `json:"contractor_id" gorm:"column:contractor_id"`
	ClientID     snowflake.ID      `json:"client_id" gorm:"column:client_id"`
	Title        string            `json:"title" gorm:"column:title"`
	Body         string            `json:"body" gorm:"column:body"`
	FieldValues  datatypes.JSONMap `json:"field_values" gorm:"column:field_values"`
	Currency     string            `json:"currency" gorm:"column:currency"`

	DepositAmount decimal.Decimal `json:"deposit_amount" gorm:"column:deposit_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"column:total_amount"`
	Status        Status          `json:"status" gorm:"column:status"`

	// SigningToken is only populated on rows created before hashing.
	SigningToken          *string    `json:"-" gorm:"column:signing_token"`
	SigningTokenHash      *string    `json:"-" gorm:"column:signing_token_hash"`
	SigningTokenExpiresAt *time.Time `json:"signing_token_expires_at,omitempty" gorm:"column:signing_token_expires_at"`
	SigningTokenUsedAt    *time.Time `json:"signing_token_used_at,omitempty" gorm:"column:signing_token_used_at"`

	SignerName         *string `json:"signer_name,omitempty" gorm:"column:signer_name"`
	SignerIP           *string `json:"-" gorm:"column:signer_ip"`
	SignerUserAgent    *string `json:"-" gorm:"column:signer_user_agent"`
	SignatureObjectKey *string `json:"signature_object_key,omitempty" gorm:"column:signature_object_key"`

	AutoPayEnabled        bool    `json:"auto_pay_enabled" gorm:"column:auto_pay_enabled"`
	SavedCustomerRef      *string `json:"-" gorm:"column:saved_customer_ref"`
	SavedPaymentMethodRef *string `json:"-" gorm:"column:saved_payment_method_ref"`

	SentAt      *time.Time `json:"sent_at,omitempty" gorm:"column:sent_at"`
	SignedAt    *time.Time `json:"signed_at,omitempty" gorm:"column:signed_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty" gorm:"column:paid_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" gorm:"column:cancelled_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Contract) TableName() string { return "contracts" }

// SavedPaymentMethod is the instrument stored for off-session charges.
type SavedPaymentMethod struct {
	CustomerRef      string
	PaymentMethodRef string
}

// SavedInstrument returns the stored instrument when both references exist.
func (c Contract) SavedInstrument() (SavedPaymentMethod, bool) {
	if c.SavedCustomerRef == nil || c.SavedPaymentMethodRef == nil {
		return SavedPaymentMethod{}, false
	}
	pm := SavedPaymentMethod{
		CustomerRef:      strings.TrimSpace(*c.SavedCustomerRef),
		PaymentMethodRef: strings.TrimSpace(*c.SavedPaymentMethodRef),
	}
	if pm.CustomerRef == "" || pm.PaymentMethodRef == "" {
		return SavedPaymentMethod{}, false
	}
	return pm, true
}

// RequiresPayment is false for zero-value contracts.
func (c Contract) RequiresPayment() bool {
	return c.TotalAmount.IsPositive()
}

func (c Contract) TokenExpired(now time.Time) bool {
	return c.SigningTokenExpiresAt != nil && !now.Before(*c.SigningTokenExpiresAt)
}

func (c Contract) TokenUsed() bool {
	return c.SigningTokenUsedAt != nil
}

// CheckViewAccess decides whether a token that matched this contract may
// open it. Used or expired tokens still open contracts that are already
// signed so the client can reach the payment and receipt pages.
func (c Contract) CheckViewAccess(now time.Time) error {
	switch {
	case c.Status == StatusCancelled:
		return ErrContractClosed
	case c.Status.AtLeastSigned():
		return nil
	case c.Status != StatusSent:
		return ErrContractNotAvailable
	case c.TokenUsed():
		return ErrTokenUsed
	case c.TokenExpired(now):
		return ErrTokenExpired
	}
	return nil
}

// SameSigner compares signer names case-insensitively after collapsing spaces.
func (c Contract) SameSigner(name string) bool {
	if c.SignerName == nil {
		return false
	}
	return normalizeName(*c.SignerName) == normalizeName(name)
}

// CheckSignAccess decides whether a signing attempt may proceed. The bool
// is true when the contract is already signed by the same person and the
// caller should return the existing confirmation.
func (c Contract) CheckSignAccess(now time.Time, signerName string) (bool, error) {
	if c.Status.IsTerminal() {
		return false, ErrContractClosed
	}
	if c.Status.AtLeastSigned() {
		if c.SameSigner(signerName) {
			return true, nil
		}
		return false, ErrAlreadySigned
	}
	if c.Status != StatusSent {
		return false, ErrContractNotAvailable
	}
	if c.TokenUsed() {
		return false, ErrTokenUsed
	}
	if c.TokenExpired(now) {
		return false, ErrTokenExpired
	}
	return false, nil
}

// ValidateAmounts enforces 0 <= deposit <= total.
func ValidateAmounts(deposit, total decimal.Decimal) error {
	if deposit.IsNegative() || total.IsNegative() {
		return ErrInvalidAmount
	}
	if deposit.GreaterThan(total) {
		return ErrDepositExceedsTotal
	}
	// Sub-cent precision cannot be charged.
	if !deposit.Equal(deposit.Round(2)) || !total.Equal(total.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

func NormalizeCurrency(raw string) (string, error) {
	cur := strings.ToLower(strings.TrimSpace(raw))
	if len(cur) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range cur {
		if r < 'a' || r > 'z' {
			return "", ErrInvalidCurrency
		}
	}
	return cur, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

type ListFilter struct {
	CompanyID    snowflake.ID
	ContractorID snowflake.ID
	Status       Status
	AfterID      snowflake.ID
	Limit        int
}

// SignerDetails is captured when the client signs.
type SignerDetails struct {
	Name               string
	IPAddress          string
	UserAgent          string
	SignatureObjectKey string
}

// Repository methods that change status guard on the expected current state
// and report how many rows moved, so callers can detect a lost race.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, c *Contract) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Contract, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Contract, error)
	FindByTokenHash(ctx context.Context, db *gorm.DB, hash string) (*Contract, error)
	FindByLegacyToken(ctx context.Context, db *gorm.DB, raw string) (*Contract, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Contract, error)
	ListAutoPayCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Contract, error)
	ClientBelongsToCompany(ctx context.Context, db *gorm.DB, clientID, companyID snowflake.ID) (bool, error)

	MarkReady(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, tokenHash string, expiresAt, now time.Time) (int64, error)
	MarkSigned(ctx context.Context, db *gorm.DB, id snowflake.ID, signer SignerDetails, now time.Time) (int64, error)
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	ApplyPaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (int64, error)
	SaveInstrument(ctx context.Context, db *gorm.DB, id snowflake.ID, pm SavedPaymentMethod, now time.Time) error
	ClearInstrument(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}
