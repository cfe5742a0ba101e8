package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Kind string

const (
	KindContractSent      Kind = "contract_sent"
	KindContractSigned    Kind = "contract_signed"
	KindPaymentReceived   Kind = "payment_received"
	KindPaymentFailed     Kind = "payment_failed"
	KindContractCompleted Kind = "contract_completed"
	KindContractCancelled Kind = "contract_cancelled"
)

type Audience int

const (
	AudienceClient Audience = 1 << iota
	AudienceContractor
)

var audiences = map[Kind]Audience{
	KindContractSent:      AudienceClient,
	KindContractSigned:    AudienceClient | AudienceContractor,
	KindPaymentReceived:   AudienceClient | AudienceContractor,
	KindPaymentFailed:     AudienceContractor,
	KindContractCompleted: AudienceClient | AudienceContractor,
	KindContractCancelled: AudienceClient,
}

// AudienceFor returns who receives a notice of this kind.
func AudienceFor(kind Kind) Audience {
	return audiences[kind]
}

// Notice is what the lifecycle reports. Recipients are resolved from the
// contract when the notice is dispatched.
type Notice struct {
	Kind       Kind
	ContractID snowflake.ID
	// Link is included in client emails only.
	Link       string
	Amount     decimal.Decimal
	AmountDue  decimal.Decimal
	Reason     string
	SignerName string
}

type Recipient struct {
	Name  string
	Email string
}

// Parties is the read model behind every notification.
type Parties struct {
	ContractID    snowflake.ID
	ContractTitle string
	Currency      string
	CompanyName   string
	Contractor    Recipient
	Client        Recipient
}

type Directory interface {
	LookupParties(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (*Parties, error)
}

// Dispatcher delivers notices best effort. Failures are logged and counted,
// never returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, notice Notice)
}
