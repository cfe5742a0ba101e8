package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/pkg/db/pagination"
)

type CreateRequest struct {
	Actor          authorization.Actor
	ClientID       snowflake.ID
	Title          string
	Body           string
	FieldValues    map[string]any
	Currency       string
	DepositAmount  decimal.Decimal
	TotalAmount    decimal.Decimal
	AutoPayEnabled bool
	// SendNow issues the signing link in the same call.
	SendNow bool
}

type ListRequest struct {
	Actor  authorization.Actor
	Status string
	pagination.Pagination
}

type ListResponse struct {
	Contracts []Contract            `json:"contracts"`
	PageInfo  pagination.PageInfo `json:"page_info"`
}

// SendResult carries the raw token. It is the only place the raw value
// exists after issuance.
type SendResult struct {
	Contract   *Contract
	SigningURL string
}

type SignRequest struct {
	FullName         string
	SignatureDataURL string
	IPAddress        string
	UserAgent        string
}

type SignResult struct {
	Contract *Contract
	// AlreadySigned is true when the call replayed an earlier signature.
	AlreadySigned bool
	PaymentURL    string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*SendResult, error)
	Get(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*Contract, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	MarkReady(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*Contract, error)
	Send(ctx context.Context, actor authorization.Actor, id snowflake.ID) (*SendResult, error)
	Cancel(ctx context.Context, actor authorization.Actor, id snowflake.ID, reason string) (*Contract, error)

	// ResolveToken maps a presented token to its contract without applying
	// any access rule.
	ResolveToken(ctx context.Context, presented string) (*Contract, error)
	ViewByToken(ctx context.Context, presented string) (*Contract, error)
	Sign(ctx context.Context, presented string, req SignRequest) (*SignResult, error)
	Signature(ctx context.Context, presented string) ([]byte, string, error)
}
