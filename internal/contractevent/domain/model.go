package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventCreated          EventType = "created"
	EventReady            EventType = "ready"
	EventSent             EventType = "sent"
	EventSigned           EventType = "signed"
	EventPaid             EventType = "paid"
	EventPaymentCompleted EventType = "payment_completed"
	EventPaymentFailed    EventType = "payment_failed"
	EventCompleted        EventType = "completed"
	EventCancelled        EventType = "cancelled"
)

type ActorType string

const (
	ActorContractor ActorType = "contractor"
	ActorClient     ActorType = "client"
	ActorSystem     ActorType = "system"
)

// Event is one append-only row of a contract's history.
type Event struct {
	ID                snowflake.ID      `json:"id" gorm:"column:id"`
	ContractID        snowflake.ID      `json:"contract_id" gorm:"column:contract_id"`
	CompanyID         snowflake.ID      `json:"company_id" gorm:"column:company_id"`
	EventType         EventType         `json:"event_type" gorm:"column:event_type"`
	ActorType         ActorType         `json:"actor_type" gorm:"column:actor_type"`
	ActorID           *string           `json:"actor_id,omitempty" gorm:"column:actor_id"`
	ProviderReference *string           `json:"provider_reference,omitempty" gorm:"column:provider_reference"`
	Metadata          datatypes.JSONMap `json:"metadata" gorm:"column:metadata"`
	CreatedAt         time.Time         `json:"created_at" gorm:"column:created_at"`
}

type LogEventRequest struct {
	ContractID snowflake.ID
	CompanyID  snowflake.ID
	EventType  EventType
	ActorType  ActorType
	ActorID    string
	// ProviderReference is indexed so replays can be detected from the log.
	ProviderReference string
	Metadata          map[string]any
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]Event, error)
	ExistsForReference(ctx context.Context, db *gorm.DB, eventType EventType, providerReference string) (bool, error)
}

// Service is the only writer of contract_events. There is no update or delete.
type Service interface {
	LogEvent(ctx context.Context, req LogEventRequest) error
	// LogEventTx appends within the caller's transaction.
	LogEventTx(ctx context.Context, tx *gorm.DB, req LogEventRequest) error
	List(ctx context.Context, contractID snowflake.ID) ([]Event, error)
	HasPaymentCompleted(ctx context.Context, tx *gorm.DB, providerReference string) (bool, error)
}

var (
	ErrInvalidEvent    = errors.New("invalid_contract_event")
	ErrInvalidContract = errors.New("invalid_contract")
)
