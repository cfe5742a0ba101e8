package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/contractevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	if event == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO contract_events (
			id, contract_id, company_id, event_type, actor_type, actor_id,
			provider_reference, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.ContractID,
		event.CompanyID,
		event.EventType,
		event.ActorType,
		event.ActorID,
		event.ProviderReference,
		event.Metadata,
		event.CreatedAt,
	).Error
}

func (r *repo) ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]domain.Event, error) {
	var items []domain.Event
	if err := db.WithContext(ctx).Raw(
		`SELECT id, contract_id, company_id, event_type, actor_type, actor_id,
		        provider_reference, metadata, created_at
		 FROM contract_events
		 WHERE contract_id = ?
		 ORDER BY created_at ASC, id ASC`,
		contractID,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ExistsForReference(ctx context.Context, db *gorm.DB, eventType domain.EventType, providerReference string) (bool, error) {
	providerReference = strings.TrimSpace(providerReference)
	if providerReference == "" {
		return false, nil
	}
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM contract_events
		 WHERE provider_reference = ? AND event_type = ?`,
		providerReference,
		eventType,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
