package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/signflow/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, contract_id, company_id, amount, currency, status, provider,
	provider_reference, source, auto_pay, failure_reason, created_at, updated_at, completed_at`

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, providerReference string) (*domain.Payment, error) {
	var items []domain.Payment
	if err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE provider_reference = ? LIMIT 1`,
		strings.TrimSpace(providerReference),
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_reference"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, providerReference string, amount decimal.Decimal, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, amount = ?, failure_reason = NULL, completed_at = ?, updated_at = ?
		 WHERE provider_reference = ? AND status IN (?, ?)`,
		domain.StatusCompleted,
		amount.StringFixed(2),
		now,
		now,
		providerReference,
		domain.StatusPending,
		domain.StatusFailed,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, providerReference, reason string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE provider_reference = ? AND status = ?`,
		domain.StatusFailed,
		reason,
		now,
		providerReference,
		domain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	if err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE contract_id = ? ORDER BY created_at ASC, id ASC`,
		contractID,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ListPending pages through pending rows in id order, starting after the
// given id. Snowflake ids follow creation order.
func (r *repo) ListPending(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	if err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		domain.StatusPending,
		after,
		limit,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, contract_id,
			payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}
