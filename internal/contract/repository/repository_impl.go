package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/contract/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const contractColumns = `id, company_id, contractor_id, client_id, title, body, field_values,
	currency, deposit_amount, total_amount, status,
	signing_token, signing_token_hash, signing_token_expires_at, signing_token_used_at,
	signer_name, signer_ip, signer_user_agent, signature_object_key,
	auto_pay_enabled, saved_customer_ref, saved_payment_method_ref,
	sent_at, signed_at, paid_at, completed_at, cancelled_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, c *domain.Contract) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO contracts (
			id, company_id, contractor_id, client_id, title, body, field_values,
			currency, deposit_amount, total_amount, status, auto_pay_enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.CompanyID,
		c.ContractorID,
		c.ClientID,
		c.Title,
		c.Body,
		c.FieldValues,
		c.Currency,
		c.DepositAmount.StringFixed(2),
		c.TotalAmount.StringFixed(2),
		c.Status,
		c.AutoPayEnabled,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Contract, error) {
	return r.findOne(ctx, db, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
}

// FindByIDForUpdate takes a row lock on dialects that support it.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Contract, error) {
	var items []domain.Contract
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) FindByTokenHash(ctx context.Context, db *gorm.DB, hash string) (*domain.Contract, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `SELECT `+contractColumns+` FROM contracts WHERE signing_token_hash = ?`, hash)
}

// FindByLegacyToken matches rows that still carry a raw token and no hash.
func (r *repo) FindByLegacyToken(ctx context.Context, db *gorm.DB, raw string) (*domain.Contract, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return r.findOne(ctx, db,
		`SELECT `+contractColumns+` FROM contracts
		 WHERE signing_token = ? AND signing_token_hash IS NULL`,
		raw,
	)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE company_id = ?`
	args := []any{filter.CompanyID}
	if filter.ContractorID != 0 {
		query += ` AND contractor_id = ?`
		args = append(args, filter.ContractorID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AfterID != 0 {
		query += ` AND id < ?`
		args = append(args, filter.AfterID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var items []domain.Contract
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ListAutoPayCandidates returns signed or partially paid contracts with a
// saved instrument, ordered by id for batch paging.
func (r *repo) ListAutoPayCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Contract, error) {
	var items []domain.Contract
	if err := db.WithContext(ctx).Raw(
		`SELECT `+contractColumns+` FROM contracts
		 WHERE auto_pay_enabled = ?
		   AND status IN (?, ?)
		   AND saved_payment_method_ref IS NOT NULL
		   AND saved_customer_ref IS NOT NULL
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		true, domain.StatusSigned, domain.StatusPaid, afterID, limit,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClientBelongsToCompany(ctx context.Context, db *gorm.DB, clientID, companyID snowflake.ID) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM clients WHERE id = ? AND company_id = ?`,
		clientID, companyID,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) MarkReady(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE contracts SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusReady, now, id, domain.StatusDraft, domain.StatusReady,
	)
	return res.RowsAffected, res.Error
}

// MarkSent installs a fresh token hash and clears any raw legacy token.
func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, tokenHash string, expiresAt, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE contracts SET
			status = ?,
			signing_token = NULL,
			signing_token_hash = ?,
			signing_token_expires_at = ?,
			signing_token_used_at = NULL,
			sent_at = ?,
			updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		domain.StatusSent, tokenHash, expiresAt, now, now,
		id, domain.StatusDraft, domain.StatusReady, domain.StatusSent,
	)
	return res.RowsAffected, res.Error
}

// MarkSigned consumes the token. It only matches an unused token on a sent
// contract so concurrent submissions cannot both win.
func (r *repo) MarkSigned(ctx context.Context, db *gorm.DB, id snowflake.ID, signer domain.SignerDetails, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE contracts SET
			status = ?,
			signer_name = ?,
			signer_ip = ?,
			signer_user_agent = ?,
			signature_object_key = ?,
			signing_token_used_at = ?,
			signed_at = ?,
			updated_at = ?
		 WHERE id = ? AND status = ? AND signing_token_used_at IS NULL`,
		domain.StatusSigned,
		signer.Name,
		nullable(signer.IPAddress),
		nullable(signer.UserAgent),
		nullable(signer.SignatureObjectKey),
		now, now, now,
		id, domain.StatusSent,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE contracts SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		domain.StatusCancelled, now, now,
		id, domain.StatusCompleted, domain.StatusCancelled,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ApplyPaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, now time.Time) (int64, error) {
	query := `UPDATE contracts SET status = ?, paid_at = COALESCE(paid_at, ?), updated_at = ?`
	args := []any{to, now, now}
	if to == domain.StatusCompleted {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) SaveInstrument(ctx context.Context, db *gorm.DB, id snowflake.ID, pm domain.SavedPaymentMethod, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE contracts SET saved_customer_ref = ?, saved_payment_method_ref = ?, updated_at = ?
		 WHERE id = ?`,
		pm.CustomerRef, pm.PaymentMethodRef, now, id,
	).Error
}

func (r *repo) ClearInstrument(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE contracts SET saved_payment_method_ref = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Contract, error) {
	var items []domain.Contract
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func nullable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
