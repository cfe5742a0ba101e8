package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/notification/domain"
	"gorm.io/gorm"
)

type directory struct{}

func Provide() domain.Directory {
	return &directory{}
}

func (d *directory) LookupParties(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (*domain.Parties, error) {
	var row struct {
		ContractID      snowflake.ID `gorm:"column:contract_id"`
		Title           string       `gorm:"column:title"`
		Currency        string       `gorm:"column:currency"`
		CompanyName     string       `gorm:"column:company_name"`
		ContractorName  string       `gorm:"column:contractor_name"`
		ContractorEmail string       `gorm:"column:contractor_email"`
		ClientName      string       `gorm:"column:client_name"`
		ClientEmail     string       `gorm:"column:client_email"`
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT c.id AS contract_id, c.title, c.currency,
		        co.name AS company_name,
		        ct.name AS contractor_name, ct.email AS contractor_email,
		        cl.name AS client_name, cl.email AS client_email
		 FROM contracts c
		 JOIN companies co ON co.id = c.company_id
		 JOIN contractors ct ON ct.id = c.contractor_id
		 JOIN clients cl ON cl.id = c.client_id
		 WHERE c.id = ?`,
		contractID,
	).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ContractID == 0 {
		return nil, nil
	}
	return &domain.Parties{
		ContractID:    row.ContractID,
		ContractTitle: row.Title,
		Currency:      row.Currency,
		CompanyName:   row.CompanyName,
		Contractor:    domain.Recipient{Name: row.ContractorName, Email: row.ContractorEmail},
		Client:        domain.Recipient{Name: row.ClientName, Email: row.ClientEmail},
	}, nil
}
