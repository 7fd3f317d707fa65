// Package seed bootstraps the default company so a fresh install is usable
// without any manual setup.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	"gorm.io/gorm"
)

const (
	defaultCompanyName   = "Main Clinic"
	defaultCompanyPrefix = "INV"
	defaultCurrency      = "INR"
	defaultTaxName       = "GST 18%"
	defaultTaxRate       = 18.0
)

// EnsureDefaultCompany seeds one company with a default tax rate for local
// and self-hosted startup. Idempotent: existing rows are left alone.
func EnsureDefaultCompany(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		company, err := ensureCompanyTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureDefaultTaxRateTx(ctx, tx, node, company)
	})
}

func ensureCompanyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*companydomain.Company, error) {
	var company companydomain.Company
	err := tx.WithContext(ctx).Where("name = ?", defaultCompanyName).First(&company).Error
	if err == nil {
		return &company, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	company = companydomain.Company{
		ID:       node.Generate(),
		TenantID: node.Generate(),
		Name:     defaultCompanyName,
		Prefix:   defaultCompanyPrefix,
		Currency: defaultCurrency,
	}
	if err := tx.WithContext(ctx).Create(&company).Error; err != nil {
		return nil, err
	}
	return &company, nil
}

func ensureDefaultTaxRateTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, company *companydomain.Company) error {
	var count int64
	err := tx.WithContext(ctx).Model(&taxdomain.TaxRate{}).
		Where("company_id = ?", company.ID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	rate := taxdomain.TaxRate{
		ID:        node.Generate(),
		CompanyID: company.ID,
		Name:      defaultTaxName,
		Rate:      defaultTaxRate,
		IsDefault: true,
		Active:    true,
	}
	return tx.WithContext(ctx).Create(&rate).Error
}
