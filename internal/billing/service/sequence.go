package service

import (
	"context"
	"fmt"
	"time"

	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	pkgdb "github.com/nidaanhealth/carebill/pkg/db"
	"gorm.io/gorm"
)

// FiscalYearLabel formats the April-1-bounded fiscal year containing t,
// e.g. 2025-07-14 falls in FY "2526" and 2026-02-10 still does.
func FiscalYearLabel(t time.Time) string {
	year := t.Year()
	if t.Month() < time.April {
		year--
	}
	return fmt.Sprintf("%02d%02d", year%100, (year+1)%100)
}

// nextInvoiceNumber increments the per-company-per-fiscal-year counter
// under a row lock and formats the document number. Runs inside the
// invoice transaction so a rollback returns the number to the pool.
func (s *Service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, company *companydomain.Company, invoiceDate time.Time) (string, error) {
	fiscalYear := FiscalYearLabel(invoiceDate)

	var seq billingdomain.InvoiceSequence
	err := forUpdate(tx.WithContext(ctx)).
		Where("company_id = ? AND fiscal_year = ?", company.ID, fiscalYear).
		First(&seq).Error
	if err == gorm.ErrRecordNotFound {
		seq = billingdomain.InvoiceSequence{
			ID:         s.genID.Generate(),
			CompanyID:  company.ID,
			FiscalYear: fiscalYear,
			CreatedAt:  s.clock.Now(),
			UpdatedAt:  s.clock.Now(),
		}
		if createErr := tx.WithContext(ctx).Create(&seq).Error; createErr != nil {
			if !pkgdb.IsDuplicateKeyErr(createErr) {
				return "", s.persistErr(createErr, "invoice_sequence")
			}
			// Lost the insert race: lock the winner's row instead.
			err = forUpdate(tx.WithContext(ctx)).
				Where("company_id = ? AND fiscal_year = ?", company.ID, fiscalYear).
				First(&seq).Error
			if err != nil {
				return "", s.persistErr(err, "invoice_sequence")
			}
		}
	} else if err != nil {
		return "", s.persistErr(err, "invoice_sequence")
	}

	seq.LastValue++
	err = tx.WithContext(ctx).Model(&billingdomain.InvoiceSequence{}).
		Where("id = ?", seq.ID).
		Updates(map[string]any{
			"last_value": seq.LastValue,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		return "", s.persistErr(err, "invoice_sequence")
	}

	return fmt.Sprintf("%s-%s-%05d", company.Prefix, fiscalYear, seq.LastValue), nil
}
