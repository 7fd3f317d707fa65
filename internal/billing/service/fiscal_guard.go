package service

import (
	"context"

	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/tenantctx"
	"gorm.io/gorm"
)

// checkMutationAllowed enforces the fiscal lock date and the role gate.
// Called against the invoice row already held under the transaction's
// lock, so the decision cannot race a concurrent lock-date change.
func (s *Service) checkMutationAllowed(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, invoice *billingdomain.Invoice) error {
	company, err := s.loadCompany(ctx, tx, id)
	if err != nil {
		return err
	}
	if company.LockDate != nil && !invoice.InvoiceDate.After(*company.LockDate) {
		return billingdomain.ErrLocked
	}
	if invoice.Status != billingdomain.InvoiceStatusDraft && !id.IsAdmin {
		return billingdomain.ErrLocked
	}
	return nil
}
