package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	procurementdomain "github.com/nidaanhealth/carebill/internal/procurement/domain"
)

// balanceBand is the dead zone around zero, in minor units, inside which a
// balance is still reported as a due of zero rather than an advance.
const balanceBand int64 = 10

func (s *Service) GetPatientBalance(ctx context.Context, patientID snowflake.ID) (billingdomain.BalanceResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return billingdomain.BalanceResult{}, err
	}

	// Posted ledger: only accounts-receivable lines carry the partner, so
	// debit minus credit is exactly what the patient still owes there.
	var ledgerBalance int64
	err = s.db.WithContext(ctx).Model(&ledgerdomain.LedgerLine{}).
		Select("COALESCE(SUM(debit),0) - COALESCE(SUM(credit),0)").
		Where("tenant_id = ? AND company_id = ? AND partner_id = ? AND posted = ?",
			id.TenantID, id.CompanyID, patientID, true).
		Scan(&ledgerBalance).Error
	if err != nil {
		return billingdomain.BalanceResult{}, s.persistErr(err, "ledger_lines")
	}

	// Drafts never reach the ledger, so their outstanding is layered on top.
	var draftOutstanding int64
	err = s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Select("COALESCE(SUM(outstanding_amount),0)").
		Where("tenant_id = ? AND company_id = ? AND patient_id = ? AND status = ?",
			id.TenantID, id.CompanyID, patientID, billingdomain.InvoiceStatusDraft).
		Scan(&draftOutstanding).Error
	if err != nil {
		return billingdomain.BalanceResult{}, s.persistErr(err, "invoice")
	}

	balance := ledgerBalance + draftOutstanding
	return billingdomain.BalanceResult{
		Balance: balance,
		Type:    classifyBalance(balance),
		Breakdown: billingdomain.BalanceBreakdown{
			LedgerBalance:    ledgerBalance,
			DraftOutstanding: draftOutstanding,
		},
	}, nil
}

// GetPatientOutstandingBalance is the narrower invoice-table view: the sum
// of outstanding amounts on the patient's posted invoices.
func (s *Service) GetPatientOutstandingBalance(ctx context.Context, patientID snowflake.ID) (billingdomain.BalanceResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return billingdomain.BalanceResult{}, err
	}

	var outstanding int64
	err = s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Select("COALESCE(SUM(outstanding_amount),0)").
		Where("tenant_id = ? AND company_id = ? AND patient_id = ? AND status = ?",
			id.TenantID, id.CompanyID, patientID, billingdomain.InvoiceStatusPosted).
		Scan(&outstanding).Error
	if err != nil {
		return billingdomain.BalanceResult{}, s.persistErr(err, "invoice")
	}

	return billingdomain.BalanceResult{
		Balance: outstanding,
		Type:    classifyBalance(outstanding),
	}, nil
}

func (s *Service) GetOutstandingInvoices(ctx context.Context, patientID snowflake.ID) ([]billingdomain.Invoice, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}

	var invoices []billingdomain.Invoice
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND company_id = ? AND patient_id = ?", id.TenantID, id.CompanyID, patientID).
		Where("status IN ?", []billingdomain.InvoiceStatus{billingdomain.InvoiceStatusDraft, billingdomain.InvoiceStatusPosted}).
		Where("outstanding_amount > 0").
		Order("created_at ASC, id ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, s.persistErr(err, "invoice")
	}
	return invoices, nil
}

func (s *Service) GetOutstandingPurchaseBills(ctx context.Context, supplierID snowflake.ID) ([]procurementdomain.PurchaseInvoice, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}

	var bills []procurementdomain.PurchaseInvoice
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND company_id = ? AND supplier_id = ?", id.TenantID, id.CompanyID, supplierID).
		Where("status = ?", procurementdomain.PurchaseInvoiceStatusPosted).
		Where("outstanding_amount > 0").
		Order("created_at ASC, id ASC").
		Find(&bills).Error
	if err != nil {
		return nil, s.persistErr(err, "purchase_invoices")
	}
	return bills, nil
}

// classifyBalance maps a signed balance onto due/advance. Small negatives
// inside the band still read as a zero due.
func classifyBalance(balance int64) billingdomain.BalanceType {
	if balance < -balanceBand {
		return billingdomain.BalanceTypeAdvance
	}
	return billingdomain.BalanceTypeDue
}
