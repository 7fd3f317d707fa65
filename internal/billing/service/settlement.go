package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/tenantctx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// resyncRecentLimit caps how many recently touched invoices the settlement
// path re-posts when there is nothing left to settle.
const resyncRecentLimit = 10

func (s *Service) RecordPayment(ctx context.Context, invoiceID snowflake.ID, payment billingdomain.PaymentPayload, targetStatus billingdomain.InvoiceStatus) (billingdomain.PaymentResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return billingdomain.PaymentResult{}, err
	}
	if payment.Amount <= 0 {
		return billingdomain.PaymentResult{}, billingdomain.ErrInvalidAmount
	}
	if !payment.Method.Valid() {
		return billingdomain.PaymentResult{}, billingdomain.ErrInvalidMethod
	}
	if targetStatus != "" && (!targetStatus.Valid() || targetStatus == billingdomain.InvoiceStatusCancelled) {
		return billingdomain.PaymentResult{}, billingdomain.ErrInvalidStatus
	}

	var updated *billingdomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == billingdomain.InvoiceStatusCancelled {
			return billingdomain.ErrInvoiceCancelled
		}

		reference := strings.TrimSpace(payment.Reference)
		if reference != "" {
			if err := s.checkReferenceFree(ctx, tx, id, reference); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		paidAt := now
		if payment.PaidAt != nil {
			paidAt = *payment.PaidAt
		}
		row := billingdomain.Payment{
			ID:        s.genID.Generate(),
			TenantID:  id.TenantID,
			CompanyID: id.CompanyID,
			InvoiceID: invoice.ID,
			Amount:    payment.Amount,
			Method:    payment.Method,
			Reference: reference,
			PaidAt:    paidAt,
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return s.rewriteDuplicateRef(err, "payments")
		}

		invoice.TotalPaid += payment.Amount
		outstanding := floorZero(invoice.Total - invoice.TotalPaid)
		status := invoice.Status
		if outstanding <= billingdomain.SettleTolerance {
			status = billingdomain.InvoiceStatusPaid
			outstanding = 0
		} else if targetStatus != "" && statusRank[targetStatus] >= statusRank[status] {
			status = targetStatus
		}

		err = tx.Model(&billingdomain.Invoice{}).Where("id = ?", invoice.ID).Updates(map[string]any{
			"status":             status,
			"total_paid":         invoice.TotalPaid,
			"outstanding_amount": outstanding,
			"updated_at":         now,
		}).Error
		if err != nil {
			return s.persistErr(err, "invoice")
		}

		if status == billingdomain.InvoiceStatusPaid && invoice.AppointmentID != nil {
			if err := s.markAppointmentCompleted(ctx, tx, *invoice.AppointmentID); err != nil {
				return err
			}
		}

		invoice.Status = status
		invoice.OutstandingAmount = outstanding
		invoice.UpdatedAt = now
		updated = invoice
		return nil
	})
	if err != nil {
		return billingdomain.PaymentResult{}, err
	}

	result := billingdomain.PaymentResult{Invoice: updated}
	if updated.Status == billingdomain.InvoiceStatusPosted || updated.Status == billingdomain.InvoiceStatusPaid {
		if postErr := s.postInvoice(ctx, updated.ID, id.ActorID); postErr != nil {
			result.Warning = fmt.Sprintf("accounting posting failed: %v", postErr)
		}
	}
	if updated.Status == billingdomain.InvoiceStatusPaid {
		s.notifyPaid(updated.ID, id.TenantID)
	}

	s.countWrite("record_payment")
	s.emitAudit(ctx, "invoice.payment_recorded", updated)
	return result, nil
}

func (s *Service) SettlePatientDues(ctx context.Context, patientID snowflake.ID, amount int64, method billingdomain.PaymentMethod, reference string) (billingdomain.SettlementResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return billingdomain.SettlementResult{}, err
	}
	if amount <= 0 {
		return billingdomain.SettlementResult{}, billingdomain.ErrInvalidAmount
	}
	if !method.Valid() {
		return billingdomain.SettlementResult{}, billingdomain.ErrInvalidMethod
	}

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var touched []*billingdomain.Invoice
	remaining := amount
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoices, err := s.outstandingInvoicesTx(ctx, tx, id, patientID,
			[]billingdomain.InvoiceStatus{billingdomain.InvoiceStatusDraft, billingdomain.InvoiceStatusPosted}, 0)
		if err != nil {
			return err
		}
		touched, remaining, err = s.allocate(ctx, tx, id, invoices, amount, method, strings.TrimSpace(reference), s.clock.Now())
		return err
	})
	if err != nil {
		return billingdomain.SettlementResult{}, err
	}

	result := billingdomain.SettlementResult{
		SettledCount:    len(touched),
		RemainingOffset: remaining,
	}
	for _, invoice := range touched {
		if postErr := s.postInvoice(ctx, invoice.ID, id.ActorID); postErr != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("accounting posting failed for %s: %v", invoice.InvoiceNumber, postErr))
		}
		if invoice.Status == billingdomain.InvoiceStatusPaid {
			s.notifyPaid(invoice.ID, id.TenantID)
		}
		if s.metrics != nil {
			s.metrics.SettlementsApplied.Inc()
		}
	}

	switch {
	case len(touched) == 0:
		// Nothing owed: treat the call as a request to re-sync the ledger
		// for the patient's recent activity.
		repaired, warnings := s.resyncRecentInvoices(ctx, id, patientID)
		result.Warnings = append(result.Warnings, warnings...)
		result.Message = fmt.Sprintf("no outstanding invoices; re-synced accounting for %d recent invoice(s)", repaired)
	case remaining > 0:
		if s.metrics != nil {
			s.metrics.SettlementLeftover.Add(float64(remaining))
		}
		result.Message = fmt.Sprintf("settled %d invoice(s); %d remains unapplied", len(touched), remaining)
	default:
		result.Message = fmt.Sprintf("settled %d invoice(s)", len(touched))
	}

	s.countWrite("settle")
	return result, nil
}

// outstandingInvoicesTx loads the patient's open invoices oldest first,
// locked for the rest of the transaction.
func (s *Service) outstandingInvoicesTx(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, patientID snowflake.ID, statuses []billingdomain.InvoiceStatus, excludeID snowflake.ID) ([]*billingdomain.Invoice, error) {
	q := forUpdate(tx.WithContext(ctx)).
		Where("tenant_id = ? AND company_id = ? AND patient_id = ?", id.TenantID, id.CompanyID, patientID).
		Where("status IN ?", statuses).
		Where("outstanding_amount > 0").
		Order("created_at ASC, id ASC")
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}

	var invoices []*billingdomain.Invoice
	if err := q.Find(&invoices).Error; err != nil {
		return nil, s.persistErr(err, "invoice")
	}
	return invoices, nil
}

// allocate spreads amount across the given invoices in order, writing one
// payment row per touched invoice. Shared by bulk settlement and by the
// overpayment spillover on invoice edits. Returns the invoices it touched
// and the unapplied leftover.
func (s *Service) allocate(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, invoices []*billingdomain.Invoice, amount int64, method billingdomain.PaymentMethod, reference string, paidAt time.Time) ([]*billingdomain.Invoice, int64, error) {
	remaining := amount
	var touched []*billingdomain.Invoice

	for _, invoice := range invoices {
		if remaining <= 0 {
			break
		}
		due := invoice.OutstandingAmount
		if due <= 0 {
			continue
		}
		applied := due
		if remaining < due {
			applied = remaining
		}

		lineReference := suffixReference(reference, len(touched))
		if lineReference != "" {
			if err := s.checkReferenceFree(ctx, tx, id, lineReference); err != nil {
				return nil, 0, err
			}
		}

		payment := billingdomain.Payment{
			ID:        s.genID.Generate(),
			TenantID:  id.TenantID,
			CompanyID: id.CompanyID,
			InvoiceID: invoice.ID,
			Amount:    applied,
			Method:    method,
			Reference: lineReference,
			PaidAt:    paidAt,
			CreatedAt: paidAt,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return nil, 0, s.rewriteDuplicateRef(err, "payments")
		}

		invoice.TotalPaid += applied
		invoice.OutstandingAmount = floorZero(invoice.Total - invoice.TotalPaid)
		if invoice.OutstandingAmount <= billingdomain.SettleTolerance {
			invoice.Status = billingdomain.InvoiceStatusPaid
			invoice.OutstandingAmount = 0
		}
		err := tx.Model(&billingdomain.Invoice{}).Where("id = ?", invoice.ID).Updates(map[string]any{
			"status":             invoice.Status,
			"total_paid":         invoice.TotalPaid,
			"outstanding_amount": invoice.OutstandingAmount,
			"updated_at":         paidAt,
		}).Error
		if err != nil {
			return nil, 0, s.persistErr(err, "invoice")
		}
		if invoice.Status == billingdomain.InvoiceStatusPaid && invoice.AppointmentID != nil {
			if err := s.markAppointmentCompleted(ctx, tx, *invoice.AppointmentID); err != nil {
				return nil, 0, err
			}
		}

		remaining -= applied
		touched = append(touched, invoice)
	}
	return touched, remaining, nil
}

// suffixReference keeps the first allocated payment on the raw reference
// and makes every subsequent one unique with an ordinal suffix.
func suffixReference(reference string, ordinal int) string {
	if reference == "" || ordinal == 0 {
		return reference
	}
	return fmt.Sprintf("%s-%d", reference, ordinal+1)
}

// resyncRecentInvoices re-posts the patient's most recently updated
// posted/paid invoices so a missed ledger write heals on the next
// settlement attempt.
func (s *Service) resyncRecentInvoices(ctx context.Context, id tenantctx.Identity, patientID snowflake.ID) (int, []string) {
	var invoices []billingdomain.Invoice
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND company_id = ? AND patient_id = ?", id.TenantID, id.CompanyID, patientID).
		Where("status IN ?", []billingdomain.InvoiceStatus{billingdomain.InvoiceStatusPosted, billingdomain.InvoiceStatusPaid}).
		Order("updated_at DESC").
		Limit(resyncRecentLimit).
		Find(&invoices).Error
	if err != nil {
		return 0, []string{fmt.Sprintf("re-sync lookup failed: %v", err)}
	}

	var warnings []string
	for _, invoice := range invoices {
		if postErr := s.postInvoice(ctx, invoice.ID, id.ActorID); postErr != nil {
			warnings = append(warnings,
				fmt.Sprintf("re-sync posting failed for %s: %v", invoice.InvoiceNumber, postErr))
		}
	}
	return len(invoices), warnings
}

// notifyPaid fires the paid-invoice notification without blocking the
// request path.
func (s *Service) notifyPaid(invoiceID, tenantID snowflake.ID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.SendInvoiceWhatsapp(ctx, invoiceID, tenantID); err != nil {
			s.log.Warn("invoice notification failed",
				zap.String("invoice_id", invoiceID.String()),
				zap.Error(err),
			)
		}
	}()
}
