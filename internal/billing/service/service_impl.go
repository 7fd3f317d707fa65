package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/nidaanhealth/carebill/internal/accounting/domain"
	accountingservice "github.com/nidaanhealth/carebill/internal/accounting/service"
	appointmentdomain "github.com/nidaanhealth/carebill/internal/appointment/domain"
	auditdomain "github.com/nidaanhealth/carebill/internal/audit/domain"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/clock"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	"github.com/nidaanhealth/carebill/internal/notify"
	obsmetrics "github.com/nidaanhealth/carebill/internal/observability/metrics"
	patientdomain "github.com/nidaanhealth/carebill/internal/patient/domain"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	"github.com/nidaanhealth/carebill/internal/tenantctx"
	pkgdb "github.com/nidaanhealth/carebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// registrationFeeLine is the one-time line description that stamps the
// patient's metadata when billed on a posted/paid invoice.
const registrationFeeLine = "Registration Fee"

// mutationTimeout bounds every multi-row invoice transaction. Generous
// because bulk settlement may touch many invoices.
const mutationTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Resolver   taxdomain.Resolver
	Poster     accountingdomain.Poster
	Dispatcher *accountingservice.Dispatcher
	AuditSvc   auditdomain.Service
	Notifier   notify.Sender
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	resolver   taxdomain.Resolver
	poster     accountingdomain.Poster
	dispatcher *accountingservice.Dispatcher
	auditSvc   auditdomain.Service
	notifier   notify.Sender
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		resolver:   p.Resolver,
		poster:     p.Poster,
		dispatcher: p.Dispatcher,
		auditSvc:   p.AuditSvc,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
	}
}

func (s *Service) CreateInvoice(ctx context.Context, payload billingdomain.InvoicePayload) (*billingdomain.Invoice, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}
	if len(payload.Lines) == 0 {
		return nil, billingdomain.ErrEmptyLines
	}
	if err := validatePayments(payload.Payments); err != nil {
		return nil, err
	}
	status := payload.Status
	if status == "" {
		status = billingdomain.InvoiceStatusDraft
	}
	if !status.Valid() || status == billingdomain.InvoiceStatusCancelled {
		return nil, billingdomain.ErrInvalidStatus
	}

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var created *billingdomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		company, err := s.loadCompany(ctx, tx, id)
		if err != nil {
			return err
		}
		patient, err := s.resolvePatient(ctx, tx, id, payload)
		if err != nil {
			return err
		}

		invoiceDate := payload.InvoiceDate
		if invoiceDate.IsZero() {
			invoiceDate = s.clock.Now()
		}

		number, err := s.nextInvoiceNumber(ctx, tx, company, invoiceDate)
		if err != nil {
			return err
		}

		invoiceID := s.genID.Generate()
		lines, subtotal, totalTax, err := s.buildLines(ctx, id.CompanyID, invoiceID, payload.Lines)
		if err != nil {
			return err
		}
		total := floorZero(subtotal + totalTax - payload.GlobalDiscount)

		payments, totalPaid, err := s.buildPayments(ctx, tx, id, invoiceID, payload.Payments)
		if err != nil {
			return err
		}

		outstanding := floorZero(total - totalPaid)
		if total > 0 && totalPaid > 0 && outstanding <= billingdomain.SettleTolerance {
			status = billingdomain.InvoiceStatusPaid
		}
		if status == billingdomain.InvoiceStatusPaid {
			outstanding = 0
		}

		currency := payload.Currency
		if currency == "" {
			currency = company.Currency
		}
		currencyRate := payload.CurrencyRate
		if currencyRate == 0 {
			currencyRate = 1
		}

		now := s.clock.Now()
		invoice := billingdomain.Invoice{
			ID:                invoiceID,
			TenantID:          id.TenantID,
			CompanyID:         id.CompanyID,
			BranchID:          id.BranchID,
			InvoiceNumber:     number,
			PatientID:         patient.ID,
			AppointmentID:     payload.AppointmentID,
			Status:            status,
			InvoiceDate:       invoiceDate,
			DueDate:           payload.DueDate,
			Currency:          currency,
			CurrencyRate:      currencyRate,
			Subtotal:          subtotal,
			TotalTax:          totalTax,
			TotalDiscount:     payload.GlobalDiscount,
			Total:             total,
			TotalPaid:         totalPaid,
			OutstandingAmount: outstanding,
			Metadata:          metadataMap(payload.Metadata),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&invoice).Error; err != nil {
			return s.persistErr(err, "invoice")
		}
		if err := tx.Create(&lines).Error; err != nil {
			return s.persistErr(err, "invoice_lines")
		}
		if len(payments) > 0 {
			if err := tx.Create(&payments).Error; err != nil {
				return s.rewriteDuplicateRef(err, "payments")
			}
		}

		if status == billingdomain.InvoiceStatusPaid && invoice.AppointmentID != nil {
			if err := s.markAppointmentCompleted(ctx, tx, *invoice.AppointmentID); err != nil {
				return err
			}
		}

		if status != billingdomain.InvoiceStatusDraft {
			if err := s.dispatcher.Enqueue(ctx, tx, &invoice, id.ActorID); err != nil {
				return err
			}
		}

		created = &invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.countWrite("create")
	s.emitAudit(ctx, "invoice.created", created)
	return created, nil
}

func (s *Service) UpdateInvoice(ctx context.Context, invoiceID snowflake.ID, payload billingdomain.InvoicePayload) (*billingdomain.Invoice, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}
	if len(payload.Lines) == 0 {
		return nil, billingdomain.ErrEmptyLines
	}
	if err := validatePayments(payload.Payments); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var updated *billingdomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == billingdomain.InvoiceStatusCancelled {
			return billingdomain.ErrInvoiceCancelled
		}
		if invoice.Status == billingdomain.InvoiceStatusPaid {
			// Paid invoices take further payments through settlement,
			// never line edits.
			return billingdomain.ErrLocked
		}
		if err := s.checkMutationAllowed(ctx, tx, id, invoice); err != nil {
			return err
		}

		status, err := requestedStatus(invoice.Status, payload.Status)
		if err != nil {
			return err
		}

		lines, subtotal, totalTax, err := s.buildLines(ctx, id.CompanyID, invoice.ID, payload.Lines)
		if err != nil {
			return err
		}
		total := floorZero(subtotal + totalTax - payload.GlobalDiscount)

		// Full replacement, not a diff: delete-all then recreate keeps the
		// write idempotent on retry.
		if err := tx.Where("invoice_id = ?", invoice.ID).Delete(&billingdomain.InvoiceLine{}).Error; err != nil {
			return s.persistErr(err, "invoice_lines")
		}
		if err := tx.Create(&lines).Error; err != nil {
			return s.persistErr(err, "invoice_lines")
		}
		if err := tx.Where("invoice_id = ?", invoice.ID).Delete(&billingdomain.Payment{}).Error; err != nil {
			return s.persistErr(err, "payments")
		}
		payments, totalPaid, err := s.buildPayments(ctx, tx, id, invoice.ID, payload.Payments)
		if err != nil {
			return err
		}
		if len(payments) > 0 {
			if err := tx.Create(&payments).Error; err != nil {
				return s.rewriteDuplicateRef(err, "payments")
			}
		}

		// Replacement payments above the new total spill over to the
		// patient's other posted invoices, oldest first.
		if excess := totalPaid - total; excess > billingdomain.SettleTolerance {
			totalPaid = total
			others, err := s.outstandingInvoicesTx(ctx, tx, id, invoice.PatientID,
				[]billingdomain.InvoiceStatus{billingdomain.InvoiceStatusPosted}, invoice.ID)
			if err != nil {
				return err
			}
			if _, _, err := s.allocate(ctx, tx, id, others, excess,
				billingdomain.PaymentMethodAdjustment, "", s.clock.Now()); err != nil {
				return err
			}
		}

		outstanding := floorZero(total - totalPaid)
		if total > 0 && totalPaid > 0 && outstanding <= billingdomain.SettleTolerance {
			status = billingdomain.InvoiceStatusPaid
		}
		if status == billingdomain.InvoiceStatusPaid {
			outstanding = 0
		}

		if status == billingdomain.InvoiceStatusPaid && invoice.AppointmentID != nil {
			if err := s.markAppointmentCompleted(ctx, tx, *invoice.AppointmentID); err != nil {
				return err
			}
		}
		if status != billingdomain.InvoiceStatusDraft && hasLine(payload.Lines, registrationFeeLine) {
			if err := s.stampRegistrationFee(ctx, tx, id, invoice.PatientID); err != nil {
				return err
			}
		}

		// Final corrective write: recompute-derived totals win over anything
		// an out-of-band trigger may have written from a partial line state.
		now := s.clock.Now()
		updates := map[string]any{
			"status":             status,
			"invoice_date":       invoice.InvoiceDate,
			"subtotal":           subtotal,
			"total_tax":          totalTax,
			"total_discount":     payload.GlobalDiscount,
			"total":              total,
			"total_paid":         totalPaid,
			"outstanding_amount": outstanding,
			"updated_at":         now,
		}
		if payload.DueDate != nil {
			updates["due_date"] = payload.DueDate
		}
		if err := tx.Model(&billingdomain.Invoice{}).Where("id = ?", invoice.ID).Updates(updates).Error; err != nil {
			return s.persistErr(err, "invoice")
		}

		if status != billingdomain.InvoiceStatusDraft {
			if err := s.dispatcher.Enqueue(ctx, tx, invoice, id.ActorID); err != nil {
				return err
			}
		}

		invoice.Status = status
		invoice.Subtotal = subtotal
		invoice.TotalTax = totalTax
		invoice.TotalDiscount = payload.GlobalDiscount
		invoice.Total = total
		invoice.TotalPaid = totalPaid
		invoice.OutstandingAmount = outstanding
		invoice.UpdatedAt = now
		updated = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.countWrite("update")
	s.emitAudit(ctx, "invoice.updated", updated)
	return updated, nil
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID snowflake.ID) error {
	id, err := s.identity(ctx)
	if err != nil {
		return err
	}

	var cancelled *billingdomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == billingdomain.InvoiceStatusCancelled {
			return billingdomain.ErrInvoiceCancelled
		}
		if invoice.Status == billingdomain.InvoiceStatusPaid {
			return billingdomain.ErrInvalidStatus
		}
		if err := s.checkMutationAllowed(ctx, tx, id, invoice); err != nil {
			return err
		}

		if err := tx.Model(&billingdomain.Invoice{}).Where("id = ?", invoice.ID).Updates(map[string]any{
			"status":     billingdomain.InvoiceStatusCancelled,
			"updated_at": s.clock.Now(),
		}).Error; err != nil {
			return s.persistErr(err, "invoice")
		}
		invoice.Status = billingdomain.InvoiceStatusCancelled
		cancelled = invoice
		return nil
	})
	if err != nil {
		return err
	}

	s.countWrite("cancel")
	s.emitAudit(ctx, "invoice.cancelled", cancelled)
	return nil
}

func (s *Service) UpdateInvoiceStatus(ctx context.Context, invoiceID snowflake.ID, status billingdomain.InvoiceStatus) (billingdomain.StatusResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return billingdomain.StatusResult{}, err
	}
	// Direct moves go forward only: cancellation has its own operation and
	// nothing returns to draft.
	if status != billingdomain.InvoiceStatusPosted && status != billingdomain.InvoiceStatusPaid {
		return billingdomain.StatusResult{}, billingdomain.ErrInvalidStatus
	}

	var updated *billingdomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == status {
			updated = invoice
			return nil
		}
		if invoice.Status.Terminal() {
			return billingdomain.ErrInvalidStatus
		}
		if err := s.checkMutationAllowed(ctx, tx, id, invoice); err != nil {
			return err
		}

		updates := map[string]any{
			"status":     status,
			"updated_at": s.clock.Now(),
		}
		switch status {
		case billingdomain.InvoiceStatusPaid:
			updates["outstanding_amount"] = int64(0)
			invoice.OutstandingAmount = 0
		case billingdomain.InvoiceStatusPosted:
			updates["outstanding_amount"] = invoice.Total
			invoice.OutstandingAmount = invoice.Total
		}
		if err := tx.Model(&billingdomain.Invoice{}).Where("id = ?", invoice.ID).Updates(updates).Error; err != nil {
			return s.persistErr(err, "invoice")
		}
		invoice.Status = status
		updated = invoice
		return nil
	})
	if err != nil {
		return billingdomain.StatusResult{}, err
	}

	result := billingdomain.StatusResult{Invoice: updated}
	if status == billingdomain.InvoiceStatusPosted || status == billingdomain.InvoiceStatusPaid {
		// Awaited, but failure degrades to a warning: the invoice is the
		// source of truth and the ledger catches up via reconciliation.
		if postErr := s.postInvoice(ctx, updated.ID, id.ActorID); postErr != nil {
			result.Warning = fmt.Sprintf("accounting posting failed: %v", postErr)
		}
	}

	s.countWrite("update_status")
	s.emitAudit(ctx, "invoice.status_changed", updated)
	return result, nil
}

// --- helpers ---

func (s *Service) identity(ctx context.Context) (tenantctx.Identity, error) {
	id, ok := tenantctx.FromContext(ctx)
	if !ok || !id.Valid() {
		return tenantctx.Identity{}, billingdomain.ErrUnauthorized
	}
	return id, nil
}

// forUpdate adds a row lock where the dialect supports one. SQLite
// serializes writers, so the clause is omitted there.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, invoiceID snowflake.ID) (*billingdomain.Invoice, error) {
	var invoice billingdomain.Invoice
	err := forUpdate(tx.WithContext(ctx)).
		Where(&billingdomain.Invoice{ID: invoiceID, TenantID: id.TenantID, CompanyID: id.CompanyID}).
		First(&invoice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, billingdomain.ErrInvoiceNotFound
		}
		return nil, s.persistErr(err, "invoice")
	}
	return &invoice, nil
}

func (s *Service) loadCompany(ctx context.Context, tx *gorm.DB, id tenantctx.Identity) (*companydomain.Company, error) {
	var company companydomain.Company
	err := tx.WithContext(ctx).
		Where(&companydomain.Company{ID: id.CompanyID, TenantID: id.TenantID}).
		First(&company).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, companydomain.ErrNotFound
		}
		return nil, s.persistErr(err, "company")
	}
	return &company, nil
}

// resolvePatient accepts either a raw identifier or a human-readable
// patient code.
func (s *Service) resolvePatient(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, payload billingdomain.InvoicePayload) (*patientdomain.Patient, error) {
	filter := patientdomain.Patient{TenantID: id.TenantID, CompanyID: id.CompanyID}
	switch {
	case payload.PatientID != nil && *payload.PatientID != 0:
		filter.ID = *payload.PatientID
	case strings.TrimSpace(payload.PatientCode) != "":
		filter.Code = strings.TrimSpace(payload.PatientCode)
	default:
		return nil, patientdomain.ErrNotFound
	}

	var patient patientdomain.Patient
	err := tx.WithContext(ctx).Where(&filter).First(&patient).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, patientdomain.ErrNotFound
		}
		return nil, s.persistErr(err, "patient")
	}
	return &patient, nil
}

// buildLines computes every line from scratch: resolved tax, net and tax
// amounts, and the running subtotal/tax totals.
func (s *Service) buildLines(ctx context.Context, companyID, invoiceID snowflake.ID, payloads []billingdomain.LinePayload) ([]billingdomain.InvoiceLine, int64, int64, error) {
	lines := make([]billingdomain.InvoiceLine, 0, len(payloads))
	var subtotal, totalTax int64
	now := s.clock.Now()

	for i, p := range payloads {
		resolution, err := s.resolveLineTax(ctx, companyID, p)
		if err != nil {
			return nil, 0, 0, err
		}

		net := roundMoney(p.Quantity*float64(p.UnitPrice)) - p.DiscountAmount
		tax := roundMoney(float64(floorZero(net)) * resolution.Rate / 100)

		lines = append(lines, billingdomain.InvoiceLine{
			ID:             s.genID.Generate(),
			InvoiceID:      invoiceID,
			LineIndex:      i,
			Description:    p.Description,
			Quantity:       p.Quantity,
			UnitPrice:      p.UnitPrice,
			DiscountAmount: p.DiscountAmount,
			TaxRateID:      resolution.RateID,
			TaxAmount:      tax,
			NetAmount:      net,
			ProductID:      p.ProductID,
			UOMID:          p.UOMID,
			CreatedAt:      now,
		})
		subtotal += net
		totalTax += tax
	}
	return lines, subtotal, totalTax, nil
}

// resolveLineTax prefers an explicitly submitted rate id when it is still
// active; anything else goes through the waterfall.
func (s *Service) resolveLineTax(ctx context.Context, companyID snowflake.ID, line billingdomain.LinePayload) (taxdomain.Resolution, error) {
	if line.TaxRateID != nil && *line.TaxRateID != 0 {
		var rate taxdomain.TaxRate
		err := s.db.WithContext(ctx).
			Where("id = ? AND company_id = ? AND active = ?", *line.TaxRateID, companyID, true).
			First(&rate).Error
		if err == nil {
			id := rate.ID
			return taxdomain.Resolution{RateID: &id, Rate: rate.Rate}, nil
		}
		if err != gorm.ErrRecordNotFound {
			return taxdomain.Resolution{}, err
		}
		// Stale explicit id: fall through to the waterfall.
	}
	return s.resolver.ResolveForProduct(ctx, companyID, line.ProductID)
}

// buildPayments validates references and materializes payment rows.
func (s *Service) buildPayments(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, invoiceID snowflake.ID, payloads []billingdomain.PaymentPayload) ([]billingdomain.Payment, int64, error) {
	payments := make([]billingdomain.Payment, 0, len(payloads))
	var totalPaid int64
	seen := map[string]bool{}
	now := s.clock.Now()

	for _, p := range payloads {
		reference := strings.TrimSpace(p.Reference)
		if reference != "" {
			if seen[reference] {
				return nil, 0, billingdomain.ErrDuplicateReference
			}
			seen[reference] = true
			if err := s.checkReferenceFree(ctx, tx, id, reference); err != nil {
				return nil, 0, err
			}
		}

		paidAt := now
		if p.PaidAt != nil {
			paidAt = *p.PaidAt
		}
		payments = append(payments, billingdomain.Payment{
			ID:        s.genID.Generate(),
			TenantID:  id.TenantID,
			CompanyID: id.CompanyID,
			InvoiceID: invoiceID,
			Amount:    p.Amount,
			Method:    p.Method,
			Reference: reference,
			PaidAt:    paidAt,
			CreatedAt: now,
		})
		totalPaid += p.Amount
	}
	return payments, totalPaid, nil
}

// checkReferenceFree rejects a non-empty reference already used by any
// payment of the same tenant+company, the invoice's own included.
func (s *Service) checkReferenceFree(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, reference string) error {
	var count int64
	err := tx.WithContext(ctx).Model(&billingdomain.Payment{}).
		Where("tenant_id = ? AND company_id = ? AND reference = ?",
			id.TenantID, id.CompanyID, reference).
		Count(&count).Error
	if err != nil {
		return s.persistErr(err, "payments")
	}
	if count > 0 {
		return billingdomain.ErrDuplicateReference
	}
	return nil
}

func (s *Service) markAppointmentCompleted(ctx context.Context, tx *gorm.DB, appointmentID snowflake.ID) error {
	err := tx.WithContext(ctx).Model(&appointmentdomain.Appointment{}).
		Where("id = ?", appointmentID).
		Updates(map[string]any{
			"status":     appointmentdomain.AppointmentStatusCompleted,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		return s.persistErr(err, "appointment")
	}
	return nil
}

// stampRegistrationFee sets the one-time flag on the patient's metadata.
func (s *Service) stampRegistrationFee(ctx context.Context, tx *gorm.DB, id tenantctx.Identity, patientID snowflake.ID) error {
	var patient patientdomain.Patient
	err := tx.WithContext(ctx).
		Where(&patientdomain.Patient{ID: patientID, TenantID: id.TenantID, CompanyID: id.CompanyID}).
		First(&patient).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return patientdomain.ErrNotFound
		}
		return s.persistErr(err, "patient")
	}
	if flagged, _ := patient.Metadata[patientdomain.MetadataKeyRegistrationFeePaid].(bool); flagged {
		return nil
	}

	metadata := patient.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	metadata[patientdomain.MetadataKeyRegistrationFeePaid] = true
	err = tx.WithContext(ctx).Model(&patientdomain.Patient{}).
		Where("id = ?", patient.ID).
		Updates(map[string]any{
			"metadata":   metadata,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		return s.persistErr(err, "patient")
	}
	return nil
}

// postInvoice calls the accounting poster and records the attempt.
func (s *Service) postInvoice(ctx context.Context, invoiceID, actorID snowflake.ID) error {
	if s.metrics != nil {
		s.metrics.PostingAttempts.Inc()
	}
	err := s.poster.PostSalesInvoice(ctx, invoiceID, actorID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PostingFailures.Inc()
		}
		s.log.Warn("accounting posting failed",
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(err),
		)
	}
	return err
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *billingdomain.Invoice) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"patient_id":     invoice.PatientID.String(),
		"status":         string(invoice.Status),
		"total":          invoice.Total,
		"total_paid":     invoice.TotalPaid,
		"outstanding":    invoice.OutstandingAmount,
	}
	if err := s.auditSvc.AuditLog(ctx, action, "invoice", invoice.ID.String(), metadata); err != nil {
		s.log.Warn("failed to write invoice audit log", zap.Error(err))
	}
}

func (s *Service) countWrite(operation string) {
	if s.metrics != nil {
		s.metrics.InvoiceWrites.WithLabelValues(operation).Inc()
	}
}

// persistErr wraps a storage failure with a generated diagnostic code.
// Domain sentinels pass through untouched.
func (s *Service) persistErr(err error, field string) error {
	if err == nil {
		return nil
	}
	return &billingdomain.PersistenceError{
		Code:  s.genID.Generate().String(),
		Field: field,
		Err:   err,
	}
}

// rewriteDuplicateRef turns a raw unique-constraint failure on the payment
// reference into the user-facing duplicate-reference error.
func (s *Service) rewriteDuplicateRef(err error, field string) error {
	if err == nil {
		return nil
	}
	if pkgdb.IsDuplicateKeyErr(err) {
		return billingdomain.ErrDuplicateReference
	}
	return s.persistErr(err, field)
}

func validatePayments(payments []billingdomain.PaymentPayload) error {
	for _, p := range payments {
		if p.Amount <= 0 {
			return billingdomain.ErrInvalidAmount
		}
		if !p.Method.Valid() {
			return billingdomain.ErrInvalidMethod
		}
	}
	return nil
}

var statusRank = map[billingdomain.InvoiceStatus]int{
	billingdomain.InvoiceStatusDraft:  0,
	billingdomain.InvoiceStatusPosted: 1,
	billingdomain.InvoiceStatusPaid:   2,
}

// requestedStatus validates the status asked for on Update: forward moves
// only, cancellation goes through Cancel.
func requestedStatus(current, requested billingdomain.InvoiceStatus) (billingdomain.InvoiceStatus, error) {
	if requested == "" {
		return current, nil
	}
	if !requested.Valid() || requested == billingdomain.InvoiceStatusCancelled {
		return "", billingdomain.ErrInvalidStatus
	}
	if statusRank[requested] < statusRank[current] {
		return "", billingdomain.ErrInvalidStatus
	}
	return requested, nil
}

func hasLine(lines []billingdomain.LinePayload, description string) bool {
	for _, l := range lines {
		if strings.EqualFold(strings.TrimSpace(l.Description), description) {
			return true
		}
	}
	return false
}

func metadataMap(m map[string]any) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func roundMoney(v float64) int64 {
	return int64(math.Round(v))
}
