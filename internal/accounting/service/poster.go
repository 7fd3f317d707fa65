package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/nidaanhealth/carebill/internal/accounting/domain"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type PosterParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

// LedgerPoster is the default accounting poster. It writes balanced journal
// lines for a posted/paid invoice:
//
//	Debit:  Accounts Receivable (partner-tagged)  total
//	Credit: Revenue                               total - tax
//	Credit: Tax Payable                           tax
//
// and, when payments exist:
//
//	Debit:  Cash            total paid
//	Credit: Accounts Receivable (partner-tagged)  total paid
//
// Only receivable lines carry the partner, so a partner-scoped
// sum(debit)-sum(credit) yields what the patient owes. Posting replaces any
// lines previously written for the invoice, so the journal always reflects
// its current totals; re-posting an unchanged invoice is therefore a no-op
// in effect.
type LedgerPoster struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewLedgerPoster(p PosterParams) accountingdomain.Poster {
	return &LedgerPoster{
		db:    p.DB,
		log:   p.Log.Named("accounting.poster"),
		genID: p.GenID,
	}
}

func (p *LedgerPoster) PostSalesInvoice(ctx context.Context, invoiceID, actorID snowflake.ID) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice billingdomain.Invoice
		err := tx.Where(&billingdomain.Invoice{ID: invoiceID}).First(&invoice).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return accountingdomain.ErrInvoiceNotFound
			}
			return err
		}
		if invoice.Status != billingdomain.InvoiceStatusPosted && invoice.Status != billingdomain.InvoiceStatusPaid {
			return accountingdomain.ErrInvoiceNotPostable
		}

		err = tx.Where("source_type = ? AND source_id = ?",
			accountingdomain.SourceTypeSalesInvoice, invoice.ID).
			Delete(&ledgerdomain.LedgerLine{}).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		revenue := invoice.Total - invoice.TotalTax

		lines := []ledgerdomain.LedgerLine{
			{
				PartnerID:   invoice.PatientID,
				AccountCode: ledgerdomain.AccountCodeAccountsReceivable,
				Debit:       invoice.Total,
			},
			{
				AccountCode: ledgerdomain.AccountCodeRevenue,
				Credit:      revenue,
			},
		}
		if invoice.TotalTax > 0 {
			lines = append(lines, ledgerdomain.LedgerLine{
				AccountCode: ledgerdomain.AccountCodeTaxPayable,
				Credit:      invoice.TotalTax,
			})
		}
		if invoice.TotalPaid > 0 {
			lines = append(lines,
				ledgerdomain.LedgerLine{
					AccountCode: ledgerdomain.AccountCodeCash,
					Debit:       invoice.TotalPaid,
				},
				ledgerdomain.LedgerLine{
					PartnerID:   invoice.PatientID,
					AccountCode: ledgerdomain.AccountCodeAccountsReceivable,
					Credit:      invoice.TotalPaid,
				},
			)
		}

		for i := range lines {
			lines[i].ID = p.genID.Generate()
			lines[i].TenantID = invoice.TenantID
			lines[i].CompanyID = invoice.CompanyID
			lines[i].SourceType = accountingdomain.SourceTypeSalesInvoice
			lines[i].SourceID = invoice.ID
			lines[i].Posted = true
			lines[i].OccurredAt = invoice.InvoiceDate
			lines[i].CreatedAt = now
		}

		if err := tx.Create(&lines).Error; err != nil {
			return err
		}

		p.log.Info("posted sales invoice to ledger",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("actor_id", actorID.String()),
			zap.Int64("total", invoice.Total),
		)
		return nil
	})
}
