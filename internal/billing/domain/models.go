// Package domain contains persistence models and the service contract for
// the billing and settlement engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SettleTolerance absorbs floating rounding when deciding whether an
// invoice is fully settled: 1 minor unit == 0.01 currency units.
const SettleTolerance int64 = 1

// InvoiceStatus represents invoice lifecycle states.
// draft -> posted -> paid, with draft|posted -> cancelled as a side
// terminal transition. Nothing returns from paid or cancelled.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusPosted    InvoiceStatus = "posted"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether the status is a known lifecycle state.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusPosted, InvoiceStatusPaid, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further lifecycle moves.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

// PaymentMethod enumerates accepted payment channels.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodUPI          PaymentMethod = "upi"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodInsurance    PaymentMethod = "insurance"
	PaymentMethodAdjustment   PaymentMethod = "adjustment"
)

// Valid reports whether the method is a known payment channel.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodUPI,
		PaymentMethodBankTransfer, PaymentMethodInsurance, PaymentMethodAdjustment:
		return true
	default:
		return false
	}
}

// Invoice is a tenant+company scoped billing document. All amounts are in
// minor units. Derived totals are recomputed from scratch on every edit.
//
// Invariants after any committed write:
//
//	Total == max(0, Subtotal + TotalTax - TotalDiscount)
//	OutstandingAmount == max(0, Total - TotalPaid), forced 0 when paid
type Invoice struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	TenantID      snowflake.ID  `gorm:"not null;index"`
	CompanyID     snowflake.ID  `gorm:"not null;index"`
	BranchID      snowflake.ID  `gorm:"index"`
	InvoiceNumber string        `gorm:"type:text;not null;index"`
	PatientID     snowflake.ID  `gorm:"not null;index"`
	AppointmentID *snowflake.ID `gorm:"index"`

	Status      InvoiceStatus `gorm:"type:text;not null;default:'draft'"`
	InvoiceDate time.Time     `gorm:"not null;index"`
	DueDate     *time.Time    `gorm:""`

	Currency     string  `gorm:"type:text;not null"`
	CurrencyRate float64 `gorm:"not null;default:1"`

	Subtotal          int64 `gorm:"not null;default:0"`
	TotalTax          int64 `gorm:"not null;default:0"`
	TotalDiscount     int64 `gorm:"not null;default:0"`
	Total             int64 `gorm:"not null;default:0"`
	TotalPaid         int64 `gorm:"not null;default:0"`
	OutstandingAmount int64 `gorm:"not null;default:0"`

	Metadata  datatypes.JSONMap `gorm:"not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLine is owned exclusively by one invoice, ordered by LineIndex.
// Lines are replaced wholesale on edit, never diffed.
//
//	NetAmount == round(Quantity*UnitPrice) - DiscountAmount
//	TaxAmount == round(max(0, NetAmount) * Rate/100)
type InvoiceLine struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	InvoiceID      snowflake.ID  `gorm:"not null;index"`
	LineIndex      int           `gorm:"not null"`
	Description    string        `gorm:"type:text;not null"`
	Quantity       float64       `gorm:"not null"`
	UnitPrice      int64         `gorm:"not null"`
	DiscountAmount int64         `gorm:"not null;default:0"`
	TaxRateID      *snowflake.ID `gorm:"index"`
	TaxAmount      int64         `gorm:"not null;default:0"`
	NetAmount      int64         `gorm:"not null;default:0"`
	ProductID      *snowflake.ID `gorm:"index"`
	UOMID          *snowflake.ID `gorm:"index"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// Payment is owned by exactly one invoice. Append-only within the invoice's
// active lifetime; edits rewrite the full set. A non-empty Reference must be
// unique per tenant+company; the filtered unique index backs the application
// pre-check so a racing writer hits a constraint, not silent duplication.
type Payment struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	TenantID  snowflake.ID  `gorm:"not null;index;uniqueIndex:uq_payments_reference,priority:1"`
	CompanyID snowflake.ID  `gorm:"not null;index;uniqueIndex:uq_payments_reference,priority:2"`
	InvoiceID snowflake.ID  `gorm:"not null;index"`
	Amount    int64         `gorm:"not null"`
	Method    PaymentMethod `gorm:"type:text;not null"`
	Reference string        `gorm:"type:text;index;uniqueIndex:uq_payments_reference,priority:3,where:reference <> ''"`
	PaidAt    time.Time     `gorm:"not null"`
	CreatedAt time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// InvoiceSequence is the per-company-per-fiscal-year numbering counter,
// incremented under a row lock inside the invoice transaction.
type InvoiceSequence struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CompanyID  snowflake.ID `gorm:"not null;uniqueIndex:ux_invoice_seq_company_fy,priority:1"`
	FiscalYear string       `gorm:"type:text;not null;uniqueIndex:ux_invoice_seq_company_fy,priority:2"`
	LastValue  int64        `gorm:"not null;default:0"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }
