// Package domain contains procurement records. The billing engine reads them
// for two purposes: the legacy tax payload on the most recent procurement of
// a product feeds the tax resolution waterfall, and outstanding purchase
// invoices back the supplier dunning view.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PurchaseOrderLine is one line of an inbound purchase order. TaxPayload is
// the raw legacy blob, decoded by the tax resolver.
type PurchaseOrderLine struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	CompanyID  snowflake.ID   `gorm:"not null;index"`
	ProductID  snowflake.ID   `gorm:"not null;index"`
	Quantity   float64        `gorm:"not null"`
	UnitPrice  int64          `gorm:"not null"`
	LineTotal  int64          `gorm:"not null"`
	TaxPayload datatypes.JSON `gorm:""`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PurchaseOrderLine) TableName() string { return "purchase_order_lines" }

// PurchaseInvoiceStatus represents supplier bill lifecycle states.
type PurchaseInvoiceStatus string

const (
	PurchaseInvoiceStatusDraft     PurchaseInvoiceStatus = "draft"
	PurchaseInvoiceStatusPosted    PurchaseInvoiceStatus = "posted"
	PurchaseInvoiceStatusPaid      PurchaseInvoiceStatus = "paid"
	PurchaseInvoiceStatusCancelled PurchaseInvoiceStatus = "cancelled"
)

// PurchaseInvoice is a supplier bill. Only its outstanding amount is read
// by the billing engine.
type PurchaseInvoice struct {
	ID                snowflake.ID          `gorm:"primaryKey"`
	TenantID          snowflake.ID          `gorm:"not null;index"`
	CompanyID         snowflake.ID          `gorm:"not null;index"`
	SupplierID        snowflake.ID          `gorm:"not null;index"`
	BillNumber        string                `gorm:"type:text"`
	Status            PurchaseInvoiceStatus `gorm:"type:text;not null;default:'draft'"`
	Total             int64                 `gorm:"not null;default:0"`
	TotalPaid         int64                 `gorm:"not null;default:0"`
	OutstandingAmount int64                 `gorm:"not null;default:0"`
	BillDate          time.Time             `gorm:"not null"`
	CreatedAt         time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PurchaseInvoice) TableName() string { return "purchase_invoices" }

// PurchaseInvoiceLine is one line of a supplier bill, carrying the same
// legacy tax payload shape as order lines.
type PurchaseInvoiceLine struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	CompanyID         snowflake.ID   `gorm:"not null;index"`
	PurchaseInvoiceID snowflake.ID   `gorm:"not null;index"`
	ProductID         snowflake.ID   `gorm:"not null;index"`
	Quantity          float64        `gorm:"not null"`
	UnitPrice         int64          `gorm:"not null"`
	LineTotal         int64          `gorm:"not null"`
	TaxPayload        datatypes.JSON `gorm:""`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PurchaseInvoiceLine) TableName() string { return "purchase_invoice_lines" }
