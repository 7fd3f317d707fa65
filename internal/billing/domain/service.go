package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	procurementdomain "github.com/nidaanhealth/carebill/internal/procurement/domain"
)

// LinePayload is one submitted invoice line. An explicit TaxRateID wins over
// waterfall resolution; otherwise the tax engine resolves by product.
type LinePayload struct {
	Description    string        `json:"description"`
	Quantity       float64       `json:"quantity"`
	UnitPrice      int64         `json:"unit_price"`
	DiscountAmount int64         `json:"discount_amount"`
	TaxRateID      *snowflake.ID `json:"tax_rate_id,omitempty"`
	ProductID      *snowflake.ID `json:"product_id,omitempty"`
	UOMID          *snowflake.ID `json:"uom_id,omitempty"`
}

// PaymentPayload is one submitted payment.
type PaymentPayload struct {
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Reference string        `json:"reference,omitempty"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
}

// InvoicePayload is the full submitted invoice body, shared by Create and
// Update. On Update the line and payment sets replace the stored ones
// wholesale.
type InvoicePayload struct {
	PatientID      *snowflake.ID    `json:"patient_id,omitempty"`
	PatientCode    string           `json:"patient_code,omitempty"`
	AppointmentID  *snowflake.ID    `json:"appointment_id,omitempty"`
	InvoiceDate    time.Time        `json:"invoice_date"`
	DueDate        *time.Time       `json:"due_date,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	CurrencyRate   float64          `json:"currency_rate,omitempty"`
	Status         InvoiceStatus    `json:"status,omitempty"`
	GlobalDiscount int64            `json:"global_discount"`
	Lines          []LinePayload    `json:"lines"`
	Payments       []PaymentPayload `json:"payments"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// PaymentResult is the outcome of RecordPayment. Warning carries a
// non-fatal accounting-posting failure.
type PaymentResult struct {
	Invoice *Invoice `json:"invoice"`
	Warning string   `json:"warning,omitempty"`
}

// StatusResult is the outcome of UpdateInvoiceStatus.
type StatusResult struct {
	Invoice *Invoice `json:"invoice"`
	Warning string   `json:"warning,omitempty"`
}

// SettlementResult is the outcome of bulk settlement. RemainingOffset is the
// unapplied leftover once every outstanding invoice is covered; it is
// surfaced, not persisted as a credit.
type SettlementResult struct {
	SettledCount    int      `json:"settled_count"`
	RemainingOffset int64    `json:"remaining_offset"`
	Message         string   `json:"message"`
	Warnings        []string `json:"warnings,omitempty"`
}

// BalanceType classifies an effective balance.
type BalanceType string

const (
	BalanceTypeDue     BalanceType = "due"
	BalanceTypeAdvance BalanceType = "advance"
)

// BalanceBreakdown separates the posted-ledger and draft components of an
// effective balance.
type BalanceBreakdown struct {
	LedgerBalance    int64 `json:"ledger_balance"`
	DraftOutstanding int64 `json:"draft_outstanding"`
}

// BalanceResult is a patient's effective balance. Positive means the
// patient owes.
type BalanceResult struct {
	Balance   int64            `json:"balance"`
	Type      BalanceType      `json:"type"`
	Breakdown BalanceBreakdown `json:"breakdown"`
}

// Service is the engine's in-process boundary. Every mutating operation
// requires a tenantctx identity on the context and runs inside one atomic
// storage transaction.
type Service interface {
	CreateInvoice(ctx context.Context, payload InvoicePayload) (*Invoice, error)
	UpdateInvoice(ctx context.Context, id snowflake.ID, payload InvoicePayload) (*Invoice, error)
	CancelInvoice(ctx context.Context, id snowflake.ID) error
	UpdateInvoiceStatus(ctx context.Context, id snowflake.ID, status InvoiceStatus) (StatusResult, error)
	RecordPayment(ctx context.Context, id snowflake.ID, payment PaymentPayload, targetStatus InvoiceStatus) (PaymentResult, error)
	SettlePatientDues(ctx context.Context, patientID snowflake.ID, amount int64, method PaymentMethod, reference string) (SettlementResult, error)
	GetPatientBalance(ctx context.Context, patientID snowflake.ID) (BalanceResult, error)
	GetPatientOutstandingBalance(ctx context.Context, patientID snowflake.ID) (BalanceResult, error)
	GetOutstandingInvoices(ctx context.Context, patientID snowflake.ID) ([]Invoice, error)
	GetOutstandingPurchaseBills(ctx context.Context, supplierID snowflake.ID) ([]procurementdomain.PurchaseInvoice, error)
}
