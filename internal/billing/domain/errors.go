package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the tenant/session context is missing. Checked
	// first on every operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLocked means the fiscal period is closed for the document's date,
	// or the caller lacks the privilege to mutate a non-draft record.
	ErrLocked = errors.New("locked")

	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrInvoiceCancelled = errors.New("invoice_cancelled")
	ErrEmptyLines       = errors.New("empty_line_items")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidMethod    = errors.New("invalid_payment_method")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrInvalidTaxRate   = errors.New("invalid_tax_rate")

	// ErrDuplicateReference is the user-facing rewrite of a raw storage
	// unique-constraint failure on the payment reference.
	ErrDuplicateReference = errors.New("duplicate_payment_reference")
)

// PersistenceError wraps a storage failure with a generated diagnostic code
// and any available target-field detail. Never swallowed for the primary
// invoice/payment write.
type PersistenceError struct {
	Code  string
	Field string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("persistence failure [%s] on %s: %v", e.Code, e.Field, e.Err)
	}
	return fmt.Sprintf("persistence failure [%s]: %v", e.Code, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
