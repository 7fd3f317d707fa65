// Package domain contains the accounting poster contract and the outbox
// tasks that drive asynchronous posting with at-least-once delivery.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SourceTypeSalesInvoice tags ledger lines written for a sales invoice.
const SourceTypeSalesInvoice = "sales_invoice"

// Poster writes an invoice's financial effect into the double-entry ledger.
// Posting failures are non-fatal to the financial write that triggered them:
// callers log them or surface them as warnings.
type Poster interface {
	PostSalesInvoice(ctx context.Context, invoiceID, actorID snowflake.ID) error
}

// TaskStatus represents posting task states.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// PostingTask is one outbox row. Enqueued in the same transaction as the
// invoice write, drained by the dispatcher with bounded attempts.
type PostingTask struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index"`
	CompanyID snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	ActorID   snowflake.ID `gorm:"index"`
	Status    TaskStatus   `gorm:"type:text;not null;default:'pending';index"`
	Attempts  int          `gorm:"not null;default:0"`
	LastError string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PostingTask) TableName() string { return "posting_tasks" }

var (
	ErrInvoiceNotFound    = errors.New("posting_invoice_not_found")
	ErrInvoiceNotPostable = errors.New("invoice_not_postable")
)
