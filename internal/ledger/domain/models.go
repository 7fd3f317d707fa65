// Package domain contains the double-entry journal lines written by the
// accounting poster. The billing engine itself only reads them: balance
// computation aggregates posted lines, and the reconciliation sweep checks
// for their absence.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AccountCode identifies an account in the chart of accounts.
type AccountCode string

const (
	AccountCodeAccountsReceivable AccountCode = "accounts_receivable"
	AccountCodeCash               AccountCode = "cash"
	AccountCodeRevenue            AccountCode = "revenue"
	AccountCodeTaxPayable         AccountCode = "tax_payable"
)

// LedgerLine is one side of a double-entry posting, tied to a partner
// (patient or supplier) and an account.
type LedgerLine struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index"`
	CompanyID   snowflake.ID `gorm:"not null;index"`
	PartnerID   snowflake.ID `gorm:"not null;index"`
	AccountCode AccountCode  `gorm:"type:text;not null;index"`
	SourceType  string       `gorm:"type:text;not null;index"`
	SourceID    snowflake.ID `gorm:"not null;index"`
	Debit       int64        `gorm:"not null;default:0"`
	Credit      int64        `gorm:"not null;default:0"`
	Posted      bool         `gorm:"not null;default:false;index"`
	OccurredAt  time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerLine) TableName() string { return "ledger_lines" }
