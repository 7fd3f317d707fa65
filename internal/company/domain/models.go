// Package domain contains the company profile consumed by the billing engine.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Company is a tenant-scoped operating entity. Invoice numbering and the
// fiscal lock date are configured here.
type Company struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"not null;index"`
	Name     string       `gorm:"type:text;not null"`
	Prefix   string       `gorm:"type:text;not null"`
	Currency string       `gorm:"type:text;not null;default:'INR'"`

	// LockDate closes the fiscal period: documents dated on/before it
	// cannot be mutated.
	LockDate *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Company) TableName() string { return "companies" }

var ErrNotFound = errors.New("company_not_found")
