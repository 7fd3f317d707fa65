// Package domain contains patient records referenced by billing documents.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MetadataKeyRegistrationFeePaid marks that the one-time registration fee
// was billed on a posted/paid invoice. Stamped once, never cleared.
const MetadataKeyRegistrationFeePaid = "registration_fee_paid"

// Patient is a tenant+company scoped person record. Code is the
// human-readable identifier printed on cards and accepted by billing
// operations in place of the raw ID.
type Patient struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index"`
	CompanyID snowflake.ID      `gorm:"not null;index"`
	Code      string            `gorm:"type:text;not null;index"`
	Name      string            `gorm:"type:text;not null"`
	Phone     string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Patient) TableName() string { return "patients" }

var ErrNotFound = errors.New("patient_not_found")
