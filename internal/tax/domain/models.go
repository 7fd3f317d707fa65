// Package domain contains tax configuration and the resolution contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TaxRate is a company-scoped percentage rate. At most one rate per company
// should be flagged default.
type TaxRate struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CompanyID snowflake.ID `gorm:"not null;index"`
	Name      string       `gorm:"type:text;not null"`
	Rate      float64      `gorm:"not null"` // percentage, e.g. 18 for 18%
	IsDefault bool         `gorm:"not null;default:false"`
	Active    bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TaxRate) TableName() string { return "tax_rates" }

// ProductTaxRule overrides the resolved tax for a product. The highest
// active priority wins unconditionally over every other source.
type ProductTaxRule struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CompanyID snowflake.ID `gorm:"not null;index"`
	ProductID snowflake.ID `gorm:"not null;index"`
	TaxRateID snowflake.ID `gorm:"not null;index"`
	Priority  int          `gorm:"not null;default:0"`
	Active    bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProductTaxRule) TableName() string { return "product_tax_rules" }
