// Package domain contains the product catalog referenced by invoice lines
// and the tax resolution waterfall.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ProductCategory groups products and carries the category-level default tax.
type ProductCategory struct {
	ID               snowflake.ID  `gorm:"primaryKey"`
	CompanyID        snowflake.ID  `gorm:"not null;index"`
	Name             string        `gorm:"type:text;not null"`
	DefaultTaxRateID *snowflake.ID `gorm:"index"`
	CreatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProductCategory) TableName() string { return "product_categories" }

// Product is a billable item. Services default to tax-exempt unless an
// explicit product tax rule is configured.
type Product struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	CompanyID  snowflake.ID  `gorm:"not null;index"`
	Name       string        `gorm:"type:text;not null"`
	IsService  bool          `gorm:"not null;default:false"`
	CategoryID *snowflake.ID `gorm:"index"`
	UnitPrice  int64         `gorm:"not null;default:0"`
	CreatedAt  time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }

// UnitOfMeasure is the unit an invoice line quantity is expressed in.
type UnitOfMeasure struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CompanyID snowflake.ID `gorm:"not null;index"`
	Name      string       `gorm:"type:text;not null"`
	Symbol    string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UnitOfMeasure) TableName() string { return "units_of_measure" }

var ErrProductNotFound = errors.New("product_not_found")
