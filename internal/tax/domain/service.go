package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Resolution is the effective tax for one invoice line. A nil RateID with a
// zero Rate means no tax applies.
type Resolution struct {
	RateID *snowflake.ID
	Rate   float64
}

// None reports whether no tax applies.
func (r Resolution) None() bool {
	return r.RateID == nil && r.Rate == 0
}

// Resolver resolves the effective tax for a product within a company, walking
// the rule/procurement/category waterfall.
type Resolver interface {
	ResolveForProduct(ctx context.Context, companyID snowflake.ID, productID *snowflake.ID) (Resolution, error)
}

var (
	ErrInvalidCompany = errors.New("invalid_company")
)
