package service

import (
	"context"
	"math"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/nidaanhealth/carebill/internal/catalog/domain"
	procurementdomain "github.com/nidaanhealth/carebill/internal/procurement/domain"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// rateMatchEpsilon tolerates float drift when matching a derived rate back
// to a configured tax rate.
const rateMatchEpsilon = 0.01

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Resolver walks the per-line tax waterfall:
//
//  1. highest-priority active product tax rule
//  2. tax embedded in the most recent procurement record for the product
//  3. the product category's default rate (non-service products only)
//  4. no tax
//
// Service products with no explicit rule are tax-exempt regardless of
// steps 2-3. The final id is re-validated against the company's active
// rates; an invalid id falls back to the derived rate value alone.
type Resolver struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewResolver(p Params) taxdomain.Resolver {
	return &Resolver{
		db:  p.DB,
		log: p.Log.Named("tax.resolver"),
	}
}

func (r *Resolver) ResolveForProduct(ctx context.Context, companyID snowflake.ID, productID *snowflake.ID) (taxdomain.Resolution, error) {
	if companyID == 0 {
		return taxdomain.Resolution{}, taxdomain.ErrInvalidCompany
	}
	if productID == nil || *productID == 0 {
		return taxdomain.Resolution{}, nil
	}

	active, err := r.activeRates(ctx, companyID)
	if err != nil {
		return taxdomain.Resolution{}, err
	}

	var product catalogdomain.Product
	err = r.db.WithContext(ctx).
		Where(&catalogdomain.Product{ID: *productID, CompanyID: companyID}).
		First(&product).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return taxdomain.Resolution{}, nil
		}
		return taxdomain.Resolution{}, err
	}

	// Step 1: an active product rule wins unconditionally.
	rule, err := r.topRule(ctx, companyID, product.ID)
	if err != nil {
		return taxdomain.Resolution{}, err
	}
	if rule != nil {
		if rate, ok := active[rule.TaxRateID]; ok {
			id := rule.TaxRateID
			return taxdomain.Resolution{RateID: &id, Rate: rate.Rate}, nil
		}
		r.log.Warn("product tax rule references inactive rate",
			zap.String("product_id", product.ID.String()),
			zap.String("tax_rate_id", rule.TaxRateID.String()),
		)
	}

	// Services default tax-exempt unless explicitly configured.
	if product.IsService {
		return taxdomain.Resolution{}, nil
	}

	// Step 2: tax carried on the most recent procurement of this product.
	if res, ok, err := r.fromProcurement(ctx, companyID, product.ID, active); err != nil {
		return taxdomain.Resolution{}, err
	} else if ok {
		return res, nil
	}

	// Step 3: category default.
	if product.CategoryID != nil {
		var category catalogdomain.ProductCategory
		err = r.db.WithContext(ctx).
			Where(&catalogdomain.ProductCategory{ID: *product.CategoryID, CompanyID: companyID}).
			First(&category).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return taxdomain.Resolution{}, err
		}
		if err == nil && category.DefaultTaxRateID != nil {
			if rate, ok := active[*category.DefaultTaxRateID]; ok {
				id := *category.DefaultTaxRateID
				return taxdomain.Resolution{RateID: &id, Rate: rate.Rate}, nil
			}
		}
	}

	return taxdomain.Resolution{}, nil
}

func (r *Resolver) activeRates(ctx context.Context, companyID snowflake.ID) (map[snowflake.ID]taxdomain.TaxRate, error) {
	var rates []taxdomain.TaxRate
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND active = ?", companyID, true).
		Find(&rates).Error
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]taxdomain.TaxRate, len(rates))
	for _, rate := range rates {
		byID[rate.ID] = rate
	}
	return byID, nil
}

func (r *Resolver) topRule(ctx context.Context, companyID, productID snowflake.ID) (*taxdomain.ProductTaxRule, error) {
	var rule taxdomain.ProductTaxRule
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND product_id = ? AND active = ?", companyID, productID, true).
		Order("priority DESC").
		First(&rule).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// procurementTax is the newer of the product's purchase-order and
// purchase-invoice lines, reduced to its legacy payload and line total.
type procurementTax struct {
	payload   taxdomain.TaxPayload
	lineTotal int64
}

func (r *Resolver) fromProcurement(ctx context.Context, companyID, productID snowflake.ID, active map[snowflake.ID]taxdomain.TaxRate) (taxdomain.Resolution, bool, error) {
	latest, err := r.latestProcurement(ctx, companyID, productID)
	if err != nil {
		return taxdomain.Resolution{}, false, err
	}
	if latest == nil || latest.payload.Kind == taxdomain.PayloadKindNone {
		return taxdomain.Resolution{}, false, nil
	}

	ref := firstRef(latest.payload)
	if ref == nil {
		return taxdomain.Resolution{}, false, nil
	}

	rate, ok := deriveRate(*ref, latest.lineTotal)
	if !ok {
		return taxdomain.Resolution{}, false, nil
	}

	// Prefer the payload's own id when it is still an active rate.
	if id := ref.RateID(); id != nil {
		if configured, found := active[*id]; found {
			return taxdomain.Resolution{RateID: id, Rate: configured.Rate}, true, nil
		}
	}

	// Derived rate with no usable id: match the value against the
	// company's configured rates.
	for _, configured := range active {
		if math.Abs(configured.Rate-rate) < rateMatchEpsilon {
			id := configured.ID
			return taxdomain.Resolution{RateID: &id, Rate: configured.Rate}, true, nil
		}
	}

	// No id matches: the rate value alone still applies.
	return taxdomain.Resolution{Rate: rate}, true, nil
}

func (r *Resolver) latestProcurement(ctx context.Context, companyID, productID snowflake.ID) (*procurementTax, error) {
	var poLine procurementdomain.PurchaseOrderLine
	poErr := r.db.WithContext(ctx).
		Where("company_id = ? AND product_id = ?", companyID, productID).
		Order("created_at DESC").
		First(&poLine).Error
	if poErr != nil && poErr != gorm.ErrRecordNotFound {
		return nil, poErr
	}

	var piLine procurementdomain.PurchaseInvoiceLine
	piErr := r.db.WithContext(ctx).
		Where("company_id = ? AND product_id = ?", companyID, productID).
		Order("created_at DESC").
		First(&piLine).Error
	if piErr != nil && piErr != gorm.ErrRecordNotFound {
		return nil, piErr
	}

	switch {
	case poErr != nil && piErr != nil:
		return nil, nil
	case poErr != nil:
		return parseProcurement(piLine.TaxPayload, piLine.LineTotal)
	case piErr != nil:
		return parseProcurement(poLine.TaxPayload, poLine.LineTotal)
	case piLine.CreatedAt.After(poLine.CreatedAt):
		return parseProcurement(piLine.TaxPayload, piLine.LineTotal)
	default:
		return parseProcurement(poLine.TaxPayload, poLine.LineTotal)
	}
}

func parseProcurement(raw []byte, lineTotal int64) (*procurementTax, error) {
	payload, err := taxdomain.ParsePayload(raw)
	if err != nil {
		// Malformed legacy blobs are skipped, not fatal.
		return nil, nil
	}
	return &procurementTax{payload: payload, lineTotal: lineTotal}, nil
}

// firstRef normalizes the tagged payload to a single reference: the first
// list member, the single object, or the bare amount.
func firstRef(payload taxdomain.TaxPayload) *taxdomain.PayloadRef {
	switch payload.Kind {
	case taxdomain.PayloadKindPerUnitList:
		return &payload.List[0]
	case taxdomain.PayloadKindSingleObject:
		return payload.Object
	case taxdomain.PayloadKindLegacyAmount:
		amount := payload.Amount
		return &taxdomain.PayloadRef{Amount: &amount}
	default:
		return nil
	}
}

// deriveRate returns the percentage rate carried by ref, deriving it from
// amount/lineTotal when no explicit rate is present.
func deriveRate(ref taxdomain.PayloadRef, lineTotal int64) (float64, bool) {
	if ref.Rate != nil && *ref.Rate > 0 {
		return *ref.Rate, true
	}
	if ref.Amount != nil && *ref.Amount > 0 && lineTotal > 0 {
		return float64(*ref.Amount) / float64(lineTotal) * 100, true
	}
	return 0, false
}
