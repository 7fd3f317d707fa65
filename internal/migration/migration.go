// Package migration creates the engine's tables automatically on startup so
// local and self-hosted deployments work out of the box.
package migration

import (
	"errors"

	accountingdomain "github.com/nidaanhealth/carebill/internal/accounting/domain"
	appointmentdomain "github.com/nidaanhealth/carebill/internal/appointment/domain"
	auditdomain "github.com/nidaanhealth/carebill/internal/audit/domain"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	catalogdomain "github.com/nidaanhealth/carebill/internal/catalog/domain"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	patientdomain "github.com/nidaanhealth/carebill/internal/patient/domain"
	procurementdomain "github.com/nidaanhealth/carebill/internal/procurement/domain"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&companydomain.Company{},
		&patientdomain.Patient{},
		&appointmentdomain.Appointment{},
		&catalogdomain.UnitOfMeasure{},
		&catalogdomain.ProductCategory{},
		&catalogdomain.Product{},
		&taxdomain.TaxRate{},
		&taxdomain.ProductTaxRule{},
		&procurementdomain.PurchaseOrderLine{},
		&procurementdomain.PurchaseInvoice{},
		&procurementdomain.PurchaseInvoiceLine{},
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLine{},
		&billingdomain.Payment{},
		&billingdomain.InvoiceSequence{},
		&ledgerdomain.LedgerLine{},
		&accountingdomain.PostingTask{},
		&auditdomain.AuditLog{},
	}
}

// RunMigrations applies the schema with gorm's migrator, which keeps the
// engine portable across postgres, mysql, and sqlite.
func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	return db.AutoMigrate(Models()...)
}
