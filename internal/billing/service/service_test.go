package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountingservice "github.com/nidaanhealth/carebill/internal/accounting/service"
	appointmentdomain "github.com/nidaanhealth/carebill/internal/appointment/domain"
	auditservice "github.com/nidaanhealth/carebill/internal/audit/service"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/clock"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	"github.com/nidaanhealth/carebill/internal/config"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	"github.com/nidaanhealth/carebill/internal/migration"
	"github.com/nidaanhealth/carebill/internal/notify"
	patientdomain "github.com/nidaanhealth/carebill/internal/patient/domain"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	taxservice "github.com/nidaanhealth/carebill/internal/tax/service"
	"github.com/nidaanhealth/carebill/internal/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	svc     billingdomain.Service
	company *companydomain.Company
	patient *patientdomain.Patient
	taxRate *taxdomain.TaxRate
	ctx     context.Context
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2025, time.July, 14, 10, 0, 0, 0, time.UTC))

	resolver := taxservice.NewResolver(taxservice.Params{DB: db, Log: logger})
	poster := accountingservice.NewLedgerPoster(accountingservice.PosterParams{
		DB: db, Log: logger, GenID: node,
	})
	dispatcher := accountingservice.NewDispatcher(accountingservice.DispatcherParams{
		DB: db, Log: logger, GenID: node, Poster: poster,
		Cfg: config.Config{PostingMaxAttempts: 3},
	})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: logger, GenID: node})

	company := &companydomain.Company{
		ID:       node.Generate(),
		TenantID: node.Generate(),
		Name:     "Nidaan Clinic",
		Prefix:   "INV",
		Currency: "INR",
	}
	require.NoError(t, db.Create(company).Error)

	patient := &patientdomain.Patient{
		ID:        node.Generate(),
		TenantID:  company.TenantID,
		CompanyID: company.ID,
		Code:      "P00001",
		Name:      "Asha Rao",
	}
	require.NoError(t, db.Create(patient).Error)

	taxRate := &taxdomain.TaxRate{
		ID:        node.Generate(),
		CompanyID: company.ID,
		Name:      "GST 10%",
		Rate:      10,
		Active:    true,
	}
	require.NoError(t, db.Create(taxRate).Error)

	svc := NewService(Params{
		DB:         db,
		Log:        logger,
		GenID:      node,
		Clock:      clk,
		Resolver:   resolver,
		Poster:     poster,
		Dispatcher: dispatcher,
		AuditSvc:   auditSvc,
		Notifier:   notify.NewNopSender(logger),
	})

	ctx := tenantctx.WithIdentity(context.Background(), tenantctx.Identity{
		TenantID:  company.TenantID,
		CompanyID: company.ID,
		ActorID:   node.Generate(),
		IsAdmin:   true,
	})

	return &testEnv{
		db:      db,
		node:    node,
		clk:     clk,
		svc:     svc,
		company: company,
		patient: patient,
		taxRate: taxRate,
		ctx:     ctx,
	}
}

func (e *testEnv) ctxAs(isAdmin bool) context.Context {
	return tenantctx.WithIdentity(context.Background(), tenantctx.Identity{
		TenantID:  e.company.TenantID,
		CompanyID: e.company.ID,
		ActorID:   e.node.Generate(),
		IsAdmin:   isAdmin,
	})
}

func (e *testEnv) linePayload(price int64) billingdomain.LinePayload {
	rateID := e.taxRate.ID
	return billingdomain.LinePayload{
		Description: "Consultation",
		Quantity:    1,
		UnitPrice:   price,
		TaxRateID:   &rateID,
	}
}

func (e *testEnv) createInvoice(t *testing.T, payload billingdomain.InvoicePayload) *billingdomain.Invoice {
	t.Helper()
	invoice, err := e.svc.CreateInvoice(e.ctx, payload)
	require.NoError(t, err)
	return invoice
}

func (e *testEnv) ledgerLines(t *testing.T, invoiceID snowflake.ID) []ledgerdomain.LedgerLine {
	t.Helper()
	var lines []ledgerdomain.LedgerLine
	require.NoError(t, e.db.Where("source_id = ?", invoiceID).Find(&lines).Error)
	return lines
}

func TestCreateInvoice_ComputesTotals(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines: []billingdomain.LinePayload{
			env.linePayload(5000),
			env.linePayload(5000),
		},
	})

	assert.Equal(t, billingdomain.InvoiceStatusDraft, invoice.Status)
	assert.Equal(t, int64(10000), invoice.Subtotal)
	assert.Equal(t, int64(1000), invoice.TotalTax)
	assert.Equal(t, int64(11000), invoice.Total)
	assert.Equal(t, int64(11000), invoice.OutstandingAmount)
	assert.Equal(t, "INV-2526-00001", invoice.InvoiceNumber)
	assert.Equal(t, "INR", invoice.Currency)

	var lines []billingdomain.InvoiceLine
	require.NoError(t, env.db.Where("invoice_id = ?", invoice.ID).Order("line_index ASC").Find(&lines).Error)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(5000), lines[0].NetAmount)
	assert.Equal(t, int64(500), lines[0].TaxAmount)
}

func TestCreateInvoice_EmptyLinesRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateInvoice(env.ctx, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
	})
	assert.ErrorIs(t, err, billingdomain.ErrEmptyLines)
}

func TestCreateInvoice_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateInvoice(context.Background(), billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	assert.ErrorIs(t, err, billingdomain.ErrUnauthorized)
}

func TestCreateInvoice_ByPatientCode(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientCode: "P00001",
		Lines:       []billingdomain.LinePayload{env.linePayload(5000)},
	})
	assert.Equal(t, env.patient.ID, invoice.PatientID)
}

func TestCreateInvoice_UnknownPatient(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateInvoice(env.ctx, billingdomain.InvoicePayload{
		PatientCode: "NOPE",
		Lines:       []billingdomain.LinePayload{env.linePayload(5000)},
	})
	assert.ErrorIs(t, err, patientdomain.ErrNotFound)
}

func TestCreateInvoice_PaymentCoveringTotalMarksPaid(t *testing.T) {
	env := newTestEnv(t)

	appointment := &appointmentdomain.Appointment{
		ID:          env.node.Generate(),
		TenantID:    env.company.TenantID,
		CompanyID:   env.company.ID,
		PatientID:   env.patient.ID,
		Status:      appointmentdomain.AppointmentStatusScheduled,
		ScheduledAt: env.clk.Now(),
	}
	require.NoError(t, env.db.Create(appointment).Error)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID:     &env.patient.ID,
		AppointmentID: &appointment.ID,
		Status:        billingdomain.InvoiceStatusPosted,
		Lines: []billingdomain.LinePayload{
			env.linePayload(5000),
			env.linePayload(5000),
		},
		Payments: []billingdomain.PaymentPayload{
			{Amount: 11000, Method: billingdomain.PaymentMethodCash},
		},
	})

	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(0), invoice.OutstandingAmount)
	assert.Equal(t, int64(11000), invoice.TotalPaid)

	var got appointmentdomain.Appointment
	require.NoError(t, env.db.First(&got, "id = ?", appointment.ID).Error)
	assert.Equal(t, appointmentdomain.AppointmentStatusCompleted, got.Status)
}

func TestCreateInvoice_PaymentWithinToleranceMarksPaid(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
		Payments: []billingdomain.PaymentPayload{
			{Amount: 5499, Method: billingdomain.PaymentMethodUPI},
		},
	})

	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(0), invoice.OutstandingAmount)
}

func TestCreateInvoice_GlobalDiscountFlooredAtZero(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID:      &env.patient.ID,
		GlobalDiscount: 99999,
		Lines:          []billingdomain.LinePayload{env.linePayload(5000)},
	})

	assert.Equal(t, int64(0), invoice.Total)
	assert.Equal(t, int64(0), invoice.OutstandingAmount)
}

func TestUpdateInvoice_RecomputeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	payload := billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines: []billingdomain.LinePayload{
			env.linePayload(5000),
			env.linePayload(5000),
		},
	}
	invoice := env.createInvoice(t, payload)

	first, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, payload)
	require.NoError(t, err)
	second, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, payload)
	require.NoError(t, err)

	assert.Equal(t, first.Subtotal, second.Subtotal)
	assert.Equal(t, first.TotalTax, second.TotalTax)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, first.OutstandingAmount, second.OutstandingAmount)

	var count int64
	require.NoError(t, env.db.Model(&billingdomain.InvoiceLine{}).
		Where("invoice_id = ?", invoice.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestUpdateInvoice_CancelledRejected(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	require.NoError(t, env.svc.CancelInvoice(env.ctx, invoice.ID))

	_, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	assert.ErrorIs(t, err, billingdomain.ErrInvoiceCancelled)
}

func TestUpdateInvoice_PaidLocked(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
		Payments: []billingdomain.PaymentPayload{
			{Amount: 5500, Method: billingdomain.PaymentMethodCash},
		},
	})
	require.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	_, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(9000)},
	})
	assert.ErrorIs(t, err, billingdomain.ErrLocked)
}

func TestUpdateInvoice_FiscalLock(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	lockDate := env.clk.Now().Add(24 * time.Hour)
	require.NoError(t, env.db.Model(&companydomain.Company{}).
		Where("id = ?", env.company.ID).
		Update("lock_date", lockDate).Error)

	_, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(9000)},
	})
	assert.ErrorIs(t, err, billingdomain.ErrLocked)
}

func TestUpdateInvoice_NonAdminCannotEditPosted(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.UpdateInvoice(env.ctxAs(false), invoice.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(9000)},
	})
	assert.ErrorIs(t, err, billingdomain.ErrLocked)
}

func TestUpdateInvoice_ExcessReallocatedToOlderDues(t *testing.T) {
	env := newTestEnv(t)

	older := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(10000)},
	})
	require.Equal(t, int64(11000), older.OutstandingAmount)

	target := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	// New payment set exceeds the new total by 10000.
	updated, err := env.svc.UpdateInvoice(env.ctx, target.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
		Payments: []billingdomain.PaymentPayload{
			{Amount: 15500, Method: billingdomain.PaymentMethodCash},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, billingdomain.InvoiceStatusPaid, updated.Status)
	assert.Equal(t, updated.Total, updated.TotalPaid)

	var reloaded billingdomain.Invoice
	require.NoError(t, env.db.First(&reloaded, "id = ?", older.ID).Error)
	assert.Equal(t, int64(10000), reloaded.TotalPaid)
	assert.Equal(t, int64(1000), reloaded.OutstandingAmount)
}

func TestUpdateInvoice_RegistrationFeeStampsPatient(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.UpdateInvoice(env.ctx, invoice.ID, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines: []billingdomain.LinePayload{
			{Description: "Registration Fee", Quantity: 1, UnitPrice: 2000},
		},
	})
	require.NoError(t, err)

	var patient patientdomain.Patient
	require.NoError(t, env.db.First(&patient, "id = ?", env.patient.ID).Error)
	flagged, _ := patient.Metadata[patientdomain.MetadataKeyRegistrationFeePaid].(bool)
	assert.True(t, flagged)
}

func TestCancelInvoice_Transitions(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	require.NoError(t, env.svc.CancelInvoice(env.ctx, invoice.ID))
	assert.ErrorIs(t, env.svc.CancelInvoice(env.ctx, invoice.ID), billingdomain.ErrInvoiceCancelled)

	paid := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
		Payments: []billingdomain.PaymentPayload{
			{Amount: 5500, Method: billingdomain.PaymentMethodCash},
		},
	})
	assert.ErrorIs(t, env.svc.CancelInvoice(env.ctx, paid.ID), billingdomain.ErrInvalidStatus)
}

func TestUpdateInvoiceStatus_PostedWritesLedger(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines: []billingdomain.LinePayload{
			env.linePayload(5000),
			env.linePayload(5000),
		},
	})

	result, err := env.svc.UpdateInvoiceStatus(env.ctx, invoice.ID, billingdomain.InvoiceStatusPosted)
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	assert.Equal(t, billingdomain.InvoiceStatusPosted, result.Invoice.Status)
	assert.Equal(t, int64(11000), result.Invoice.OutstandingAmount)

	lines := env.ledgerLines(t, invoice.ID)
	require.NotEmpty(t, lines)

	var debits, credits int64
	for _, l := range lines {
		debits += l.Debit
		credits += l.Credit
	}
	assert.Equal(t, debits, credits)
}

func TestUpdateInvoiceStatus_TerminalRejected(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	require.NoError(t, env.svc.CancelInvoice(env.ctx, invoice.ID))

	_, err := env.svc.UpdateInvoiceStatus(env.ctx, invoice.ID, billingdomain.InvoiceStatusPosted)
	assert.ErrorIs(t, err, billingdomain.ErrInvalidStatus)
}

func TestUpdateInvoiceStatus_OnlyForwardTargets(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.UpdateInvoiceStatus(env.ctx, invoice.ID, billingdomain.InvoiceStatusDraft)
	assert.ErrorIs(t, err, billingdomain.ErrInvalidStatus)

	_, err = env.svc.UpdateInvoiceStatus(env.ctx, invoice.ID, billingdomain.InvoiceStatusCancelled)
	assert.ErrorIs(t, err, billingdomain.ErrInvalidStatus)

	var reloaded billingdomain.Invoice
	require.NoError(t, env.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPosted, reloaded.Status)
}

func TestUpdateInvoiceStatus_GuardApplies(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.UpdateInvoiceStatus(env.ctxAs(false), invoice.ID, billingdomain.InvoiceStatusPaid)
	assert.ErrorIs(t, err, billingdomain.ErrLocked)

	lockDate := env.clk.Now().Add(24 * time.Hour)
	require.NoError(t, env.db.Model(&companydomain.Company{}).
		Where("id = ?", env.company.ID).
		Update("lock_date", lockDate).Error)

	_, err = env.svc.UpdateInvoiceStatus(env.ctx, invoice.ID, billingdomain.InvoiceStatusPaid)
	assert.ErrorIs(t, err, billingdomain.ErrLocked)
}
