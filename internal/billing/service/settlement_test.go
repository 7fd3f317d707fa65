package service

import (
	"testing"

	accountingdomain "github.com/nidaanhealth/carebill/internal/accounting/domain"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPayment_FullSettlesAndPosts(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines: []billingdomain.LinePayload{
			env.linePayload(5000),
			env.linePayload(5000),
		},
	})

	result, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount:    11000,
		Method:    billingdomain.PaymentMethodCash,
		Reference: "RCPT-1",
	}, "")
	require.NoError(t, err)

	assert.Empty(t, result.Warning)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, result.Invoice.Status)
	assert.Equal(t, int64(0), result.Invoice.OutstandingAmount)

	lines := env.ledgerLines(t, invoice.ID)
	require.NotEmpty(t, lines)

	var cashDebit int64
	for _, l := range lines {
		if l.AccountCode == ledgerdomain.AccountCodeCash {
			cashDebit += l.Debit
		}
	}
	assert.Equal(t, int64(11000), cashDebit)
}

func TestRecordPayment_PartialKeepsStatus(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(10000)},
	})

	result, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 4000,
		Method: billingdomain.PaymentMethodCard,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, billingdomain.InvoiceStatusPosted, result.Invoice.Status)
	assert.Equal(t, int64(7000), result.Invoice.OutstandingAmount)
}

func TestRecordPayment_DuplicateReference(t *testing.T) {
	env := newTestEnv(t)

	first := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	second := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.RecordPayment(env.ctx, first.ID, billingdomain.PaymentPayload{
		Amount: 1000, Method: billingdomain.PaymentMethodUPI, Reference: "UPI-42",
	}, "")
	require.NoError(t, err)

	_, err = env.svc.RecordPayment(env.ctx, second.ID, billingdomain.PaymentPayload{
		Amount: 1000, Method: billingdomain.PaymentMethodUPI, Reference: "UPI-42",
	}, "")
	assert.ErrorIs(t, err, billingdomain.ErrDuplicateReference)
}

func TestRecordPayment_DuplicateReferenceSameInvoice(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 1000, Method: billingdomain.PaymentMethodUPI, Reference: "UPI-99",
	}, "")
	require.NoError(t, err)

	_, err = env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 1000, Method: billingdomain.PaymentMethodUPI, Reference: "UPI-99",
	}, "")
	assert.ErrorIs(t, err, billingdomain.ErrDuplicateReference)

	var count int64
	require.NoError(t, env.db.Model(&billingdomain.Payment{}).
		Where("reference = ?", "UPI-99").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSettlePatientDues_ReferenceAlreadyUsed(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(10000)},
	})

	_, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 1000, Method: billingdomain.PaymentMethodBankTransfer, Reference: "NEFT-7",
	}, "")
	require.NoError(t, err)

	_, err = env.svc.SettlePatientDues(env.ctx, env.patient.ID, 5000,
		billingdomain.PaymentMethodBankTransfer, "NEFT-7")
	assert.ErrorIs(t, err, billingdomain.ErrDuplicateReference)

	var count int64
	require.NoError(t, env.db.Model(&billingdomain.Payment{}).
		Where("reference = ?", "NEFT-7").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordPayment_Validation(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	_, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 0, Method: billingdomain.PaymentMethodCash,
	}, "")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidAmount)

	_, err = env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 100, Method: "cheque",
	}, "")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidMethod)

	require.NoError(t, env.svc.CancelInvoice(env.ctx, invoice.ID))
	_, err = env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 100, Method: billingdomain.PaymentMethodCash,
	}, "")
	assert.ErrorIs(t, err, billingdomain.ErrInvoiceCancelled)
}

func TestSettlePatientDues_FIFO(t *testing.T) {
	env := newTestEnv(t)

	// Oldest first: 11000 then 5500 outstanding.
	first := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(10000)},
	})
	second := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	result, err := env.svc.SettlePatientDues(env.ctx, env.patient.ID, 13000,
		billingdomain.PaymentMethodBankTransfer, "NEFT-77")
	require.NoError(t, err)

	assert.Equal(t, 2, result.SettledCount)
	assert.Equal(t, int64(0), result.RemainingOffset)

	var reloaded billingdomain.Invoice
	require.NoError(t, env.db.First(&reloaded, "id = ?", first.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.OutstandingAmount)

	reloaded = billingdomain.Invoice{}
	require.NoError(t, env.db.First(&reloaded, "id = ?", second.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPosted, reloaded.Status)
	assert.Equal(t, int64(2000), reloaded.TotalPaid)
	assert.Equal(t, int64(3500), reloaded.OutstandingAmount)

	// References stay unique across the generated payments.
	var payments []billingdomain.Payment
	require.NoError(t, env.db.Where("reference <> ''").Order("created_at ASC").Find(&payments).Error)
	refs := map[string]bool{}
	for _, p := range payments {
		assert.False(t, refs[p.Reference], "duplicate reference %q", p.Reference)
		refs[p.Reference] = true
	}
	assert.True(t, refs["NEFT-77"])
	assert.True(t, refs["NEFT-77-2"])
}

func TestSettlePatientDues_LeftoverSurfaced(t *testing.T) {
	env := newTestEnv(t)

	env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	result, err := env.svc.SettlePatientDues(env.ctx, env.patient.ID, 8000,
		billingdomain.PaymentMethodCash, "")
	require.NoError(t, err)

	assert.Equal(t, 1, result.SettledCount)
	assert.Equal(t, int64(2500), result.RemainingOffset)
	assert.Contains(t, result.Message, "unapplied")
}

func TestSettlePatientDues_ToleranceRow(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	result, err := env.svc.SettlePatientDues(env.ctx, env.patient.ID, 5499,
		billingdomain.PaymentMethodCash, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.SettledCount)

	var reloaded billingdomain.Invoice
	require.NoError(t, env.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.OutstandingAmount)
}

func TestSettlePatientDues_NoOutstandingResyncsLedger(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})
	_, err := env.svc.RecordPayment(env.ctx, invoice.ID, billingdomain.PaymentPayload{
		Amount: 5500, Method: billingdomain.PaymentMethodCash,
	}, "")
	require.NoError(t, err)

	// Simulate a historic miss: wipe the invoice's journal.
	require.NoError(t, env.db.Where("source_id = ?", invoice.ID).Delete(&ledgerdomain.LedgerLine{}).Error)
	require.Empty(t, env.ledgerLines(t, invoice.ID))

	result, err := env.svc.SettlePatientDues(env.ctx, env.patient.ID, 100,
		billingdomain.PaymentMethodCash, "")
	require.NoError(t, err)

	assert.Equal(t, 0, result.SettledCount)
	assert.Contains(t, result.Message, "re-synced")
	assert.NotEmpty(t, env.ledgerLines(t, invoice.ID))
}

func TestSettlePatientDues_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SettlePatientDues(env.ctx, env.patient.ID, 0,
		billingdomain.PaymentMethodCash, "")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidAmount)

	_, err = env.svc.SettlePatientDues(env.ctx, env.patient.ID, 100, "cheque", "")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidMethod)
}

func TestCreateInvoice_EnqueuesPostingTask(t *testing.T) {
	env := newTestEnv(t)

	invoice := env.createInvoice(t, billingdomain.InvoicePayload{
		PatientID: &env.patient.ID,
		Status:    billingdomain.InvoiceStatusPosted,
		Lines:     []billingdomain.LinePayload{env.linePayload(5000)},
	})

	var tasks []accountingdomain.PostingTask
	require.NoError(t, env.db.Where("invoice_id = ?", invoice.ID).Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, accountingdomain.TaskStatusPending, tasks[0].Status)
}
