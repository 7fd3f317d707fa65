package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	accountingservice "github.com/nidaanhealth/carebill/internal/accounting/service"
	auditservice "github.com/nidaanhealth/carebill/internal/audit/service"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	billingservice "github.com/nidaanhealth/carebill/internal/billing/service"
	"github.com/nidaanhealth/carebill/internal/clock"
	companydomain "github.com/nidaanhealth/carebill/internal/company/domain"
	"github.com/nidaanhealth/carebill/internal/config"
	"github.com/nidaanhealth/carebill/internal/migration"
	"github.com/nidaanhealth/carebill/internal/notify"
	obsmetrics "github.com/nidaanhealth/carebill/internal/observability/metrics"
	patientdomain "github.com/nidaanhealth/carebill/internal/patient/domain"
	"github.com/nidaanhealth/carebill/internal/server"
	taxdomain "github.com/nidaanhealth/carebill/internal/tax/domain"
	taxservice "github.com/nidaanhealth/carebill/internal/tax/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type env struct {
	t       *testing.T
	srv     *httptest.Server
	db      *gorm.DB
	node    *snowflake.Node
	company *companydomain.Company
	patient *patientdomain.Patient
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2025, time.July, 14, 10, 0, 0, 0, time.UTC))

	resolver := taxservice.NewResolver(taxservice.Params{DB: db, Log: logger})
	poster := accountingservice.NewLedgerPoster(accountingservice.PosterParams{
		DB: db, Log: logger, GenID: node,
	})
	dispatcher := accountingservice.NewDispatcher(accountingservice.DispatcherParams{
		DB: db, Log: logger, GenID: node, Poster: poster, Cfg: config.Config{},
	})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: logger, GenID: node})

	billingSvc := billingservice.NewService(billingservice.Params{
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

	engine := server.NewEngine(logger, obsmetrics.NewRegistry())
	server.NewServer(server.ServerParams{
		Gin:        engine,
		Cfg:        config.Config{},
		Log:        logger,
		DB:         db,
		GenID:      node,
		BillingSvc: billingSvc,
		AuditSvc:   auditSvc,
	})

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

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &env{t: t, srv: srv, db: db, node: node, company: company, patient: patient}
}

func (e *env) do(method, path string, body any, out any) int {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", e.company.TenantID.String())
	req.Header.Set("X-Company-ID", e.company.ID.String())
	req.Header.Set("X-Actor-ID", e.node.Generate().String())
	req.Header.Set("X-Actor-Role", "admin")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(e.t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

type invoiceData struct {
	Data billingdomain.Invoice `json:"data"`
}

type resultData struct {
	Data billingdomain.PaymentResult `json:"data"`
}

type balanceData struct {
	Data billingdomain.BalanceResult `json:"data"`
}

type settlementData struct {
	Data billingdomain.SettlementResult `json:"data"`
}

func (e *env) invoicePayload(price int64, status billingdomain.InvoiceStatus) billingdomain.InvoicePayload {
	patientID := e.patient.ID
	return billingdomain.InvoicePayload{
		PatientID:   &patientID,
		InvoiceDate: time.Date(2025, time.July, 14, 0, 0, 0, 0, time.UTC),
		Status:      status,
		Lines: []billingdomain.LinePayload{
			{Description: "Consultation", Quantity: 1, UnitPrice: price},
		},
	}
}

func TestBillingFlow_CreatePayBalance(t *testing.T) {
	e := newEnv(t)

	var created invoiceData
	code := e.do(http.MethodPost, "/api/v1/invoices",
		e.invoicePayload(10000, billingdomain.InvoiceStatusPosted), &created)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "INV-2526-00001", created.Data.InvoiceNumber)
	assert.Equal(t, billingdomain.InvoiceStatusPosted, created.Data.Status)
	assert.Equal(t, int64(11000), created.Data.Total)
	assert.Equal(t, int64(11000), created.Data.OutstandingAmount)

	var paid resultData
	code = e.do(http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/payments", created.Data.ID),
		map[string]any{"payment": map[string]any{"amount": 11000, "method": "upi", "reference": "UPI-901"}},
		&paid)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, paid.Data.Invoice.Status)
	assert.Zero(t, paid.Data.Invoice.OutstandingAmount)

	var balance balanceData
	code = e.do(http.MethodGet, fmt.Sprintf("/api/v1/patients/%s/balance", e.patient.ID), nil, &balance)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, balance.Data.Balance)
	assert.Equal(t, billingdomain.BalanceTypeDue, balance.Data.Type)
}

func TestBillingFlow_SettleAcrossInvoices(t *testing.T) {
	e := newEnv(t)

	var first, second invoiceData
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/invoices",
		e.invoicePayload(10000, billingdomain.InvoiceStatusPosted), &first))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/invoices",
		e.invoicePayload(5000, billingdomain.InvoiceStatusPosted), &second))

	var settled settlementData
	code := e.do(http.MethodPost, fmt.Sprintf("/api/v1/patients/%s/settle", e.patient.ID),
		map[string]any{"amount": 16500, "method": "bank_transfer", "reference": "NEFT-42"}, &settled)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, settled.Data.SettledCount)
	assert.Zero(t, settled.Data.RemainingOffset)

	var due balanceData
	require.Equal(t, http.StatusOK, e.do(http.MethodGet,
		fmt.Sprintf("/api/v1/patients/%s/outstanding-balance", e.patient.ID), nil, &due))
	assert.Zero(t, due.Data.Balance)

	var outstanding struct {
		Data []billingdomain.Invoice `json:"data"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet,
		fmt.Sprintf("/api/v1/patients/%s/invoices/outstanding", e.patient.ID), nil, &outstanding))
	assert.Empty(t, outstanding.Data)
}

func TestBillingFlow_LifecycleGuards(t *testing.T) {
	e := newEnv(t)

	var draft invoiceData
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/invoices",
		e.invoicePayload(4000, billingdomain.InvoiceStatusDraft), &draft))

	code := e.do(http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/cancel", draft.Data.ID), map[string]any{}, nil)
	require.Equal(t, http.StatusOK, code)

	var errBody map[string]any
	code = e.do(http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/cancel", draft.Data.ID), map[string]any{}, &errBody)
	assert.Equal(t, http.StatusConflict, code)
}

func TestBillingFlow_MissingTenantRejected(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet,
		e.srv.URL+fmt.Sprintf("/api/v1/patients/%s/balance", e.patient.ID), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
