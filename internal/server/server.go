// Package server is the HTTP boundary: gin routes over the billing service,
// with tenant identity taken from request headers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/nidaanhealth/carebill/internal/accounting"
	"github.com/nidaanhealth/carebill/internal/audit"
	auditdomain "github.com/nidaanhealth/carebill/internal/audit/domain"
	"github.com/nidaanhealth/carebill/internal/billing"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/config"
	"github.com/nidaanhealth/carebill/internal/notify"
	obsmetrics "github.com/nidaanhealth/carebill/internal/observability/metrics"
	"github.com/nidaanhealth/carebill/internal/tax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	obsmetrics.Module,
	audit.Module,
	notify.Module,
	tax.Module,
	accounting.Module,
	billing.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLog(log.Named("http.access")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}

func registerGin(log *zap.Logger, reg *prometheus.Registry) *gin.Engine {
	return NewEngine(log, reg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	genID      *snowflake.Node
	billingSvc billingdomain.Service
	auditSvc   auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	GenID      *snowflake.Node
	BillingSvc billingdomain.Service
	AuditSvc   auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		db:         p.DB,
		genID:      p.GenID,
		billingSvc: p.BillingSvc,
		auditSvc:   p.AuditSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(TenantContext())

	api.POST("/invoices", s.CreateInvoice)
	api.PUT("/invoices/:id", s.UpdateInvoice)
	api.POST("/invoices/:id/cancel", s.CancelInvoice)
	api.POST("/invoices/:id/status", s.UpdateInvoiceStatus)
	api.POST("/invoices/:id/payments", s.RecordPayment)

	api.POST("/patients/:id/settle", s.SettlePatientDues)
	api.GET("/patients/:id/balance", s.GetPatientBalance)
	api.GET("/patients/:id/outstanding-balance", s.GetPatientOutstandingBalance)
	api.GET("/patients/:id/invoices/outstanding", s.GetOutstandingInvoices)

	api.GET("/partners/:id/purchase-bills/outstanding", s.GetOutstandingPurchaseBills)
}
