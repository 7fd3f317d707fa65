package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/nidaanhealth/carebill/internal/accounting/domain"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
	"github.com/nidaanhealth/carebill/internal/config"
	ledgerdomain "github.com/nidaanhealth/carebill/internal/ledger/domain"
	obsmetrics "github.com/nidaanhealth/carebill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DispatcherParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Poster  accountingdomain.Poster
	Cfg     config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher drains the posting outbox and runs the reconciliation sweep.
// Delivery is at-least-once: the poster itself is idempotent, so redelivery
// after a crash between posting and task completion is harmless.
type Dispatcher struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	poster      accountingdomain.Poster
	maxAttempts int
	metrics     *obsmetrics.Metrics
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	maxAttempts := p.Cfg.PostingMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		db:          p.DB,
		log:         p.Log.Named("accounting.dispatcher"),
		genID:       p.GenID,
		poster:      p.Poster,
		maxAttempts: maxAttempts,
		metrics:     p.Metrics,
	}
}

// Enqueue records a posting task inside the caller's transaction. A pending
// task already queued for the invoice is reused.
func (d *Dispatcher) Enqueue(ctx context.Context, tx *gorm.DB, invoice *billingdomain.Invoice, actorID snowflake.ID) error {
	var pending int64
	err := tx.WithContext(ctx).Model(&accountingdomain.PostingTask{}).
		Where("invoice_id = ? AND status = ?", invoice.ID, accountingdomain.TaskStatusPending).
		Count(&pending).Error
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	now := time.Now().UTC()
	return tx.WithContext(ctx).Create(&accountingdomain.PostingTask{
		ID:        d.genID.Generate(),
		TenantID:  invoice.TenantID,
		CompanyID: invoice.CompanyID,
		InvoiceID: invoice.ID,
		ActorID:   actorID,
		Status:    accountingdomain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

// DispatchPending posts up to batchSize queued tasks. Failures are recorded
// on the task and retried until the attempt budget is spent.
func (d *Dispatcher) DispatchPending(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}

	var tasks []accountingdomain.PostingTask
	err := d.db.WithContext(ctx).
		Where("status = ?", accountingdomain.TaskStatusPending).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&tasks).Error
	if err != nil {
		return err
	}

	for i := range tasks {
		task := &tasks[i]
		if d.metrics != nil {
			d.metrics.PostingAttempts.Inc()
		}
		postErr := d.poster.PostSalesInvoice(ctx, task.InvoiceID, task.ActorID)

		updates := map[string]any{
			"attempts":   task.Attempts + 1,
			"updated_at": time.Now().UTC(),
		}
		if postErr == nil {
			updates["status"] = accountingdomain.TaskStatusDone
			updates["last_error"] = ""
		} else {
			if d.metrics != nil {
				d.metrics.PostingFailures.Inc()
			}
			updates["last_error"] = postErr.Error()
			if task.Attempts+1 >= d.maxAttempts {
				updates["status"] = accountingdomain.TaskStatusFailed
			}
			d.log.Warn("posting task failed",
				zap.String("invoice_id", task.InvoiceID.String()),
				zap.Int("attempts", task.Attempts+1),
				zap.Error(postErr),
			)
		}

		if err := d.db.WithContext(ctx).Model(&accountingdomain.PostingTask{}).
			Where("id = ?", task.ID).
			Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

// ReconcileUnposted re-posts posted/paid invoices that have no ledger lines,
// repairing gaps left by lost tasks or historic fire-and-forget triggers.
// Stateless and idempotent: safe to run from a scheduler at any time.
func (d *Dispatcher) ReconcileUnposted(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}

	var invoices []billingdomain.Invoice
	err := d.db.WithContext(ctx).
		Where("status IN ?", []billingdomain.InvoiceStatus{
			billingdomain.InvoiceStatusPosted,
			billingdomain.InvoiceStatusPaid,
		}).
		Where("id NOT IN (?)", d.db.Model(&ledgerdomain.LedgerLine{}).
			Select("source_id").
			Where("source_type = ?", accountingdomain.SourceTypeSalesInvoice),
		).
		Order("updated_at ASC").
		Limit(batchSize).
		Find(&invoices).Error
	if err != nil {
		return err
	}

	for _, invoice := range invoices {
		if err := d.poster.PostSalesInvoice(ctx, invoice.ID, 0); err != nil {
			d.log.Warn("reconciliation re-post failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if d.metrics != nil {
			d.metrics.ReconciliationRepairs.Inc()
		}
		d.log.Info("reconciled unposted invoice", zap.String("invoice_id", invoice.ID.String()))
	}
	return nil
}
