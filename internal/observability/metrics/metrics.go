// Package metrics exposes prometheus instrumentation for the billing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Module provides the prometheus registry and engine metrics.
var Module = fx.Module("observability.metrics",
	fx.Provide(NewRegistry),
	fx.Provide(New),
)

// NewRegistry builds the process registry with standard runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics are the billing engine counters.
type Metrics struct {
	InvoiceWrites         *prometheus.CounterVec
	SettlementsApplied    prometheus.Counter
	SettlementLeftover    prometheus.Counter
	PostingAttempts       prometheus.Counter
	PostingFailures       prometheus.Counter
	ReconciliationRepairs prometheus.Counter
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		InvoiceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carebill_invoice_writes_total",
			Help: "Committed invoice mutations by operation.",
		}, []string{"operation"}),
		SettlementsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebill_settlements_applied_total",
			Help: "Payments applied to invoices by bulk settlement.",
		}),
		SettlementLeftover: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebill_settlement_leftover_total",
			Help: "Settlements that finished with an unapplied remainder.",
		}),
		PostingAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebill_posting_attempts_total",
			Help: "Accounting posting attempts.",
		}),
		PostingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebill_posting_failures_total",
			Help: "Accounting posting failures (non-fatal).",
		}),
		ReconciliationRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebill_reconciliation_repairs_total",
			Help: "Invoices re-posted by the reconciliation sweep.",
		}),
	}
	reg.MustRegister(
		m.InvoiceWrites,
		m.SettlementsApplied,
		m.SettlementLeftover,
		m.PostingAttempts,
		m.PostingFailures,
		m.ReconciliationRepairs,
	)
	return m
}
