// Package notify holds the outbound notification hook fired on settlement.
// Delivery itself is an external collaborator; the default sender only logs.
package notify

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the default sender.
var Module = fx.Provide(NewNopSender)

// Sender delivers an invoice notification to the patient. Called
// fire-and-forget: failures are logged, never surfaced.
type Sender interface {
	SendInvoiceWhatsapp(ctx context.Context, invoiceID, tenantID snowflake.ID) error
}

type nopSender struct {
	log *zap.Logger
}

func NewNopSender(log *zap.Logger) Sender {
	return &nopSender{log: log.Named("notify")}
}

func (s *nopSender) SendInvoiceWhatsapp(ctx context.Context, invoiceID, tenantID snowflake.ID) error {
	s.log.Debug("invoice notification skipped (no sender configured)",
		zap.String("invoice_id", invoiceID.String()),
	)
	return nil
}
