package accounting

import (
	"github.com/nidaanhealth/carebill/internal/accounting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting",
	fx.Provide(service.NewLedgerPoster),
	fx.Provide(service.NewDispatcher),
)
