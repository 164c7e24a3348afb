package conversionservice

import (
	"log/slog"

	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/application"
	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/ports"
)

type Module struct {
	Service application.Service
}

type Dependencies struct {
	Venue           ports.Venue
	Ledger          ports.Ledger
	Escrow          ports.EscrowRecorder
	UnitOfWork      ports.UnitOfWork
	VaultAccount    string
	VenueAccount    string
	PaymentToken    string
	SettlementToken string
	Logger          *slog.Logger
}

func NewModule(deps Dependencies) Module {
	return Module{
		Service: application.Service{
			Venue:           deps.Venue,
			Ledger:          deps.Ledger,
			Escrow:          deps.Escrow,
			UnitOfWork:      deps.UnitOfWork,
			VaultAccount:    deps.VaultAccount,
			VenueAccount:    deps.VenueAccount,
			PaymentToken:    deps.PaymentToken,
			SettlementToken: deps.SettlementToken,
			Logger:          deps.Logger,
		},
	}
}
