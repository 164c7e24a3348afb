package fundingservice

import (
	"log/slog"

	"github.com/eyal42/x402global/contexts/settlement-core/funding-service/application"
	"github.com/eyal42/x402global/contexts/settlement-core/funding-service/ports"
)

type Module struct {
	Service application.Service
}

type Dependencies struct {
	Verifier      ports.GrantVerifier
	Nonces        ports.NonceStore
	Ledger        ports.TokenLedger
	Escrow        ports.EscrowRecorder
	UnitOfWork    ports.UnitOfWork
	PullerAccount string
	VaultAccount  string
	PaymentToken  string
	Logger        *slog.Logger
}

func NewModule(deps Dependencies) Module {
	return Module{
		Service: application.Service{
			Verifier:      deps.Verifier,
			Nonces:        deps.Nonces,
			Ledger:        deps.Ledger,
			Escrow:        deps.Escrow,
			UnitOfWork:    deps.UnitOfWork,
			PullerAccount: deps.PullerAccount,
			VaultAccount:  deps.VaultAccount,
			PaymentToken:  deps.PaymentToken,
			Logger:        deps.Logger,
		},
	}
}
