package escrowvault

import (
	"log/slog"

	httpadapter "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/http"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/memory"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

type Module struct {
	Service application.Service
	Handler httpadapter.Handler
	Store   *memory.Store
}

type Dependencies struct {
	// OrchestratorCredential is passed through to the HTTP handler for
	// mutations it performs on behalf of callers.
	OrchestratorCredential string

	Repository      ports.Repository
	Ledger          ports.Ledger
	Positions       ports.Positions
	Authorizer      ports.Authorizer
	UnitOfWork      ports.UnitOfWork
	Outbox          ports.OutboxWriter
	Clock           ports.Clock
	IDGenerator     ports.IDGenerator
	VaultAccount    string
	PaymentToken    string
	SettlementToken string
	Logger          *slog.Logger
}

func NewModule(deps Dependencies) Module {
	module := Module{
		Service: application.Service{
			Repo:            deps.Repository,
			Ledger:          deps.Ledger,
			Positions:       deps.Positions,
			Authorizer:      deps.Authorizer,
			UnitOfWork:      deps.UnitOfWork,
			Outbox:          deps.Outbox,
			Clock:           deps.Clock,
			IDGen:           deps.IDGenerator,
			VaultAccount:    deps.VaultAccount,
			PaymentToken:    deps.PaymentToken,
			SettlementToken: deps.SettlementToken,
			Logger:          deps.Logger,
		},
	}
	module.Handler = httpadapter.Handler{
		Service:    module.Service,
		Credential: deps.OrchestratorCredential,
		Logger:     deps.Logger,
	}
	return module
}

// NewInMemoryModule wires the vault against a single in-memory store, for
// dev runs and tests.
func NewInMemoryModule(
	logger *slog.Logger,
	orchestratorCredential string,
	vaultAccount string,
	paymentToken string,
	settlementToken string,
) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		OrchestratorCredential: orchestratorCredential,

		Repository:      store,
		Ledger:          store,
		Positions:       store,
		Authorizer:      memory.StaticAuthorizer{Credential: orchestratorCredential},
		UnitOfWork:      store,
		Outbox:          store,
		Clock:           store,
		IDGenerator:     store,
		VaultAccount:    vaultAccount,
		PaymentToken:    paymentToken,
		SettlementToken: settlementToken,
		Logger:          logger,
	})
	module.Store = store
	return module
}
