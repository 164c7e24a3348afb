package bootstrap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	conversionservice "github.com/eyal42/x402global/contexts/settlement-core/conversion-service"
	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/adapters/ratesim"
	escrowvault "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/memory"
	postgresadapter "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/postgres"
	vaultworkers "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application/workers"
	vaultports "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
	fundingservice "github.com/eyal42/x402global/contexts/settlement-core/funding-service"
	"github.com/eyal42/x402global/contexts/settlement-core/funding-service/adapters/jwtgrant"
	"github.com/eyal42/x402global/internal/platform/config"
	"github.com/eyal42/x402global/internal/platform/db"
	"github.com/eyal42/x402global/internal/platform/httpserver"
	"github.com/eyal42/x402global/internal/platform/messaging"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	postgres     *db.Postgres
	orchestrator vaultworkers.SettlementOrchestrator
	outboxRelay  vaultworkers.OutboxRelay
	pollInterval time.Duration
	logger       *slog.Logger
}

// modules bundles the settlement-core wiring shared by the api and worker
// processes. With an empty POSTGRES_DSN everything runs on the in-memory
// store, which is the dev default since the token ledger itself is simulated.
type modules struct {
	vault      escrowvault.Module
	funding    fundingservice.Module
	conversion conversionservice.Module
	positions  vaultports.Positions
	outbox     vaultports.OutboxRepository
	postgres   *db.Postgres
}

func buildModules(cfg config.Config, logger *slog.Logger) (modules, error) {
	var pg *db.Postgres

	var vault escrowvault.Module
	var positions vaultports.Positions
	var outbox vaultports.OutboxRepository
	var keyRegistry jwtgrant.KeyRegistry
	var fundingDeps fundingservice.Dependencies
	var conversionDeps conversionservice.Dependencies

	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		connected, err := db.Connect(cfg.PostgresDSN)
		if err != nil {
			return modules{}, err
		}
		pg = connected

		repo := postgresadapter.NewRepository(pg.DB, logger)
		vault = escrowvault.NewModule(escrowvault.Dependencies{
			OrchestratorCredential: cfg.OrchestratorCredential,

			Repository:      repo,
			Ledger:          repo,
			Positions:       repo,
			Authorizer:      memory.StaticAuthorizer{Credential: cfg.OrchestratorCredential},
			UnitOfWork:      repo,
			Outbox:          repo,
			Clock:           postgresadapter.SystemClock{},
			IDGenerator:     postgresadapter.UUIDGenerator{},
			VaultAccount:    cfg.VaultAccount,
			PaymentToken:    cfg.PaymentToken,
			SettlementToken: cfg.SettlementToken,
			Logger:          logger,
		})
		positions = repo
		outbox = repo
		keyRegistry = repo
		fundingDeps = fundingservice.Dependencies{
			Nonces:     repo,
			Ledger:     repo,
			UnitOfWork: repo,
		}
		conversionDeps = conversionservice.Dependencies{
			Ledger:     repo,
			UnitOfWork: repo,
		}
	} else {
		vault = escrowvault.NewInMemoryModule(
			logger,
			cfg.OrchestratorCredential,
			cfg.VaultAccount,
			cfg.PaymentToken,
			cfg.SettlementToken,
		)
		store := vault.Store
		positions = store
		outbox = store
		keyRegistry = store
		fundingDeps = fundingservice.Dependencies{
			Nonces:     store,
			Ledger:     store,
			UnitOfWork: store,
		}
		conversionDeps = conversionservice.Dependencies{
			Ledger:     store,
			UnitOfWork: store,
		}
	}

	fundingDeps.Verifier = jwtgrant.Verifier{Keys: keyRegistry}
	fundingDeps.Escrow = vault.Service
	fundingDeps.PullerAccount = cfg.PullerAccount
	fundingDeps.VaultAccount = cfg.VaultAccount
	fundingDeps.PaymentToken = cfg.PaymentToken
	fundingDeps.Logger = logger

	conversionDeps.Venue = ratesim.New(cfg.VenueRateNum, cfg.VenueRateDen, cfg.VenueSpreadBps)
	conversionDeps.Escrow = vault.Service
	conversionDeps.VaultAccount = cfg.VaultAccount
	conversionDeps.VenueAccount = cfg.VenueAccount
	conversionDeps.PaymentToken = cfg.PaymentToken
	conversionDeps.SettlementToken = cfg.SettlementToken
	conversionDeps.Logger = logger

	return modules{
		vault:      vault,
		funding:    fundingservice.NewModule(fundingDeps),
		conversion: conversionservice.NewModule(conversionDeps),
		positions:  positions,
		outbox:     outbox,
		postgres:   pg,
	}, nil
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")

	mods, err := buildModules(cfg, logger)
	if err != nil {
		return nil, err
	}

	server := httpserver.New(
		mods.vault,
		mods.funding,
		httpserver.Pricing{
			AssetToken:          cfg.AssetToken,
			PaymentToken:        cfg.PaymentToken,
			SettlementToken:     cfg.SettlementToken,
			SellerAccount:       cfg.SellerAccount,
			VaultAccount:        cfg.VaultAccount,
			PricePerUnit:        cfg.PricePerUnit,
			MaxPaymentBufferBps: cfg.MaxPaymentBufferBps,
			MaxTimeoutSeconds:   cfg.GrantTTLSeconds,
		},
		cfg.OrchestratorCredential,
		logger,
		normalizeAddr(cfg.HTTPPort),
	)
	return &APIApp{
		server:   server,
		postgres: mods.postgres,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")

	mods, err := buildModules(cfg, logger)
	if err != nil {
		return nil, err
	}

	kafka, err := messaging.NewKafka(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}

	return &WorkerApp{
		postgres: mods.postgres,
		orchestrator: vaultworkers.SettlementOrchestrator{
			Vault:      mods.vault.Service,
			Converter:  mods.conversion.Service,
			Positions:  mods.positions,
			Policy:     vaultworkers.ConfirmationPolicy{Confirmations: cfg.FinalityConfirmations},
			Clock:      postgresadapter.SystemClock{},
			Credential: cfg.OrchestratorCredential,
			Deadline:   cfg.SettlementDeadline,
			BatchSize:  cfg.OutboxBatchSize,
			Logger:     logger,
		},
		outboxRelay: vaultworkers.OutboxRelay{
			Outbox:    mods.outbox,
			Publisher: kafka,
			Clock:     postgresadapter.SystemClock{},
			BatchSize: cfg.OutboxBatchSize,
			Logger:    logger,
		},
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}, nil
}

func (a *APIApp) Run(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}
	return a.server.Start()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
	)

	for {
		if err := w.orchestrator.RunOnce(ctx); err != nil {
			return err
		}
		if err := w.outboxRelay.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
