package workers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/adapters/ratesim"
	conversionapp "github.com/eyal42/x402global/contexts/settlement-core/conversion-service/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/memory"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application/workers"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

const orchestratorCap = "orchestrator-cap"

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type counterIDs struct {
	n int
}

func (g *counterIDs) NewID(_ context.Context) (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store      *memory.Store
	vault      application.Service
	conversion conversionapp.Service
	venue      *ratesim.Venue
}

func newFixture(rateNum int64, rateDen int64) fixture {
	store := memory.NewStore()
	logger := discardLogger()
	vault := application.Service{
		Repo:            store,
		Ledger:          store,
		Positions:       store,
		Authorizer:      memory.StaticAuthorizer{Credential: orchestratorCap},
		UnitOfWork:      store,
		Outbox:          store,
		Clock:           fixedClock{now: baseTime},
		IDGen:           &counterIDs{},
		VaultAccount:    "vault",
		PaymentToken:    "eurc",
		SettlementToken: "usdc",
		Logger:          logger,
	}
	venue := ratesim.New(rateNum, rateDen, 0)
	conversion := conversionapp.Service{
		Venue:           venue,
		Ledger:          store,
		Escrow:          vault,
		UnitOfWork:      store,
		VaultAccount:    "vault",
		VenueAccount:    "venue",
		PaymentToken:    "eurc",
		SettlementToken: "usdc",
		Logger:          logger,
	}
	return fixture{store: store, vault: vault, conversion: conversion, venue: venue}
}

func (f fixture) orchestrator(clock ports.Clock, deadline time.Duration) workers.SettlementOrchestrator {
	return workers.SettlementOrchestrator{
		Vault:      f.vault,
		Converter:  f.conversion,
		Positions:  f.store,
		Policy:     workers.ConfirmationPolicy{Confirmations: 2},
		Clock:      clock,
		Credential: orchestratorCap,
		Deadline:   deadline,
		Logger:     discardLogger(),
	}
}

func (f fixture) createFundedSettlement(t *testing.T) entities.Settlement {
	t.Helper()
	ctx := context.Background()
	settlement, err := f.vault.CreateSettlement(ctx, orchestratorCap, ports.CreateSettlementInput{
		Client:                   "client",
		Seller:                   "seller",
		AssetRef:                 "yps",
		AssetAmount:              100,
		RequiredSettlementAmount: 110,
		MaxPaymentAmount:         121,
	})
	if err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}
	f.store.Mint(ctx, "eurc", "vault", 121)
	f.store.Mint(ctx, "yps", "vault", 100)
	f.store.Mint(ctx, "usdc", "venue", 1000)
	if err := f.vault.RecordFundsPulled(ctx, orchestratorCap, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}
	return settlement
}

func mustState(t *testing.T, svc application.Service, id string, want entities.SettlementState) entities.Settlement {
	t.Helper()
	settlement, err := svc.GetSettlement(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if settlement.State != want {
		t.Fatalf("state = %s, want %s", settlement.State, want)
	}
	return settlement
}

func mustBalance(t *testing.T, store *memory.Store, token string, account string, want int64) {
	t.Helper()
	got, err := store.BalanceOf(context.Background(), token, account)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if got != want {
		t.Fatalf("balance of %s for %s = %d, want %d", token, account, got, want)
	}
}

func TestOrchestratorDrivesSettlementToCompletion(t *testing.T) {
	f := newFixture(1, 1)
	ctx := context.Background()
	settlement := f.createFundedSettlement(t)

	orch := f.orchestrator(fixedClock{now: baseTime}, 0)

	// First pass: conversion runs, but finality needs two more positions.
	if err := orch.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	funded := mustState(t, f.vault, settlement.ID, entities.SettlementStateFunded)
	if funded.Residual != 11 || funded.ActualReceived != 110 {
		t.Fatalf("funded settlement = residual %d received %d, want 11/110", funded.Residual, funded.ActualReceived)
	}

	// Unrelated ledger activity advances past the confirmation window.
	f.store.Advance(2)

	// Second pass: finality confirms and the payout executes.
	if err := orch.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	mustState(t, f.vault, settlement.ID, entities.SettlementStateSettled)
	mustBalance(t, f.store, "usdc", "seller", 110)
	mustBalance(t, f.store, "yps", "client", 100)
	mustBalance(t, f.store, "eurc", "client", 11)
	mustBalance(t, f.store, "eurc", "vault", 0)
	mustBalance(t, f.store, "usdc", "vault", 0)
}

func TestOrchestratorCancelsOnInsufficientConversionOutput(t *testing.T) {
	// The venue quotes half rate, so 121 in can never clear 110 out.
	f := newFixture(1, 2)
	ctx := context.Background()
	settlement := f.createFundedSettlement(t)

	orch := f.orchestrator(fixedClock{now: baseTime}, 0)
	if err := orch.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cancelled := mustState(t, f.vault, settlement.ID, entities.SettlementStateCancelled)
	if cancelled.CancelReason == "" {
		t.Fatalf("cancel reason not recorded")
	}
	mustBalance(t, f.store, "eurc", "client", 121)
	mustBalance(t, f.store, "yps", "seller", 100)
	mustBalance(t, f.store, "eurc", "vault", 0)
	mustBalance(t, f.store, "yps", "vault", 0)
}

func TestOrchestratorCancelsPendingPastDeadline(t *testing.T) {
	f := newFixture(1, 1)
	ctx := context.Background()

	settlement, err := f.vault.CreateSettlement(ctx, orchestratorCap, ports.CreateSettlementInput{
		Client:                   "client",
		Seller:                   "seller",
		AssetRef:                 "yps",
		AssetAmount:              100,
		RequiredSettlementAmount: 110,
		MaxPaymentAmount:         121,
	})
	if err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}

	late := fixedClock{now: baseTime.Add(10*time.Minute + time.Second)}
	orch := f.orchestrator(late, 10*time.Minute)
	if err := orch.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cancelled := mustState(t, f.vault, settlement.ID, entities.SettlementStateCancelled)
	if cancelled.CancelReason != "settlement deadline exceeded" {
		t.Fatalf("cancel reason = %q", cancelled.CancelReason)
	}
}

func TestOrchestratorLeavesFreshPendingAlone(t *testing.T) {
	f := newFixture(1, 1)
	ctx := context.Background()

	settlement, err := f.vault.CreateSettlement(ctx, orchestratorCap, ports.CreateSettlementInput{
		Client:                   "client",
		Seller:                   "seller",
		AssetRef:                 "yps",
		AssetAmount:              100,
		RequiredSettlementAmount: 110,
		MaxPaymentAmount:         121,
	})
	if err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}

	orch := f.orchestrator(fixedClock{now: baseTime}, 10*time.Minute)
	if err := orch.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// No funds pulled yet and the deadline is not reached: nothing changes.
	mustState(t, f.vault, settlement.ID, entities.SettlementStatePending)
}
