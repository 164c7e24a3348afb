package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/memory"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

const (
	testCredential = "orchestrator-cap"
	vaultAccount   = "vault"
	paymentToken   = "eurc"
	settleToken    = "usdc"
	assetToken     = "yps"
)

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

type fixedID struct {
	id string
}

func (g fixedID) NewID(_ context.Context) (string, error) {
	return g.id, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVaultService(store *memory.Store, idGen ports.IDGenerator) application.Service {
	if idGen == nil {
		idGen = &counterIDs{}
	}
	return application.Service{
		Repo:            store,
		Ledger:          store,
		Positions:       store,
		Authorizer:      memory.StaticAuthorizer{Credential: testCredential},
		UnitOfWork:      store,
		Outbox:          store,
		Clock:           fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		IDGen:           idGen,
		VaultAccount:    vaultAccount,
		PaymentToken:    paymentToken,
		SettlementToken: settleToken,
		Logger:          discardLogger(),
	}
}

func createTestSettlement(t *testing.T, svc application.Service) entities.Settlement {
	t.Helper()
	settlement, err := svc.CreateSettlement(context.Background(), testCredential, ports.CreateSettlementInput{
		Client:                   "client",
		Seller:                   "seller",
		AssetRef:                 assetToken,
		AssetAmount:              100,
		RequiredSettlementAmount: 110,
		MaxPaymentAmount:         121,
	})
	if err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}
	return settlement
}

func mustBalance(t *testing.T, store *memory.Store, token string, account string, want int64) {
	t.Helper()
	got, err := store.BalanceOf(context.Background(), token, account)
	if err != nil {
		t.Fatalf("BalanceOf(%s,%s): %v", token, account, err)
	}
	if got != want {
		t.Fatalf("balance of %s for %s = %d, want %d", token, account, got, want)
	}
}

func mustState(t *testing.T, svc application.Service, id string, want entities.SettlementState) entities.Settlement {
	t.Helper()
	settlement, err := svc.GetSettlement(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSettlement(%s): %v", id, err)
	}
	if settlement.State != want {
		t.Fatalf("settlement %s state = %s, want %s", id, settlement.State, want)
	}
	return settlement
}

func TestCreateSettlementValidation(t *testing.T) {
	svc := newVaultService(memory.NewStore(), nil)
	ctx := context.Background()

	cases := []ports.CreateSettlementInput{
		{Seller: "s", AssetRef: assetToken, AssetAmount: 1, RequiredSettlementAmount: 1, MaxPaymentAmount: 1},
		{Client: "c", AssetRef: assetToken, AssetAmount: 1, RequiredSettlementAmount: 1, MaxPaymentAmount: 1},
		{Client: "c", Seller: "s", AssetAmount: 1, RequiredSettlementAmount: 1, MaxPaymentAmount: 1},
		{Client: "c", Seller: "s", AssetRef: assetToken, RequiredSettlementAmount: 1, MaxPaymentAmount: 1},
		{Client: "c", Seller: "s", AssetRef: assetToken, AssetAmount: 1, MaxPaymentAmount: 1},
		{Client: "c", Seller: "s", AssetRef: assetToken, AssetAmount: 1, RequiredSettlementAmount: 1},
		{Client: "c", Seller: "s", AssetRef: assetToken, AssetAmount: -5, RequiredSettlementAmount: 1, MaxPaymentAmount: 1},
	}
	for i, input := range cases {
		if _, err := svc.CreateSettlement(ctx, testCredential, input); !errors.Is(err, domainerrors.ErrArgument) {
			t.Fatalf("case %d: err = %v, want ErrArgument", i, err)
		}
	}
}

func TestCreateSettlementDuplicateID(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, fixedID{id: "fixed"})
	ctx := context.Background()

	input := ports.CreateSettlementInput{
		Client:                   "client",
		Seller:                   "seller",
		AssetRef:                 assetToken,
		AssetAmount:              100,
		RequiredSettlementAmount: 110,
		MaxPaymentAmount:         121,
	}
	if _, err := svc.CreateSettlement(ctx, testCredential, input); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateSettlement(ctx, testCredential, input); !errors.Is(err, domainerrors.ErrDuplicateSettlement) {
		t.Fatalf("second create err = %v, want ErrDuplicateSettlement", err)
	}
}

func TestUnauthorizedCredentialLeavesStateUntouched(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()

	settlement := createTestSettlement(t, svc)

	if err := svc.RecordFundsPulled(ctx, "wrong-cap", settlement.ID, 121, 100); !errors.Is(err, domainerrors.ErrUnauthorized) {
		t.Fatalf("RecordFundsPulled err = %v, want ErrUnauthorized", err)
	}
	if err := svc.CancelSettlement(ctx, "wrong-cap", settlement.ID, "nope"); !errors.Is(err, domainerrors.ErrUnauthorized) {
		t.Fatalf("CancelSettlement err = %v, want ErrUnauthorized", err)
	}

	got := mustState(t, svc, settlement.ID, entities.SettlementStatePending)
	if got.ActualPulled != 0 {
		t.Fatalf("ActualPulled = %d, want 0", got.ActualPulled)
	}
}

func TestRecordFundsPulledGuards(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 122, 100); !errors.Is(err, domainerrors.ErrArgument) {
		t.Fatalf("payment above cap err = %v, want ErrArgument", err)
	}
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 99); !errors.Is(err, domainerrors.ErrArgument) {
		t.Fatalf("asset mismatch err = %v, want ErrArgument", err)
	}

	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("valid pull: %v", err)
	}

	err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100)
	var stateErr *domainerrors.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second pull err = %v, want StateError", err)
	}
	if !errors.Is(err, domainerrors.ErrState) {
		t.Fatalf("StateError does not unwrap to ErrState: %v", err)
	}

	got := mustState(t, svc, settlement.ID, entities.SettlementStatePending)
	if got.ActualPulled != 121 || got.HeldPayment != 121 || got.HeldAsset != 100 {
		t.Fatalf("held amounts = pulled %d payment %d asset %d, want 121/121/100",
			got.ActualPulled, got.HeldPayment, got.HeldAsset)
	}
}

func TestRecordConversionCompletedInsufficientOutput(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}

	err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 121, 100)
	var insufficient *domainerrors.InsufficientOutputError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientOutputError", err)
	}
	if insufficient.Required != 110 || insufficient.Received != 100 {
		t.Fatalf("insufficient = required %d received %d, want 110/100", insufficient.Required, insufficient.Received)
	}
	if !errors.Is(err, domainerrors.ErrInsufficientOutput) {
		t.Fatalf("does not unwrap to ErrInsufficientOutput: %v", err)
	}

	got := mustState(t, svc, settlement.ID, entities.SettlementStatePending)
	if got.ActualReceived != 0 || got.Residual != 0 {
		t.Fatalf("settlement mutated on failed conversion: %+v", got)
	}
}

func TestRecordConversionCompletedRequiresPulledFunds(t *testing.T) {
	svc := newVaultService(memory.NewStore(), nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 110, 110)
	if !errors.Is(err, domainerrors.ErrState) {
		t.Fatalf("err = %v, want ErrState", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	// Funding pulled 121 payment and 100 asset into the vault.
	store.Mint(ctx, paymentToken, vaultAccount, 121)
	store.Mint(ctx, assetToken, vaultAccount, 100)
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}

	// Conversion consumed 110 payment and produced 110 settlement currency.
	if err := store.Transfer(ctx, paymentToken, vaultAccount, "venue", 110); err != nil {
		t.Fatalf("simulate conversion spend: %v", err)
	}
	store.Mint(ctx, settleToken, vaultAccount, 110)
	if err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 110, 110); err != nil {
		t.Fatalf("RecordConversionCompleted: %v", err)
	}

	funded := mustState(t, svc, settlement.ID, entities.SettlementStateFunded)
	if funded.Residual != 11 {
		t.Fatalf("Residual = %d, want 11", funded.Residual)
	}
	if funded.Residual+110 != funded.ActualPulled {
		t.Fatalf("conservation violated: residual %d + consumed 110 != pulled %d", funded.Residual, funded.ActualPulled)
	}
	if funded.HeldPayment != 11 || funded.HeldSettlement != 110 || funded.HeldAsset != 100 {
		t.Fatalf("held = payment %d settlement %d asset %d, want 11/110/100",
			funded.HeldPayment, funded.HeldSettlement, funded.HeldAsset)
	}

	if err := svc.ConfirmFinality(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ConfirmFinality: %v", err)
	}
	mustState(t, svc, settlement.ID, entities.SettlementStateFinalized)

	if err := svc.ExecuteSettlement(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ExecuteSettlement: %v", err)
	}
	settled := mustState(t, svc, settlement.ID, entities.SettlementStateSettled)
	if settled.HeldPayment != 0 || settled.HeldAsset != 0 || settled.HeldSettlement != 0 {
		t.Fatalf("vault still holds funds after settlement: %+v", settled)
	}

	mustBalance(t, store, settleToken, "seller", 110)
	mustBalance(t, store, assetToken, "client", 100)
	mustBalance(t, store, paymentToken, "client", 11)
	mustBalance(t, store, paymentToken, vaultAccount, 0)
	mustBalance(t, store, settleToken, vaultAccount, 0)
	mustBalance(t, store, assetToken, vaultAccount, 0)
}

func TestExecuteSettlementIsNotRepeatable(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	store.Mint(ctx, paymentToken, vaultAccount, 121)
	store.Mint(ctx, assetToken, vaultAccount, 100)
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}
	if err := store.Transfer(ctx, paymentToken, vaultAccount, "venue", 110); err != nil {
		t.Fatalf("simulate conversion spend: %v", err)
	}
	store.Mint(ctx, settleToken, vaultAccount, 110)
	if err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 110, 110); err != nil {
		t.Fatalf("RecordConversionCompleted: %v", err)
	}
	if err := svc.ConfirmFinality(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ConfirmFinality: %v", err)
	}
	if err := svc.ExecuteSettlement(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ExecuteSettlement: %v", err)
	}

	if err := svc.ExecuteSettlement(ctx, testCredential, settlement.ID); !errors.Is(err, domainerrors.ErrState) {
		t.Fatalf("repeat ExecuteSettlement err = %v, want ErrState", err)
	}
	// No double payout.
	mustBalance(t, store, settleToken, "seller", 110)
	mustBalance(t, store, assetToken, "client", 100)
	mustBalance(t, store, paymentToken, "client", 11)
}

func TestExecuteSettlementTransferFailureRollsBack(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	// Vault never received the settlement currency, so the payout must fail.
	store.Mint(ctx, paymentToken, vaultAccount, 121)
	store.Mint(ctx, assetToken, vaultAccount, 100)
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}
	if err := store.Transfer(ctx, paymentToken, vaultAccount, "venue", 110); err != nil {
		t.Fatalf("simulate conversion spend: %v", err)
	}
	if err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 110, 110); err != nil {
		t.Fatalf("RecordConversionCompleted: %v", err)
	}
	if err := svc.ConfirmFinality(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ConfirmFinality: %v", err)
	}

	err := svc.ExecuteSettlement(ctx, testCredential, settlement.ID)
	var transferErr *domainerrors.TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if !errors.Is(err, domainerrors.ErrTransfer) {
		t.Fatalf("does not unwrap to ErrTransfer: %v", err)
	}

	// Unit of work rolled back: still finalized, still holding funds.
	got := mustState(t, svc, settlement.ID, entities.SettlementStateFinalized)
	if got.HeldAsset != 100 || got.HeldPayment != 11 {
		t.Fatalf("held funds after rollback = asset %d payment %d, want 100/11", got.HeldAsset, got.HeldPayment)
	}
	mustBalance(t, store, assetToken, "client", 0)
}

func TestCancelRefundsHeldFunds(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	store.Mint(ctx, paymentToken, vaultAccount, 121)
	store.Mint(ctx, assetToken, vaultAccount, 100)
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}

	if err := svc.CancelSettlement(ctx, testCredential, settlement.ID, "client requested"); err != nil {
		t.Fatalf("CancelSettlement: %v", err)
	}

	got := mustState(t, svc, settlement.ID, entities.SettlementStateCancelled)
	if got.CancelReason != "client requested" {
		t.Fatalf("CancelReason = %q", got.CancelReason)
	}
	mustBalance(t, store, paymentToken, "client", 121)
	mustBalance(t, store, assetToken, "seller", 100)
	mustBalance(t, store, paymentToken, vaultAccount, 0)
	mustBalance(t, store, assetToken, vaultAccount, 0)
}

func TestCancelRejectedFromTerminalStates(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	if err := svc.CancelSettlement(ctx, testCredential, settlement.ID, "first"); err != nil {
		t.Fatalf("CancelSettlement: %v", err)
	}
	if err := svc.CancelSettlement(ctx, testCredential, settlement.ID, "second"); !errors.Is(err, domainerrors.ErrState) {
		t.Fatalf("cancel of cancelled err = %v, want ErrState", err)
	}

	got := mustState(t, svc, settlement.ID, entities.SettlementStateCancelled)
	if got.CancelReason != "first" {
		t.Fatalf("CancelReason overwritten: %q", got.CancelReason)
	}
}

func TestStateMachineTransitionTable(t *testing.T) {
	// Each operation must be rejected from every state except its documented
	// precondition state.
	type opFunc func(svc application.Service, id string) error

	ops := []struct {
		name    string
		allowed entities.SettlementState
		run     opFunc
	}{
		{
			name:    "RecordFundsPulled",
			allowed: entities.SettlementStatePending,
			run: func(svc application.Service, id string) error {
				return svc.RecordFundsPulled(context.Background(), testCredential, id, 121, 100)
			},
		},
		{
			name:    "ConfirmFinality",
			allowed: entities.SettlementStateFunded,
			run: func(svc application.Service, id string) error {
				return svc.ConfirmFinality(context.Background(), testCredential, id)
			},
		},
		{
			name:    "ExecuteSettlement",
			allowed: entities.SettlementStateFinalized,
			run: func(svc application.Service, id string) error {
				return svc.ExecuteSettlement(context.Background(), testCredential, id)
			},
		},
	}

	states := []entities.SettlementState{
		entities.SettlementStatePending,
		entities.SettlementStateFunded,
		entities.SettlementStateFinalized,
		entities.SettlementStateSettled,
		entities.SettlementStateCancelled,
	}

	for _, op := range ops {
		for _, state := range states {
			if state == op.allowed {
				continue
			}
			t.Run(fmt.Sprintf("%s_from_%s", op.name, state), func(t *testing.T) {
				store := memory.NewStore()
				svc := newVaultService(store, nil)
				settlement := createTestSettlement(t, svc)

				forced, err := svc.GetSettlement(context.Background(), settlement.ID)
				if err != nil {
					t.Fatalf("GetSettlement: %v", err)
				}
				forced.State = state
				if err := store.UpdateSettlement(context.Background(), forced); err != nil {
					t.Fatalf("force state: %v", err)
				}

				if err := op.run(svc, settlement.ID); !errors.Is(err, domainerrors.ErrState) {
					t.Fatalf("%s from %s err = %v, want ErrState", op.name, state, err)
				}
			})
		}
	}
}

func TestLifecycleEmitsEvents(t *testing.T) {
	store := memory.NewStore()
	svc := newVaultService(store, nil)
	ctx := context.Background()
	settlement := createTestSettlement(t, svc)

	store.Mint(ctx, paymentToken, vaultAccount, 121)
	store.Mint(ctx, assetToken, vaultAccount, 100)
	if err := svc.RecordFundsPulled(ctx, testCredential, settlement.ID, 121, 100); err != nil {
		t.Fatalf("RecordFundsPulled: %v", err)
	}
	if err := store.Transfer(ctx, paymentToken, vaultAccount, "venue", 110); err != nil {
		t.Fatalf("simulate conversion spend: %v", err)
	}
	store.Mint(ctx, settleToken, vaultAccount, 110)
	if err := svc.RecordConversionCompleted(ctx, testCredential, settlement.ID, 110, 110); err != nil {
		t.Fatalf("RecordConversionCompleted: %v", err)
	}
	if err := svc.ConfirmFinality(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ConfirmFinality: %v", err)
	}
	if err := svc.ExecuteSettlement(ctx, testCredential, settlement.ID); err != nil {
		t.Fatalf("ExecuteSettlement: %v", err)
	}

	pending, err := store.ListPendingOutbox(ctx, 50)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}

	want := map[string]bool{
		application.EventSettlementCreated:             false,
		application.EventSettlementFundsPulled:         false,
		application.EventSettlementConversionCompleted: false,
		application.EventSettlementFunded:              false,
		application.EventSettlementFinalityConfirmed:   false,
		application.EventSettlementSettled:             false,
	}
	for _, row := range pending {
		if _, ok := want[row.EventType]; ok {
			want[row.EventType] = true
		}
		if row.PartitionKey != settlement.ID {
			t.Fatalf("event %s partition key = %q, want settlement id", row.EventType, row.PartitionKey)
		}
	}
	for eventType, seen := range want {
		if !seen {
			t.Fatalf("event %s was not emitted", eventType)
		}
	}
}
