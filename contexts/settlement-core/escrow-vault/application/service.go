package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

const (
	EventSettlementCreated             = "settlement.created"
	EventSettlementFundsPulled         = "settlement.funds_pulled"
	EventSettlementConversionCompleted = "settlement.conversion_completed"
	EventSettlementFunded              = "settlement.funded"
	EventSettlementFinalityConfirmed   = "settlement.finality_confirmed"
	EventSettlementSettled             = "settlement.settled"
	EventSettlementCancelled           = "settlement.cancelled"
)

// Service owns the settlement record and its state machine. It is the only
// component the funding and conversion services report into.
//
// Every mutating operation checks the orchestrator credential, runs inside a
// unit of work, and checks its documented precondition state before touching
// anything. The caller serializes operations per settlement id; the state
// guard makes duplicate submissions safe regardless.
type Service struct {
	Repo       ports.Repository
	Ledger     ports.Ledger
	Positions  ports.Positions
	Authorizer ports.Authorizer
	UnitOfWork ports.UnitOfWork
	Outbox     ports.OutboxWriter
	Clock      ports.Clock
	IDGen      ports.IDGenerator

	// VaultAccount is the ledger account holding escrowed funds.
	VaultAccount string
	// PaymentToken and SettlementToken are the ledger refs of the payment
	// currency pulled from clients and the settlement currency paid to
	// sellers.
	PaymentToken    string
	SettlementToken string

	Logger *slog.Logger
}

func (s Service) CreateSettlement(
	ctx context.Context,
	credential string,
	input ports.CreateSettlementInput,
) (entities.Settlement, error) {
	if err := s.authorize(ctx, credential); err != nil {
		return entities.Settlement{}, err
	}
	client := strings.TrimSpace(input.Client)
	seller := strings.TrimSpace(input.Seller)
	assetRef := strings.TrimSpace(input.AssetRef)
	if client == "" || seller == "" || assetRef == "" ||
		input.AssetAmount <= 0 || input.RequiredSettlementAmount <= 0 || input.MaxPaymentAmount <= 0 {
		return entities.Settlement{}, domainerrors.ErrArgument
	}

	id, err := s.IDGen.NewID(ctx)
	if err != nil {
		return entities.Settlement{}, err
	}
	now := s.now()
	settlement := entities.Settlement{
		ID:                       strings.TrimSpace(id),
		Client:                   client,
		Seller:                   seller,
		AssetRef:                 assetRef,
		AssetAmount:              input.AssetAmount,
		RequiredSettlementAmount: input.RequiredSettlementAmount,
		MaxPaymentAmount:         input.MaxPaymentAmount,
		State:                    entities.SettlementStatePending,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	err = s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.Repo.CreateSettlement(ctx, settlement); err != nil {
			return err
		}
		return s.appendEvent(ctx, EventSettlementCreated, settlement, map[string]any{
			"client":                     settlement.Client,
			"seller":                     settlement.Seller,
			"asset_ref":                  settlement.AssetRef,
			"asset_amount":               settlement.AssetAmount,
			"required_settlement_amount": settlement.RequiredSettlementAmount,
			"max_payment_amount":         settlement.MaxPaymentAmount,
		})
	})
	if err != nil {
		return entities.Settlement{}, err
	}

	s.logInfo("settlement created", "vault_settlement_created",
		"settlement_id", settlement.ID,
		"client", settlement.Client,
		"seller", settlement.Seller,
		"asset_amount", settlement.AssetAmount,
		"required_settlement_amount", settlement.RequiredSettlementAmount,
	)
	return settlement, nil
}

// RecordFundsPulled stores the amounts the funding service moved into the
// vault. Valid only once, from Pending; the settlement stays Pending until
// the conversion completes.
func (s Service) RecordFundsPulled(
	ctx context.Context,
	credential string,
	settlementID string,
	paymentAmount int64,
	assetAmount int64,
) error {
	if err := s.authorize(ctx, credential); err != nil {
		return err
	}
	if paymentAmount <= 0 || assetAmount <= 0 {
		return domainerrors.ErrArgument
	}

	return s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		settlement, err := s.Repo.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if settlement.State != entities.SettlementStatePending {
			return s.stateError(settlement, "RecordFundsPulled", "pending")
		}
		if settlement.ActualPulled > 0 {
			return &domainerrors.StateError{
				SettlementID: settlement.ID,
				Operation:    "RecordFundsPulled",
				Expected:     []string{"pending, funds not yet pulled"},
				Actual:       "pending, funds already pulled",
			}
		}
		if paymentAmount > settlement.MaxPaymentAmount || assetAmount != settlement.AssetAmount {
			return domainerrors.ErrArgument
		}

		settlement.ActualPulled = paymentAmount
		settlement.HeldPayment = paymentAmount
		settlement.HeldAsset = assetAmount
		settlement.UpdatedAt = s.now()
		if err := s.Repo.UpdateSettlement(ctx, settlement); err != nil {
			return err
		}
		return s.appendEvent(ctx, EventSettlementFundsPulled, settlement, map[string]any{
			"payment_amount": paymentAmount,
			"asset_amount":   assetAmount,
		})
	})
}

// RecordConversionCompleted validates the conversion outcome and moves the
// settlement to Funded, recording the ledger position finality will be
// measured from. Below-minimum output fails without any state change.
func (s Service) RecordConversionCompleted(
	ctx context.Context,
	credential string,
	settlementID string,
	amountConsumed int64,
	amountReceived int64,
) error {
	if err := s.authorize(ctx, credential); err != nil {
		return err
	}
	if amountConsumed <= 0 || amountReceived < 0 {
		return domainerrors.ErrArgument
	}

	return s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		settlement, err := s.Repo.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if settlement.State != entities.SettlementStatePending {
			return s.stateError(settlement, "RecordConversionCompleted", "pending")
		}
		if settlement.ActualPulled == 0 {
			return &domainerrors.StateError{
				SettlementID: settlement.ID,
				Operation:    "RecordConversionCompleted",
				Expected:     []string{"pending, funds pulled"},
				Actual:       "pending, funds not pulled",
			}
		}
		if amountConsumed > settlement.ActualPulled {
			return domainerrors.ErrArgument
		}
		if amountReceived < settlement.RequiredSettlementAmount {
			return &domainerrors.InsufficientOutputError{
				SettlementID:   settlement.ID,
				Required:       settlement.RequiredSettlementAmount,
				Received:       amountReceived,
				AmountConsumed: amountConsumed,
			}
		}

		position, err := s.Positions.Current(ctx)
		if err != nil {
			return err
		}

		settlement.ActualReceived = amountReceived
		settlement.Residual = settlement.ActualPulled - amountConsumed
		settlement.HeldPayment = settlement.Residual
		settlement.HeldSettlement = amountReceived
		settlement.FundedPosition = position
		settlement.State = entities.SettlementStateFunded
		settlement.UpdatedAt = s.now()
		if err := s.Repo.UpdateSettlement(ctx, settlement); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, EventSettlementConversionCompleted, settlement, map[string]any{
			"amount_consumed": amountConsumed,
			"amount_received": amountReceived,
			"residual":        settlement.Residual,
		}); err != nil {
			return err
		}
		return s.appendEvent(ctx, EventSettlementFunded, settlement, map[string]any{
			"actual_received": settlement.ActualReceived,
			"funded_position": settlement.FundedPosition,
		})
	})
}

// ConfirmFinality is pure bookkeeping: the orchestrator observed finality and
// says so. The vault trusts the signal.
func (s Service) ConfirmFinality(ctx context.Context, credential string, settlementID string) error {
	if err := s.authorize(ctx, credential); err != nil {
		return err
	}

	return s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		settlement, err := s.Repo.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if settlement.State != entities.SettlementStateFunded {
			return s.stateError(settlement, "ConfirmFinality", "funded")
		}
		settlement.State = entities.SettlementStateFinalized
		settlement.UpdatedAt = s.now()
		if err := s.Repo.UpdateSettlement(ctx, settlement); err != nil {
			return err
		}
		return s.appendEvent(ctx, EventSettlementFinalityConfirmed, settlement, map[string]any{
			"funded_position": settlement.FundedPosition,
		})
	})
}

// ExecuteSettlement pays out: settlement currency to the seller, the asset to
// the client, and any residual payment back to the client. The state flips to
// Settled before any outward transfer, so a reentrant call inside the same
// unit of work observes the terminal state and is rejected; a failed transfer
// aborts the whole unit and nothing is visible.
func (s Service) ExecuteSettlement(ctx context.Context, credential string, settlementID string) error {
	if err := s.authorize(ctx, credential); err != nil {
		return err
	}

	var settled entities.Settlement
	err := s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		settlement, err := s.Repo.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if settlement.State != entities.SettlementStateFinalized {
			return s.stateError(settlement, "ExecuteSettlement", "finalized")
		}

		payoutSettlement := settlement.HeldSettlement
		payoutAsset := settlement.HeldAsset
		residual := settlement.HeldPayment

		settlement.State = entities.SettlementStateSettled
		settlement.HeldPayment = 0
		settlement.HeldAsset = 0
		settlement.HeldSettlement = 0
		settlement.UpdatedAt = s.now()
		if err := s.Repo.UpdateSettlement(ctx, settlement); err != nil {
			return err
		}

		if err := s.transfer(ctx, settlement, s.SettlementToken, settlement.Seller, payoutSettlement); err != nil {
			return err
		}
		if err := s.transfer(ctx, settlement, settlement.AssetRef, settlement.Client, payoutAsset); err != nil {
			return err
		}
		if residual > 0 {
			if err := s.transfer(ctx, settlement, s.PaymentToken, settlement.Client, residual); err != nil {
				return err
			}
		}

		settled = settlement
		return s.appendEvent(ctx, EventSettlementSettled, settlement, map[string]any{
			"settlement_paid": payoutSettlement,
			"asset_paid":      payoutAsset,
			"residual_refund": residual,
		})
	})
	if err != nil {
		return err
	}

	s.logInfo("settlement executed", "vault_settlement_settled",
		"settlement_id", settled.ID,
		"seller", settled.Seller,
		"client", settled.Client,
		"settlement_paid", settled.ActualReceived,
		"residual_refund", settled.Residual,
	)
	return nil
}

// CancelSettlement refunds whatever the vault currently holds for the id to
// the original owners and terminates the settlement. Valid from any
// non-terminal state.
func (s Service) CancelSettlement(ctx context.Context, credential string, settlementID string, reason string) error {
	if err := s.authorize(ctx, credential); err != nil {
		return err
	}

	var cancelled entities.Settlement
	err := s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		settlement, err := s.Repo.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if settlement.State.Terminal() {
			return s.stateError(settlement, "CancelSettlement", "pending", "funded", "finalized")
		}

		refundPayment := settlement.HeldPayment
		refundAsset := settlement.HeldAsset
		refundSettlement := settlement.HeldSettlement

		settlement.State = entities.SettlementStateCancelled
		settlement.CancelReason = strings.TrimSpace(reason)
		settlement.HeldPayment = 0
		settlement.HeldAsset = 0
		settlement.HeldSettlement = 0
		settlement.UpdatedAt = s.now()
		if err := s.Repo.UpdateSettlement(ctx, settlement); err != nil {
			return err
		}

		if refundPayment > 0 {
			if err := s.transfer(ctx, settlement, s.PaymentToken, settlement.Client, refundPayment); err != nil {
				return err
			}
		}
		if refundAsset > 0 {
			if err := s.transfer(ctx, settlement, settlement.AssetRef, settlement.Seller, refundAsset); err != nil {
				return err
			}
		}
		// Settlement currency held mid-flight was bought with the client's
		// payment, so it refunds to the client.
		if refundSettlement > 0 {
			if err := s.transfer(ctx, settlement, s.SettlementToken, settlement.Client, refundSettlement); err != nil {
				return err
			}
		}

		cancelled = settlement
		return s.appendEvent(ctx, EventSettlementCancelled, settlement, map[string]any{
			"reason":            settlement.CancelReason,
			"refund_payment":    refundPayment,
			"refund_asset":      refundAsset,
			"refund_settlement": refundSettlement,
		})
	})
	if err != nil {
		return err
	}

	s.logInfo("settlement cancelled", "vault_settlement_cancelled",
		"settlement_id", cancelled.ID,
		"reason", cancelled.CancelReason,
	)
	return nil
}

func (s Service) GetSettlement(ctx context.Context, settlementID string) (entities.Settlement, error) {
	if strings.TrimSpace(settlementID) == "" {
		return entities.Settlement{}, domainerrors.ErrArgument
	}
	return s.Repo.GetSettlement(ctx, strings.TrimSpace(settlementID))
}

func (s Service) ListSettlementsByState(
	ctx context.Context,
	state entities.SettlementState,
	limit int,
) ([]entities.Settlement, error) {
	return s.Repo.ListSettlementsByState(ctx, state, limit)
}

func (s Service) authorize(ctx context.Context, credential string) error {
	if s.Authorizer == nil {
		return domainerrors.ErrUnauthorized
	}
	return s.Authorizer.Authorize(ctx, credential)
}

func (s Service) transfer(
	ctx context.Context,
	settlement entities.Settlement,
	token string,
	to string,
	amount int64,
) error {
	if err := s.Ledger.Transfer(ctx, token, s.VaultAccount, to, amount); err != nil {
		return &domainerrors.TransferError{
			SettlementID: settlement.ID,
			Token:        token,
			From:         s.VaultAccount,
			To:           to,
			Amount:       amount,
			Cause:        err,
		}
	}
	return nil
}

func (s Service) stateError(
	settlement entities.Settlement,
	operation string,
	expected ...string,
) error {
	return &domainerrors.StateError{
		SettlementID: settlement.ID,
		Operation:    operation,
		Expected:     expected,
		Actual:       string(settlement.State),
	}
}

func (s Service) appendEvent(
	ctx context.Context,
	eventType string,
	settlement entities.Settlement,
	payload map[string]any,
) error {
	if s.Outbox == nil {
		return nil
	}
	eventID, err := s.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	payload["settlement_id"] = settlement.ID
	payload["state"] = string(settlement.State)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Outbox.AppendOutbox(ctx, ports.EventEnvelope{
		EventID:          strings.TrimSpace(eventID),
		EventType:        eventType,
		OccurredAt:       s.now(),
		SourceService:    "escrow-vault",
		TraceID:          settlement.ID,
		SchemaVersion:    1,
		PartitionKeyPath: "settlement_id",
		PartitionKey:     settlement.ID,
		Data:             data,
	})
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s Service) logInfo(msg string, event string, attrs ...any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "settlement-core/escrow-vault",
		"layer", "application",
	)
	fields = append(fields, attrs...)
	logger.Info(msg, fields...)
}
