package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	application "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

// Converter runs the payment-to-settlement conversion for one settlement.
type Converter interface {
	ExecuteConversion(
		ctx context.Context,
		credential string,
		settlementID string,
		paymentAmountIn int64,
		minSettlementAmountOut int64,
	) error
}

// ConfirmationPolicy decides when a funded settlement counts as final: the
// ledger must have advanced Confirmations positions past the position
// recorded at funding time.
type ConfirmationPolicy struct {
	Confirmations uint64
}

func (p ConfirmationPolicy) Confirmed(current uint64, fundedAt uint64) bool {
	return current >= fundedAt+p.Confirmations
}

// SettlementOrchestrator sweeps open settlements forward: pending ones with
// pulled funds go through conversion, funded ones are finality-checked and
// then executed, and pending ones past their deadline are cancelled.
type SettlementOrchestrator struct {
	Vault      application.Service
	Converter  Converter
	Positions  ports.Positions
	Policy     ConfirmationPolicy
	Clock      ports.Clock
	Credential string
	// Deadline is how long a settlement may stay pending before the sweep
	// cancels it. Zero disables the deadline.
	Deadline  time.Duration
	BatchSize int
	Logger    *slog.Logger
}

func (o SettlementOrchestrator) RunOnce(ctx context.Context) error {
	if err := o.sweepPending(ctx); err != nil {
		return err
	}
	if err := o.sweepFunded(ctx); err != nil {
		return err
	}
	return o.sweepFinalized(ctx)
}

func (o SettlementOrchestrator) sweepPending(ctx context.Context) error {
	logger := application.ResolveLogger(o.Logger)
	now := o.now()

	pending, err := o.Vault.ListSettlementsByState(ctx, entities.SettlementStatePending, o.limit())
	if err != nil {
		return o.logSweepError(logger, "vault_orchestrator_list_pending_failed", err)
	}

	for _, settlement := range pending {
		if o.Deadline > 0 && now.Sub(settlement.CreatedAt) > o.Deadline {
			if err := o.Vault.CancelSettlement(ctx, o.Credential, settlement.ID, "settlement deadline exceeded"); err != nil {
				o.logItemError(logger, "vault_orchestrator_deadline_cancel_failed", settlement.ID, err)
			} else {
				logger.Info("settlement cancelled past deadline",
					"event", "vault_orchestrator_deadline_cancelled",
					"module", "settlement-core/escrow-vault",
					"layer", "worker",
					"settlement_id", settlement.ID,
				)
			}
			continue
		}
		if settlement.ActualPulled <= 0 {
			continue
		}

		err := o.Converter.ExecuteConversion(
			ctx,
			o.Credential,
			settlement.ID,
			settlement.ActualPulled,
			settlement.RequiredSettlementAmount,
		)
		if err == nil {
			logger.Info("settlement conversion completed",
				"event", "vault_orchestrator_conversion_completed",
				"module", "settlement-core/escrow-vault",
				"layer", "worker",
				"settlement_id", settlement.ID,
			)
			continue
		}
		if errors.Is(err, domainerrors.ErrInsufficientOutput) {
			if cancelErr := o.Vault.CancelSettlement(ctx, o.Credential, settlement.ID, "conversion output below required settlement amount"); cancelErr != nil {
				o.logItemError(logger, "vault_orchestrator_conversion_cancel_failed", settlement.ID, cancelErr)
			} else {
				logger.Warn("settlement cancelled on insufficient conversion output",
					"event", "vault_orchestrator_conversion_cancelled",
					"module", "settlement-core/escrow-vault",
					"layer", "worker",
					"settlement_id", settlement.ID,
					"error", err.Error(),
				)
			}
			continue
		}
		o.logItemError(logger, "vault_orchestrator_conversion_failed", settlement.ID, err)
	}
	return nil
}

func (o SettlementOrchestrator) sweepFunded(ctx context.Context) error {
	logger := application.ResolveLogger(o.Logger)

	funded, err := o.Vault.ListSettlementsByState(ctx, entities.SettlementStateFunded, o.limit())
	if err != nil {
		return o.logSweepError(logger, "vault_orchestrator_list_funded_failed", err)
	}
	if len(funded) == 0 {
		return nil
	}

	current, err := o.Positions.Current(ctx)
	if err != nil {
		return o.logSweepError(logger, "vault_orchestrator_position_read_failed", err)
	}

	for _, settlement := range funded {
		if !o.Policy.Confirmed(current, settlement.FundedPosition) {
			continue
		}
		if err := o.Vault.ConfirmFinality(ctx, o.Credential, settlement.ID); err != nil {
			o.logItemError(logger, "vault_orchestrator_confirm_finality_failed", settlement.ID, err)
			continue
		}
		logger.Info("settlement finality confirmed",
			"event", "vault_orchestrator_finality_confirmed",
			"module", "settlement-core/escrow-vault",
			"layer", "worker",
			"settlement_id", settlement.ID,
			"funded_position", settlement.FundedPosition,
			"current_position", current,
		)
	}
	return nil
}

func (o SettlementOrchestrator) sweepFinalized(ctx context.Context) error {
	logger := application.ResolveLogger(o.Logger)

	finalized, err := o.Vault.ListSettlementsByState(ctx, entities.SettlementStateFinalized, o.limit())
	if err != nil {
		return o.logSweepError(logger, "vault_orchestrator_list_finalized_failed", err)
	}

	for _, settlement := range finalized {
		if err := o.Vault.ExecuteSettlement(ctx, o.Credential, settlement.ID); err != nil {
			o.logItemError(logger, "vault_orchestrator_execute_settlement_failed", settlement.ID, err)
			continue
		}
		logger.Info("settlement executed",
			"event", "vault_orchestrator_settlement_executed",
			"module", "settlement-core/escrow-vault",
			"layer", "worker",
			"settlement_id", settlement.ID,
		)
	}
	return nil
}

func (o SettlementOrchestrator) limit() int {
	if o.BatchSize <= 0 {
		return 100
	}
	return o.BatchSize
}

func (o SettlementOrchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (o SettlementOrchestrator) logSweepError(logger *slog.Logger, event string, err error) error {
	logger.Error("settlement orchestrator sweep failed",
		"event", event,
		"module", "settlement-core/escrow-vault",
		"layer", "worker",
		"error", err.Error(),
	)
	return err
}

func (o SettlementOrchestrator) logItemError(logger *slog.Logger, event string, settlementID string, err error) {
	logger.Error("settlement orchestrator item failed",
		"event", event,
		"module", "settlement-core/escrow-vault",
		"layer", "worker",
		"settlement_id", settlementID,
		"error", err.Error(),
	)
}
