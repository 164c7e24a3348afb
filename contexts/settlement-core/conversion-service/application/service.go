package application

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/conversion-service/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/conversion-service/ports"
	vaulterrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
)

// Service submits escrowed payment currency to the external venue and
// returns the proceeds to the vault. The minimum-output check is the sole
// protection against adverse pricing; on any failure the whole operation
// aborts and the settlement stays Pending for the orchestrator to retry with
// a new quote or cancel. No internal retry.
type Service struct {
	Venue      ports.Venue
	Ledger     ports.Ledger
	Escrow     ports.EscrowRecorder
	UnitOfWork ports.UnitOfWork

	// VaultAccount holds the escrowed funds; VenueAccount is the venue's
	// ledger account input is submitted to and proceeds drawn from.
	VaultAccount string
	VenueAccount string

	PaymentToken    string
	SettlementToken string

	Logger *slog.Logger
}

// ExecuteConversion converts escrowed payment currency into at least
// minSettlementAmountOut of settlement currency. It quotes first and submits
// only the input slice the quote says is needed, leaving the rest in escrow
// as residual.
func (s Service) ExecuteConversion(
	ctx context.Context,
	credential string,
	settlementID string,
	paymentAmountIn int64,
	minSettlementAmountOut int64,
) error {
	settlementID = strings.TrimSpace(settlementID)
	if settlementID == "" || paymentAmountIn <= 0 || minSettlementAmountOut <= 0 {
		return vaulterrors.ErrArgument
	}

	var consumed, received int64
	err := s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		quoteOut, err := s.Venue.Quote(ctx, paymentAmountIn)
		if err != nil {
			return fmt.Errorf("%w: quote for %d: %v", domainerrors.ErrVenue, paymentAmountIn, err)
		}
		if quoteOut < minSettlementAmountOut {
			return &vaulterrors.InsufficientOutputError{
				SettlementID: settlementID,
				Required:     minSettlementAmountOut,
				Received:     quoteOut,
			}
		}

		amountIn := inputForMinimumOut(paymentAmountIn, minSettlementAmountOut, quoteOut)

		if err := s.Ledger.Transfer(ctx, s.PaymentToken, s.VaultAccount, s.VenueAccount, amountIn); err != nil {
			return &vaulterrors.TransferError{
				SettlementID: settlementID,
				Token:        s.PaymentToken,
				From:         s.VaultAccount,
				To:           s.VenueAccount,
				Amount:       amountIn,
				Cause:        err,
			}
		}

		amountOut, err := s.Venue.Execute(ctx, amountIn)
		if err != nil {
			return fmt.Errorf("%w: execute for %d: %v", domainerrors.ErrVenue, amountIn, err)
		}
		if amountOut < minSettlementAmountOut {
			return &vaulterrors.InsufficientOutputError{
				SettlementID:   settlementID,
				Required:       minSettlementAmountOut,
				Received:       amountOut,
				AmountConsumed: amountIn,
			}
		}

		if err := s.Ledger.Transfer(ctx, s.SettlementToken, s.VenueAccount, s.VaultAccount, amountOut); err != nil {
			return &vaulterrors.TransferError{
				SettlementID: settlementID,
				Token:        s.SettlementToken,
				From:         s.VenueAccount,
				To:           s.VaultAccount,
				Amount:       amountOut,
				Cause:        err,
			}
		}

		consumed = amountIn
		received = amountOut
		return s.Escrow.RecordConversionCompleted(ctx, credential, settlementID, amountIn, amountOut)
	})
	if err != nil {
		return err
	}

	s.logInfo("conversion executed", "conversion_executed",
		"settlement_id", settlementID,
		"amount_consumed", consumed,
		"amount_received", received,
		"min_out", minSettlementAmountOut,
	)
	return nil
}

// Quote exposes the venue quote for the orchestrator's pricing decisions.
func (s Service) Quote(ctx context.Context, amountIn int64) (int64, error) {
	if amountIn <= 0 {
		return 0, vaulterrors.ErrArgument
	}
	out, err := s.Venue.Quote(ctx, amountIn)
	if err != nil {
		return 0, fmt.Errorf("%w: quote for %d: %v", domainerrors.ErrVenue, amountIn, err)
	}
	return out, nil
}

// inputForMinimumOut scales the quoted rate to the smallest input slice that
// still clears minOut, capped at the available input. Big-int math so large
// smallest-unit amounts cannot overflow the intermediate product.
func inputForMinimumOut(available int64, minOut int64, quoteOut int64) int64 {
	if quoteOut <= 0 {
		return available
	}
	num := new(big.Int).Mul(big.NewInt(available), big.NewInt(minOut))
	num.Add(num, big.NewInt(quoteOut-1))
	num.Div(num, big.NewInt(quoteOut))
	if !num.IsInt64() || num.Int64() > available {
		return available
	}
	if num.Int64() <= 0 {
		return available
	}
	return num.Int64()
}

func (s Service) logInfo(msg string, event string, attrs ...any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "settlement-core/conversion-service",
		"layer", "application",
	)
	fields = append(fields, attrs...)
	logger.Info(msg, fields...)
}
