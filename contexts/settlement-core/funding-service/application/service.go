package application

import (
	"context"
	"log/slog"
	"strings"

	vaulterrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/funding-service/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/funding-service/ports"
)

// Service turns signed single-use grants into actual fund movements from the
// principals into the vault, then reports to the vault. Both movements and
// the recording run inside one unit of work: either everything is observable
// or nothing is.
type Service struct {
	Verifier   ports.GrantVerifier
	Nonces     ports.NonceStore
	Ledger     ports.TokenLedger
	Escrow     ports.EscrowRecorder
	UnitOfWork ports.UnitOfWork

	// PullerAccount is the spender identity grants must name.
	PullerAccount string
	// VaultAccount is where pulled funds land.
	VaultAccount string
	// PaymentToken is the ledger ref of the payment currency.
	PaymentToken string

	Logger *slog.Logger
}

// PullFundsWithAuthorizations consumes the client's payment grant and the
// seller's asset grant and moves both legs into the vault.
func (s Service) PullFundsWithAuthorizations(ctx context.Context, credential string, input ports.PullFundsInput) error {
	settlementID := strings.TrimSpace(input.SettlementID)
	client := strings.TrimSpace(input.Client)
	seller := strings.TrimSpace(input.Seller)
	assetRef := strings.TrimSpace(input.AssetRef)
	if settlementID == "" || client == "" || seller == "" || assetRef == "" ||
		input.AssetAmount <= 0 || input.PaymentAmount <= 0 {
		return vaulterrors.ErrArgument
	}

	err := s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.consumeAndPull(ctx, settlementID, client, s.PaymentToken, input.PaymentAmount, input.ClientGrant); err != nil {
			return err
		}
		if err := s.consumeAndPull(ctx, settlementID, seller, assetRef, input.AssetAmount, input.SellerGrant); err != nil {
			return err
		}
		return s.Escrow.RecordFundsPulled(ctx, credential, settlementID, input.PaymentAmount, input.AssetAmount)
	})
	if err != nil {
		return err
	}

	s.logInfo("funds pulled into vault", "funding_funds_pulled",
		"settlement_id", settlementID,
		"client", client,
		"seller", seller,
		"payment_amount", input.PaymentAmount,
		"asset_amount", input.AssetAmount,
	)
	return nil
}

// PullClientFundsOnly pulls only the client's payment leg, for settlements
// whose asset was pre-funded into the vault out of band. The pre-funded asset
// amount is still recorded with the vault.
func (s Service) PullClientFundsOnly(ctx context.Context, credential string, input ports.PullClientFundsInput) error {
	settlementID := strings.TrimSpace(input.SettlementID)
	client := strings.TrimSpace(input.Client)
	if settlementID == "" || client == "" || input.AssetAmount <= 0 || input.PaymentAmount <= 0 {
		return vaulterrors.ErrArgument
	}

	err := s.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.consumeAndPull(ctx, settlementID, client, s.PaymentToken, input.PaymentAmount, input.ClientGrant); err != nil {
			return err
		}
		return s.Escrow.RecordFundsPulled(ctx, credential, settlementID, input.PaymentAmount, input.AssetAmount)
	})
	if err != nil {
		return err
	}

	s.logInfo("client funds pulled into vault", "funding_client_funds_pulled",
		"settlement_id", settlementID,
		"client", client,
		"payment_amount", input.PaymentAmount,
	)
	return nil
}

// consumeAndPull verifies the grant, enforces single use, establishes the
// allowance, and pulls amount into the vault. A replayed grant is tolerated
// when the allowance it established is still sufficient, so a retried call
// does not require re-signing; every other rejection fails closed.
func (s Service) consumeAndPull(
	ctx context.Context,
	settlementID string,
	owner string,
	token string,
	amount int64,
	signedGrant string,
) error {
	grant, err := s.Verifier.Verify(ctx, signedGrant)
	if err != nil {
		return &domainerrors.AuthorizationError{
			SettlementID: settlementID,
			Owner:        owner,
			Token:        token,
			Reason:       "grant verification failed",
			Cause:        err,
		}
	}
	if grant.Owner != owner || grant.Spender != s.PullerAccount || grant.Token != token {
		return &domainerrors.AuthorizationError{
			SettlementID: settlementID,
			Owner:        owner,
			Token:        token,
			Reason:       "grant principals or token do not match the settlement",
		}
	}
	if grant.Amount < amount {
		return &domainerrors.AuthorizationError{
			SettlementID: settlementID,
			Owner:        owner,
			Token:        token,
			Reason:       "grant amount below required pull amount",
		}
	}

	alreadyUsed, err := s.Nonces.ConsumeNonce(ctx, grant.Nonce)
	if err != nil {
		return err
	}
	if alreadyUsed {
		allowance, err := s.Ledger.Allowance(ctx, token, owner, s.PullerAccount)
		if err != nil {
			return err
		}
		if allowance < amount {
			return &domainerrors.AuthorizationError{
				SettlementID: settlementID,
				Owner:        owner,
				Token:        token,
				Reason:       "grant already consumed and remaining allowance is insufficient",
			}
		}
		// Allowance from the earlier consumption still covers the pull;
		// treat the grant as already consumed and proceed.
	} else {
		if err := s.Ledger.Approve(ctx, token, owner, s.PullerAccount, grant.Amount); err != nil {
			return err
		}
	}

	if err := s.Ledger.TransferFrom(ctx, token, owner, s.VaultAccount, s.PullerAccount, amount); err != nil {
		return &vaulterrors.TransferError{
			SettlementID: settlementID,
			Token:        token,
			From:         owner,
			To:           s.VaultAccount,
			Amount:       amount,
			Cause:        err,
		}
	}
	return nil
}

func (s Service) logInfo(msg string, event string, attrs ...any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "settlement-core/funding-service",
		"layer", "application",
	)
	fields = append(fields, attrs...)
	logger.Info(msg, fields...)
}
