package ports

import (
	"context"
	"time"
)

// AuthorizationGrant is a verified, single-use delegation: the owner lets the
// puller move up to Amount of Token. The signature has already been checked
// by the time a value of this type exists; single use is enforced separately
// through the nonce store.
type AuthorizationGrant struct {
	Owner     string
	Spender   string
	Token     string
	Amount    int64
	Nonce     string
	ExpiresAt time.Time
}

// GrantVerifier checks a signed grant's signature and expiry and returns its
// claims. It does not consume the nonce.
type GrantVerifier interface {
	Verify(ctx context.Context, signedGrant string) (AuthorizationGrant, error)
}

// NonceStore enforces single use. ConsumeNonce returns true when the nonce
// was already consumed by an earlier call.
type NonceStore interface {
	ConsumeNonce(ctx context.Context, nonce string) (bool, error)
}

// TokenLedger is the funding service's view of the token ledger: establish an
// allowance from a verified grant, then pull against it.
type TokenLedger interface {
	Approve(ctx context.Context, token string, owner string, spender string, amount int64) error
	Allowance(ctx context.Context, token string, owner string, spender string) (int64, error)
	TransferFrom(ctx context.Context, token string, owner string, to string, spender string, amount int64) error
}

// EscrowRecorder is the vault operation the funding service reports into once
// both movements are complete.
type EscrowRecorder interface {
	RecordFundsPulled(ctx context.Context, credential string, settlementID string, paymentAmount int64, assetAmount int64) error
}

// UnitOfWork runs fn to commit-or-abort completion; on error no movement is
// observable.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type PullFundsInput struct {
	SettlementID  string
	Client        string
	Seller        string
	AssetRef      string
	AssetAmount   int64
	PaymentAmount int64
	ClientGrant   string
	SellerGrant   string
}

type PullClientFundsInput struct {
	SettlementID  string
	Client        string
	AssetAmount   int64
	PaymentAmount int64
	ClientGrant   string
}
