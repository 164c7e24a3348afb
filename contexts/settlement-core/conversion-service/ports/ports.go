package ports

import "context"

// Venue is the minimal contract of the external conversion venue. Execute is
// atomic on the venue side: it either converts the submitted input or fails
// with no effect. Pricing internals are deliberately opaque; nothing here may
// assume a fixed rate.
type Venue interface {
	Quote(ctx context.Context, amountIn int64) (int64, error)
	Execute(ctx context.Context, amountIn int64) (int64, error)
}

// Ledger is the coordinator's view of the token ledger: moving input to the
// venue and proceeds back into the vault.
type Ledger interface {
	Transfer(ctx context.Context, token string, from string, to string, amount int64) error
}

// EscrowRecorder is the vault operation the coordinator reports into.
type EscrowRecorder interface {
	RecordConversionCompleted(ctx context.Context, credential string, settlementID string, amountConsumed int64, amountReceived int64) error
}

// UnitOfWork runs fn to commit-or-abort completion.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}
