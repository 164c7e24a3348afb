package entities

import "time"

// SettlementState is the lifecycle state of a settlement held by the vault.
// Transitions are strictly ordered: None -> Pending -> Funded -> Finalized ->
// Settled, with Cancelled reachable from any non-terminal state. Settled and
// Cancelled are terminal; records are retained read-only for audit.
type SettlementState string

const (
	SettlementStateNone      SettlementState = "none"
	SettlementStatePending   SettlementState = "pending"
	SettlementStateFunded    SettlementState = "funded"
	SettlementStateFinalized SettlementState = "finalized"
	SettlementStateSettled   SettlementState = "settled"
	SettlementStateCancelled SettlementState = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s SettlementState) Terminal() bool {
	return s == SettlementStateSettled || s == SettlementStateCancelled
}

// Settlement is one escrowed exchange of an asset for settlement currency
// between a client (buyer) and a seller, driven by the orchestrator.
//
// All amounts are integers in the smallest unit of their token. Held* fields
// are the vault's per-settlement custody bookkeeping: they track exactly what
// the vault currently holds for this id, so cancellation can refund in full
// and settlement can pay out without consulting global balances.
type Settlement struct {
	ID     string
	Client string
	Seller string

	AssetRef    string
	AssetAmount int64

	// RequiredSettlementAmount is the minimum settlement-currency output the
	// conversion must produce before the settlement may become Funded.
	RequiredSettlementAmount int64

	// MaxPaymentAmount is the cap the client authorized for the payment pull.
	MaxPaymentAmount int64

	// ActualPulled is the payment-currency amount actually pulled into the
	// vault. Set exactly once by the funds-pulled transition.
	ActualPulled int64

	// ActualReceived is the settlement-currency amount produced by the
	// conversion. Always >= RequiredSettlementAmount once Funded.
	ActualReceived int64

	// Residual is ActualPulled minus the payment consumed by the conversion.
	// Refunded to the client at settlement or cancellation.
	Residual int64

	HeldPayment    int64
	HeldAsset      int64
	HeldSettlement int64

	// FundedPosition is the ledger position recorded when the settlement
	// became Funded; the finality policy is applied against it.
	FundedPosition uint64

	State        SettlementState
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
