package ports

import (
	"context"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	contractsv1 "github.com/eyal42/x402global/contracts/gen/events/v1"
)

type CreateSettlementInput struct {
	Client                   string
	Seller                   string
	AssetRef                 string
	AssetAmount              int64
	RequiredSettlementAmount int64
	MaxPaymentAmount         int64
}

type Repository interface {
	CreateSettlement(ctx context.Context, settlement entities.Settlement) error
	GetSettlement(ctx context.Context, settlementID string) (entities.Settlement, error)
	UpdateSettlement(ctx context.Context, settlement entities.Settlement) error
	ListSettlementsByState(ctx context.Context, state entities.SettlementState, limit int) ([]entities.Settlement, error)
}

// Ledger is the vault's view of the token ledger. Token refs and accounts are
// opaque identifiers; amounts are in the token's smallest unit. Transfer must
// fail when the source balance is insufficient.
type Ledger interface {
	Transfer(ctx context.Context, token string, from string, to string, amount int64) error
	BalanceOf(ctx context.Context, token string, account string) (int64, error)
}

// Positions reports the current append position of the underlying ledger.
// The position recorded at funding time is what the finality policy runs
// against; the vault itself never interprets it.
type Positions interface {
	Current(ctx context.Context) (uint64, error)
}

// Authorizer checks the orchestrator capability presented on every mutating
// call. Swapping this port is how multi-party authorization would be added
// without touching the state machine.
type Authorizer interface {
	Authorize(ctx context.Context, credential string) error
}

// UnitOfWork runs fn to commit-or-abort completion. Every mutation performed
// through the context passed to fn becomes visible atomically; on error
// nothing is observable.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

type EventEnvelope = contractsv1.Envelope

type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

// EventPublisher publishes canonical envelopes to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}
