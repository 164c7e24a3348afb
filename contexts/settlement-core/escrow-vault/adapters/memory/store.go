package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownSigner         = errors.New("no signing key registered for principal")
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

type balanceKey struct {
	Token   string
	Account string
}

type allowanceKey struct {
	Token   string
	Owner   string
	Spender string
}

type outboxRecord struct {
	Message     ports.OutboxMessage
	Status      string
	PublishedAt *time.Time
}

// Store is the in-memory backend for dev and tests. One instance implements
// every port of the settlement-core services: settlement repository, token
// ledger with allowances, ledger positions, grant nonce store, signing-key
// registry, outbox, clock, id generator, and unit of work.
//
// Execute serializes transactions and rolls the whole store back on error;
// nested Execute calls join the outer transaction. Direct writes issued
// concurrently with a running transaction are not isolated from it; the
// services only mutate through Execute.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	settlements map[string]entities.Settlement
	balances    map[balanceKey]int64
	allowances  map[allowanceKey]int64
	usedNonces  map[string]bool
	signingKeys map[string][]byte
	outbox      map[string]outboxRecord
	position    uint64
}

func NewStore() *Store {
	return &Store{
		settlements: make(map[string]entities.Settlement),
		balances:    make(map[balanceKey]int64),
		allowances:  make(map[allowanceKey]int64),
		usedNonces:  make(map[string]bool),
		signingKeys: make(map[string][]byte),
		outbox:      make(map[string]outboxRecord),
	}
}

type txContextKey struct{}

// Execute runs fn against the store and restores the pre-transaction snapshot
// if fn fails, so a partially applied operation is never observable. A nested
// Execute joins the transaction already running in ctx; the outermost call
// owns the snapshot and the rollback.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txContextKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, txContextKey{}, txContextKey{})); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Store) CreateSettlement(_ context.Context, settlement entities.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(settlement.ID)
	if id == "" {
		return domainerrors.ErrArgument
	}
	if _, exists := s.settlements[id]; exists {
		return domainerrors.ErrDuplicateSettlement
	}
	s.settlements[id] = settlement
	return nil
}

func (s *Store) GetSettlement(_ context.Context, settlementID string) (entities.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settlement, ok := s.settlements[strings.TrimSpace(settlementID)]
	if !ok {
		return entities.Settlement{}, domainerrors.ErrNotFound
	}
	return settlement, nil
}

func (s *Store) UpdateSettlement(_ context.Context, settlement entities.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(settlement.ID)
	if _, ok := s.settlements[id]; !ok {
		return domainerrors.ErrNotFound
	}
	s.settlements[id] = settlement
	return nil
}

func (s *Store) ListSettlementsByState(
	_ context.Context,
	state entities.SettlementState,
	limit int,
) ([]entities.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]entities.Settlement, 0)
	for _, settlement := range s.settlements {
		if settlement.State == state {
			items = append(items, settlement)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Mint credits an account out of thin air. Dev and test seeding only; the
// real token mechanics live outside this system.
func (s *Store) Mint(_ context.Context, token string, account string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{Token: token, Account: account}] += amount
}

func (s *Store) BalanceOf(_ context.Context, token string, account string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{Token: token, Account: account}], nil
}

func (s *Store) Transfer(_ context.Context, token string, from string, to string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return domainerrors.ErrArgument
	}
	fromKey := balanceKey{Token: token, Account: from}
	if s.balances[fromKey] < amount {
		return ErrInsufficientBalance
	}
	s.balances[fromKey] -= amount
	s.balances[balanceKey{Token: token, Account: to}] += amount
	s.position++
	return nil
}

func (s *Store) Approve(_ context.Context, token string, owner string, spender string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return domainerrors.ErrArgument
	}
	s.allowances[allowanceKey{Token: token, Owner: owner, Spender: spender}] = amount
	return nil
}

func (s *Store) Allowance(_ context.Context, token string, owner string, spender string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowances[allowanceKey{Token: token, Owner: owner, Spender: spender}], nil
}

// TransferFrom moves owner funds using the spender's allowance, consuming it.
func (s *Store) TransferFrom(
	_ context.Context,
	token string,
	owner string,
	to string,
	spender string,
	amount int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return domainerrors.ErrArgument
	}
	aKey := allowanceKey{Token: token, Owner: owner, Spender: spender}
	if s.allowances[aKey] < amount {
		return ErrInsufficientAllowance
	}
	fromKey := balanceKey{Token: token, Account: owner}
	if s.balances[fromKey] < amount {
		return ErrInsufficientBalance
	}
	s.allowances[aKey] -= amount
	s.balances[fromKey] -= amount
	s.balances[balanceKey{Token: token, Account: to}] += amount
	s.position++
	return nil
}

// Current returns the ledger position. Every transfer advances it, so
// wait-N-confirmations finality can be exercised end to end in memory.
func (s *Store) Current(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

// Advance moves the position forward without a transfer, simulating unrelated
// ledger activity.
func (s *Store) Advance(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position += n
}

// ConsumeNonce marks a grant nonce used. Returns true if the nonce had
// already been consumed.
func (s *Store) ConsumeNonce(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return false, domainerrors.ErrArgument
	}
	if s.usedNonces[nonce] {
		return true, nil
	}
	s.usedNonces[nonce] = true
	return false, nil
}

func (s *Store) RegisterSigningKey(principal string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signingKeys[strings.TrimSpace(principal)] = append([]byte(nil), key...)
}

func (s *Store) SigningKey(_ context.Context, principal string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.signingKeys[strings.TrimSpace(principal)]
	if !ok {
		return nil, ErrUnknownSigner
	}
	return append([]byte(nil), key...), nil
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		return domainerrors.ErrArgument
	}
	if existing, ok := s.outbox[outboxID]; ok {
		if !bytes.Equal(existing.Message.Payload, payload) {
			return domainerrors.ErrArgument
		}
		return nil
	}
	s.outbox[outboxID] = outboxRecord{
		Message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    envelope.EventType,
			PartitionKey: envelope.PartitionKey,
			Payload:      payload,
			CreatedAt:    envelope.OccurredAt.UTC(),
		},
		Status: outboxStatusPending,
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0)
	for _, row := range s.outbox {
		if row.Status == outboxStatusPending {
			items = append(items, row.Message)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrNotFound
	}
	ts := publishedAt.UTC()
	row.Status = outboxStatusPublished
	row.PublishedAt = &ts
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

type storeSnapshot struct {
	settlements map[string]entities.Settlement
	balances    map[balanceKey]int64
	allowances  map[allowanceKey]int64
	usedNonces  map[string]bool
	outbox      map[string]outboxRecord
	position    uint64
}

func (s *Store) snapshot() storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := storeSnapshot{
		settlements: make(map[string]entities.Settlement, len(s.settlements)),
		balances:    make(map[balanceKey]int64, len(s.balances)),
		allowances:  make(map[allowanceKey]int64, len(s.allowances)),
		usedNonces:  make(map[string]bool, len(s.usedNonces)),
		outbox:      make(map[string]outboxRecord, len(s.outbox)),
		position:    s.position,
	}
	for k, v := range s.settlements {
		snap.settlements[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.allowances {
		snap.allowances[k] = v
	}
	for k, v := range s.usedNonces {
		snap.usedNonces[k] = v
	}
	for k, v := range s.outbox {
		snap.outbox[k] = v
	}
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = snap.settlements
	s.balances = snap.balances
	s.allowances = snap.allowances
	s.usedNonces = snap.usedNonces
	s.outbox = snap.outbox
	s.position = snap.position
}

// StaticAuthorizer accepts exactly one orchestrator credential. The vault
// treats the credential as an opaque capability; rotating or replacing the
// scheme only touches this adapter.
type StaticAuthorizer struct {
	Credential string
}

func (a StaticAuthorizer) Authorize(_ context.Context, credential string) error {
	if a.Credential == "" || credential != a.Credential {
		return domainerrors.ErrUnauthorized
	}
	return nil
}

var _ ports.Repository = (*Store)(nil)
var _ ports.Ledger = (*Store)(nil)
var _ ports.Positions = (*Store)(nil)
var _ ports.UnitOfWork = (*Store)(nil)
var _ ports.OutboxWriter = (*Store)(nil)
var _ ports.OutboxRepository = (*Store)(nil)
var _ ports.Authorizer = StaticAuthorizer{}
