package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	domainerrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownSigner         = errors.New("no signing key registered for principal")
)

// Repository is the gorm/postgres backend for the settlement vault. Like the
// in-memory store, one instance serves every settlement-core port: records,
// token ledger, positions, grant nonces, signing keys, and outbox.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type txContextKey struct{}

// Execute runs fn inside one database transaction. Adapter methods called
// with the derived context join the transaction, so every mutation an
// operation performs commits or rolls back together. A nested Execute joins
// the transaction already carried in ctx instead of opening a second one;
// the outermost call owns commit-or-abort.
func (r *Repository) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *Repository) CreateSettlement(ctx context.Context, settlement entities.Settlement) error {
	if strings.TrimSpace(settlement.ID) == "" {
		return domainerrors.ErrArgument
	}
	row := settlementModelFromEntity(settlement)
	if err := r.conn(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			r.logWarn("vault_repo_create_settlement_duplicate",
				"settlement_id", row.ID,
			)
			return domainerrors.ErrDuplicateSettlement
		}
		return r.logError("vault_repo_create_settlement_failed", err,
			"settlement_id", row.ID,
		)
	}
	return nil
}

func (r *Repository) GetSettlement(ctx context.Context, settlementID string) (entities.Settlement, error) {
	var row settlementModel
	err := r.conn(ctx).
		Where("id = ?", strings.TrimSpace(settlementID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Settlement{}, domainerrors.ErrNotFound
		}
		return entities.Settlement{}, r.logError("vault_repo_get_settlement_failed", err,
			"settlement_id", strings.TrimSpace(settlementID),
		)
	}
	return row.toEntity(), nil
}

func (r *Repository) UpdateSettlement(ctx context.Context, settlement entities.Settlement) error {
	row := settlementModelFromEntity(settlement)
	result := r.conn(ctx).
		Model(&settlementModel{}).
		Where("id = ?", row.ID).
		Updates(row.updates())
	if result.Error != nil {
		return r.logError("vault_repo_update_settlement_failed", result.Error,
			"settlement_id", row.ID,
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

func (r *Repository) ListSettlementsByState(
	ctx context.Context,
	state entities.SettlementState,
	limit int,
) ([]entities.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []settlementModel
	if err := r.conn(ctx).
		Where("state = ?", string(state)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("vault_repo_list_settlements_failed", err,
			"state", string(state),
		)
	}
	items := make([]entities.Settlement, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) BalanceOf(ctx context.Context, token string, account string) (int64, error) {
	var row balanceModel
	err := r.conn(ctx).
		Where("token = ?", token).
		Where("account = ?", account).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, r.logError("vault_repo_balance_of_failed", err,
			"token", token,
			"account", account,
		)
	}
	return row.Amount, nil
}

// Transfer debits with a balance guard in the WHERE clause, so a concurrent
// double spend loses the race at the database rather than in memory.
func (r *Repository) Transfer(ctx context.Context, token string, from string, to string, amount int64) error {
	if amount <= 0 {
		return domainerrors.ErrArgument
	}
	db := r.conn(ctx)
	result := db.Model(&balanceModel{}).
		Where("token = ?", token).
		Where("account = ?", from).
		Where("amount >= ?", amount).
		Update("amount", gorm.Expr("amount - ?", amount))
	if result.Error != nil {
		return r.logError("vault_repo_transfer_debit_failed", result.Error,
			"token", token,
			"from", from,
			"amount", amount,
		)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	if err := r.credit(ctx, token, to, amount); err != nil {
		return err
	}
	return r.advancePosition(ctx)
}

func (r *Repository) credit(ctx context.Context, token string, account string, amount int64) error {
	row := balanceModel{Token: token, Account: account, Amount: amount}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}, {Name: "account"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount": gorm.Expr("vault_balances.amount + EXCLUDED.amount"),
		}),
	}).Create(&row).Error
	if err != nil {
		return r.logError("vault_repo_credit_failed", err,
			"token", token,
			"account", account,
			"amount", amount,
		)
	}
	return nil
}

func (r *Repository) Approve(ctx context.Context, token string, owner string, spender string, amount int64) error {
	if amount < 0 {
		return domainerrors.ErrArgument
	}
	row := allowanceModel{Token: token, Owner: owner, Spender: spender, Amount: amount}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}, {Name: "owner"}, {Name: "spender"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount"}),
	}).Create(&row).Error
	if err != nil {
		return r.logError("vault_repo_approve_failed", err,
			"token", token,
			"owner", owner,
			"spender", spender,
		)
	}
	return nil
}

func (r *Repository) Allowance(ctx context.Context, token string, owner string, spender string) (int64, error) {
	var row allowanceModel
	err := r.conn(ctx).
		Where("token = ?", token).
		Where("owner = ?", owner).
		Where("spender = ?", spender).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, r.logError("vault_repo_allowance_failed", err,
			"token", token,
			"owner", owner,
			"spender", spender,
		)
	}
	return row.Amount, nil
}

func (r *Repository) TransferFrom(
	ctx context.Context,
	token string,
	owner string,
	to string,
	spender string,
	amount int64,
) error {
	if amount <= 0 {
		return domainerrors.ErrArgument
	}
	result := r.conn(ctx).Model(&allowanceModel{}).
		Where("token = ?", token).
		Where("owner = ?", owner).
		Where("spender = ?", spender).
		Where("amount >= ?", amount).
		Update("amount", gorm.Expr("amount - ?", amount))
	if result.Error != nil {
		return r.logError("vault_repo_transfer_from_allowance_failed", result.Error,
			"token", token,
			"owner", owner,
			"spender", spender,
			"amount", amount,
		)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientAllowance
	}
	return r.Transfer(ctx, token, owner, to, amount)
}

// Current reads the ledger position counter; every transfer advances it.
func (r *Repository) Current(ctx context.Context) (uint64, error) {
	var row positionModel
	err := r.conn(ctx).Where("id = ?", 1).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, r.logError("vault_repo_position_read_failed", err)
	}
	return row.Position, nil
}

func (r *Repository) advancePosition(ctx context.Context) error {
	row := positionModel{ID: 1, Position: 1}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"position": gorm.Expr("vault_ledger_position.position + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return r.logError("vault_repo_position_advance_failed", err)
	}
	return nil
}

// ConsumeNonce inserts the nonce; a conflict means it was consumed before.
func (r *Repository) ConsumeNonce(ctx context.Context, nonce string) (bool, error) {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return false, domainerrors.ErrArgument
	}
	row := grantNonceModel{Nonce: nonce, ConsumedAt: time.Now().UTC()}
	result := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nonce"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, r.logError("vault_repo_consume_nonce_failed", result.Error,
			"nonce", nonce,
		)
	}
	return result.RowsAffected == 0, nil
}

func (r *Repository) RegisterSigningKey(ctx context.Context, principal string, key []byte) error {
	row := signingKeyModel{
		Principal: strings.TrimSpace(principal),
		Key:       append([]byte(nil), key...),
		UpdatedAt: time.Now().UTC(),
	}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "principal"}},
		DoUpdates: clause.AssignmentColumns([]string{"key", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return r.logError("vault_repo_register_signing_key_failed", err,
			"principal", row.Principal,
		)
	}
	return nil
}

func (r *Repository) SigningKey(ctx context.Context, principal string) ([]byte, error) {
	var row signingKeyModel
	err := r.conn(ctx).
		Where("principal = ?", strings.TrimSpace(principal)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownSigner
		}
		return nil, r.logError("vault_repo_signing_key_failed", err,
			"principal", strings.TrimSpace(principal),
		)
	}
	return append([]byte(nil), row.Key...), nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return r.logError("vault_repo_append_outbox_marshal_failed", err,
			"event_id", strings.TrimSpace(envelope.EventID),
			"event_type", strings.TrimSpace(envelope.EventType),
		)
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		row.OutboxID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	createResult := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outbox_id"}},
		DoNothing: true,
	}).Create(&row)
	if createResult.Error != nil {
		return r.logError("vault_repo_append_outbox_insert_failed", createResult.Error,
			"outbox_id", row.OutboxID,
			"event_type", row.EventType,
		)
	}
	if createResult.RowsAffected > 0 {
		return nil
	}

	var existing outboxModel
	if err := r.conn(ctx).
		Select("payload").
		Where("outbox_id = ?", row.OutboxID).
		First(&existing).
		Error; err != nil {
		return r.logError("vault_repo_append_outbox_load_existing_failed", err,
			"outbox_id", row.OutboxID,
		)
	}
	if !bytes.Equal(existing.Payload, row.Payload) {
		r.logWarn("vault_repo_append_outbox_payload_conflict",
			"outbox_id", row.OutboxID,
			"event_type", row.EventType,
		)
		return domainerrors.ErrArgument
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.conn(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("vault_repo_list_pending_outbox_failed", err,
			"limit", limit,
		)
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.conn(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return r.logError("vault_repo_mark_outbox_published_failed", result.Error,
			"outbox_id", strings.TrimSpace(outboxID),
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "settlement-core/escrow-vault",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("vault repository operation failed", fields...)
	return err
}

func (r *Repository) logWarn(event string, attrs ...any) {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "settlement-core/escrow-vault",
		"layer", "adapter",
	)
	fields = append(fields, attrs...)
	r.logger.Warn("vault repository warning", fields...)
}

type settlementModel struct {
	ID                       string    `gorm:"column:id;primaryKey"`
	Client                   string    `gorm:"column:client"`
	Seller                   string    `gorm:"column:seller"`
	AssetRef                 string    `gorm:"column:asset_ref"`
	AssetAmount              int64     `gorm:"column:asset_amount"`
	RequiredSettlementAmount int64     `gorm:"column:required_settlement_amount"`
	MaxPaymentAmount         int64     `gorm:"column:max_payment_amount"`
	ActualPulled             int64     `gorm:"column:actual_pulled"`
	ActualReceived           int64     `gorm:"column:actual_received"`
	Residual                 int64     `gorm:"column:residual"`
	HeldPayment              int64     `gorm:"column:held_payment"`
	HeldAsset                int64     `gorm:"column:held_asset"`
	HeldSettlement           int64     `gorm:"column:held_settlement"`
	FundedPosition           uint64    `gorm:"column:funded_position"`
	State                    string    `gorm:"column:state"`
	CancelReason             string    `gorm:"column:cancel_reason"`
	CreatedAt                time.Time `gorm:"column:created_at"`
	UpdatedAt                time.Time `gorm:"column:updated_at"`
}

func (settlementModel) TableName() string {
	return "vault_settlements"
}

func settlementModelFromEntity(settlement entities.Settlement) settlementModel {
	return settlementModel{
		ID:                       strings.TrimSpace(settlement.ID),
		Client:                   strings.TrimSpace(settlement.Client),
		Seller:                   strings.TrimSpace(settlement.Seller),
		AssetRef:                 strings.TrimSpace(settlement.AssetRef),
		AssetAmount:              settlement.AssetAmount,
		RequiredSettlementAmount: settlement.RequiredSettlementAmount,
		MaxPaymentAmount:         settlement.MaxPaymentAmount,
		ActualPulled:             settlement.ActualPulled,
		ActualReceived:           settlement.ActualReceived,
		Residual:                 settlement.Residual,
		HeldPayment:              settlement.HeldPayment,
		HeldAsset:                settlement.HeldAsset,
		HeldSettlement:           settlement.HeldSettlement,
		FundedPosition:           settlement.FundedPosition,
		State:                    string(settlement.State),
		CancelReason:             strings.TrimSpace(settlement.CancelReason),
		CreatedAt:                settlement.CreatedAt.UTC(),
		UpdatedAt:                settlement.UpdatedAt.UTC(),
	}
}

func (m settlementModel) updates() map[string]any {
	return map[string]any{
		"actual_pulled":   m.ActualPulled,
		"actual_received": m.ActualReceived,
		"residual":        m.Residual,
		"held_payment":    m.HeldPayment,
		"held_asset":      m.HeldAsset,
		"held_settlement": m.HeldSettlement,
		"funded_position": m.FundedPosition,
		"state":           m.State,
		"cancel_reason":   m.CancelReason,
		"updated_at":      m.UpdatedAt,
	}
}

func (m settlementModel) toEntity() entities.Settlement {
	return entities.Settlement{
		ID:                       m.ID,
		Client:                   m.Client,
		Seller:                   m.Seller,
		AssetRef:                 m.AssetRef,
		AssetAmount:              m.AssetAmount,
		RequiredSettlementAmount: m.RequiredSettlementAmount,
		MaxPaymentAmount:         m.MaxPaymentAmount,
		ActualPulled:             m.ActualPulled,
		ActualReceived:           m.ActualReceived,
		Residual:                 m.Residual,
		HeldPayment:              m.HeldPayment,
		HeldAsset:                m.HeldAsset,
		HeldSettlement:           m.HeldSettlement,
		FundedPosition:           m.FundedPosition,
		State:                    entities.SettlementState(m.State),
		CancelReason:             m.CancelReason,
		CreatedAt:                m.CreatedAt.UTC(),
		UpdatedAt:                m.UpdatedAt.UTC(),
	}
}

type balanceModel struct {
	Token   string `gorm:"column:token;primaryKey"`
	Account string `gorm:"column:account;primaryKey"`
	Amount  int64  `gorm:"column:amount"`
}

func (balanceModel) TableName() string {
	return "vault_balances"
}

type allowanceModel struct {
	Token   string `gorm:"column:token;primaryKey"`
	Owner   string `gorm:"column:owner;primaryKey"`
	Spender string `gorm:"column:spender;primaryKey"`
	Amount  int64  `gorm:"column:amount"`
}

func (allowanceModel) TableName() string {
	return "vault_allowances"
}

type positionModel struct {
	ID       int    `gorm:"column:id;primaryKey"`
	Position uint64 `gorm:"column:position"`
}

func (positionModel) TableName() string {
	return "vault_ledger_position"
}

type grantNonceModel struct {
	Nonce      string    `gorm:"column:nonce;primaryKey"`
	ConsumedAt time.Time `gorm:"column:consumed_at"`
}

func (grantNonceModel) TableName() string {
	return "vault_grant_nonces"
}

type signingKeyModel struct {
	Principal string    `gorm:"column:principal;primaryKey"`
	Key       []byte    `gorm:"column:key"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (signingKeyModel) TableName() string {
	return "vault_signing_keys"
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "vault_outbox"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ports.Repository = (*Repository)(nil)
var _ ports.Ledger = (*Repository)(nil)
var _ ports.Positions = (*Repository)(nil)
var _ ports.UnitOfWork = (*Repository)(nil)
var _ ports.OutboxWriter = (*Repository)(nil)
var _ ports.OutboxRepository = (*Repository)(nil)
