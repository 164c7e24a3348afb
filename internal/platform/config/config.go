package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string   `env:"SERVICE_NAME" envDefault:"x402global"`
	HTTPPort     string   `env:"HTTP_PORT" envDefault:"8080"`
	PostgresDSN  string   `env:"POSTGRES_DSN"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`

	// OrchestratorCredential is the capability presented by the facilitator
	// runtime on every vault mutation.
	OrchestratorCredential string `env:"ORCHESTRATOR_CREDENTIAL" envDefault:"dev-orchestrator"`

	VaultAccount  string `env:"VAULT_ACCOUNT" envDefault:"vault"`
	PullerAccount string `env:"PULLER_ACCOUNT" envDefault:"puller"`
	VenueAccount  string `env:"VENUE_ACCOUNT" envDefault:"venue"`
	SellerAccount string `env:"SELLER_ACCOUNT" envDefault:"seller"`

	PaymentToken    string `env:"PAYMENT_TOKEN" envDefault:"eurc"`
	SettlementToken string `env:"SETTLEMENT_TOKEN" envDefault:"usdc"`
	AssetToken      string `env:"ASSET_TOKEN" envDefault:"yps"`

	// PricePerUnit is the settlement-currency price quoted per asset unit on
	// the intake surface. MaxPaymentBufferBps is the headroom added on top of
	// the required settlement amount when computing the payment cap.
	PricePerUnit        int64 `env:"PRICE_PER_UNIT" envDefault:"110"`
	MaxPaymentBufferBps int64 `env:"MAX_PAYMENT_BUFFER_BPS" envDefault:"1000"`

	// Simulated venue rate: VenueRateNum/VenueRateDen settlement units per
	// payment unit, minus VenueSpreadBps at execution.
	VenueRateNum    int64 `env:"VENUE_RATE_NUM" envDefault:"1"`
	VenueRateDen    int64 `env:"VENUE_RATE_DEN" envDefault:"1"`
	VenueSpreadBps  int64 `env:"VENUE_SPREAD_BPS" envDefault:"0"`
	GrantTTLSeconds int64 `env:"GRANT_TTL_SECONDS" envDefault:"600"`

	FinalityConfirmations uint64        `env:"FINALITY_CONFIRMATIONS" envDefault:"2"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	SettlementDeadline    time.Duration `env:"SETTLEMENT_DEADLINE" envDefault:"10m"`
	OutboxBatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
