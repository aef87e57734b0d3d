package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the process configuration, parsed from the environment once at
// boot. RepositoryKind and TransmitterKind select which of their sibling
// fields are meaningful; the rest are left at their zero value. env has no
// native sum-type support, so the variants are expressed as a flat struct
// with required_if validation.
type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// RepositoryKind selects the persistence backend.
	RepositoryKind string `env:"REPOSITORY_KIND" envDefault:"inmemory" validate:"required,oneof=inmemory postgres bolt"`

	// Postgres repository settings, required when RepositoryKind=postgres.
	StoreHost string `env:"STORE_HOST" validate:"required_if=RepositoryKind postgres"`
	StorePort int    `env:"STORE_PORT" envDefault:"5432"`
	StoreName string `env:"STORE_NAME" validate:"required_if=RepositoryKind postgres"`
	StoreUser string `env:"STORE_USER" validate:"required_if=RepositoryKind postgres"`
	StoreSSL  bool   `env:"STORE_SSL" envDefault:"true"`
	// StorePassword is supplied out-of-band and never logged. Absence is a
	// fatal boot error when a Postgres repository is configured.
	StorePassword string `env:"STORE_PASSWORD" validate:"required_if=RepositoryKind postgres"`
	Automigrate   bool   `env:"AUTOMIGRATE" envDefault:"true"`

	// Bolt repository settings, required when RepositoryKind=bolt.
	BoltPath string `env:"BOLT_PATH" envDefault:"./data/schedulon.db" validate:"required_if=RepositoryKind bolt"`

	// ResetState clears all persisted schedules on boot. Destructive; test
	// environments only.
	ResetState bool `env:"RESET_STATE" envDefault:"false"`

	// TransmitterKind selects the outbound channel.
	TransmitterKind string `env:"TRANSMITTER_KIND" envDefault:"log" validate:"required,oneof=log email pubsub"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=TransmitterKind email"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=TransmitterKind email"`
	ResendTo     string `env:"RESEND_TO" validate:"required_if=TransmitterKind email"`

	KafkaBrokers       string `env:"KAFKA_BROKERS" validate:"required_if=TransmitterKind pubsub"`
	TransmitTimeoutSec int    `env:"TRANSMIT_TIMEOUT_SEC" envDefault:"5" validate:"min=1,max=60"`

	// Engine tuning.
	BatchSize         int  `env:"BATCH_SIZE" envDefault:"100" validate:"min=1,max=10000"`
	TickIntervalMs    int  `env:"TICK_INTERVAL_MS" envDefault:"100" validate:"min=1"`
	ParallelReconcile bool `env:"PARALLEL_RECONCILE" envDefault:"false"`

	// Stuck-claim sweeper.
	SweeperEnabled       bool   `env:"SWEEPER_ENABLED" envDefault:"true"`
	SweeperIntervalSec   int    `env:"SWEEPER_INTERVAL_SEC" envDefault:"30" validate:"min=1"`
	SweeperStaleAfterSec int    `env:"SWEEPER_STALE_AFTER_SEC" envDefault:"300" validate:"min=1"`
	SweeperLockRedisURL  string `env:"SWEEPER_LOCK_REDIS_URL"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090" validate:"required"`

	// Admin ingestion/inspection API.
	TransportAddr      string `env:"TRANSPORT_ADDR" envDefault:":8080" validate:"required"`
	TransportJWTSecret string `env:"TRANSPORT_JWT_SECRET" validate:"required"`
	// RateLimitRPS and RateLimitBurst bound requests per admin API client.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DatabaseURL assembles the Postgres DSN from the discrete Store* fields, the
// shape postgres.NewPool expects.
func (c *Config) DatabaseURL() string {
	sslmode := "require"
	if !c.StoreSSL {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.StoreUser, c.StorePassword, c.StoreHost, c.StorePort, c.StoreName, sslmode)
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
