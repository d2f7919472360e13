package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Sweeper   SweeperConfig
	Listener  ListenerConfig
	Audit     AuditConfig
	Events    EventsConfig
	Redis     RedisConfig
	Providers []ProviderConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Backend         string // "sqlite" or "postgres"
	Path            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Port            string
	JWTSecret       string
	ShutdownTimeout time.Duration
}

// SweeperConfig holds expiry sweeper settings
type SweeperConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	Kinds     []ReservationKind
	LeaseTTL  time.Duration
}

// ListenerConfig holds provider confirmation listener settings
type ListenerConfig struct {
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	PollBatchSize   int
	ProvidersFile   string
}

// AuditConfig holds reconciliation auditor settings
type AuditConfig struct {
	Epsilon decimal.Decimal
}

// EventsConfig holds message broker settings
type EventsConfig struct {
	Enabled            bool
	AMQPURL            string
	ConfirmationsQueue string
	ReservationsQueue  string
	PrefetchCount      int
}

// RedisConfig holds the optional redis connection used for the sweeper lease
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig describes one SMS number provider, loaded from providers.yaml
type ProviderConfig struct {
	Name               string        `yaml:"name"`
	BaseURL            string        `yaml:"base_url"`
	APIKeyEnv          string        `yaml:"api_key_env"`
	Poll               bool          `yaml:"poll"`
	ActivationDuration time.Duration `yaml:"activation_duration"`
	RentalDuration     time.Duration `yaml:"rental_duration"`
}
