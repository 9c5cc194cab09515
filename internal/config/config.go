// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Host     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// CORS
	CORSOrigin string

	// Deployment role. Empty WorkerID means primary: the primary runs the
	// subscription fabric and all background workers.
	WorkerID string

	// MockMode enables off-chain balance mutations. In production the escrow
	// program holds funds on chain and the core only records attestations.
	MockMode bool

	// Worker cadences
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	ExpiryPollInterval   time.Duration
	ExpiryBatchSize      int
	CorridorPollInterval time.Duration

	// ExtensionMinutes is applied to expires_at when an extension is accepted.
	ExtensionMinutes int

	// HeartbeatDir is where workers write their per-cycle heartbeat files.
	HeartbeatDir string

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "4010"
	DefaultHost             = "0.0.0.0"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultOutboxPollMS     = 5000
	DefaultOutboxBatchSize  = 50
	DefaultExpiryPollMS     = 10000
	DefaultExpiryBatchSize  = 20
	DefaultCorridorPollMS   = 60000
	DefaultExtensionMinutes = 30
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Host:                 getEnv("HOST", DefaultHost),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		CORSOrigin:           getEnv("CORS_ORIGIN", "*"),
		WorkerID:             os.Getenv("WORKER_ID"),
		MockMode:             getEnvBool("MOCK_MODE", false),
		OutboxPollInterval:   getEnvMS("OUTBOX_POLL_MS", DefaultOutboxPollMS),
		OutboxBatchSize:      int(getEnvInt64("OUTBOX_BATCH_SIZE", DefaultOutboxBatchSize)),
		ExpiryPollInterval:   getEnvMS("EXPIRY_POLL_MS", DefaultExpiryPollMS),
		ExpiryBatchSize:      int(getEnvInt64("EXPIRY_BATCH_SIZE", DefaultExpiryBatchSize)),
		CorridorPollInterval: getEnvMS("CORRIDOR_POLL_MS", DefaultCorridorPollMS),
		ExtensionMinutes:     int(getEnvInt64("EXTENSION_MINUTES", DefaultExtensionMinutes)),
		HeartbeatDir:         getEnv("HEARTBEAT_DIR", os.TempDir()),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	if c.ExpiryBatchSize <= 0 {
		return fmt.Errorf("EXPIRY_BATCH_SIZE must be positive")
	}
	if c.ExtensionMinutes <= 0 {
		return fmt.Errorf("EXTENSION_MINUTES must be positive")
	}
	if c.OutboxPollInterval <= 0 || c.ExpiryPollInterval <= 0 || c.CorridorPollInterval <= 0 {
		return fmt.Errorf("worker poll intervals must be positive")
	}
	return nil
}

// IsPrimary reports whether this process runs the subscription fabric and
// background workers.
func (c *Config) IsPrimary() bool {
	return c.WorkerID == ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvMS(key string, defaultMS int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMS)) * time.Millisecond
}
