// Package config loads RevBack's process configuration from the environment,
// following the same env-var-with-defaults shape the rest of the ambient
// stack expects (see spec §6.6 for the minimum variable set).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment tier.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all process-wide configuration.
type Config struct {
	Env Environment

	DatabaseURL string
	RedisURL    string

	CredentialEncryptionKey         string // 32 bytes hex, required
	CredentialEncryptionKeyPrevious string // optional, rotation

	DashboardURL string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	HTTPPort int

	LogLevel  string
	LogFormat string

	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration

	WebhookSignatureSkewTolerance time.Duration
	ProviderAPITimeout            time.Duration
	WebhookDeliveryTimeout        time.Duration
	AlertDispatchTimeout          time.Duration

	MetricsEnabled bool
}

// Load reads configuration from the environment, optionally seeded by a
// .env file (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := Environment(getEnv("NODE_ENV", string(Development)))
	if env != Development && env != Testing && env != Production {
		env = Development
	}

	cfg := &Config{
		Env: env,

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		CredentialEncryptionKey:         getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
		CredentialEncryptionKeyPrevious: getEnv("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS", ""),

		DashboardURL: getEnv("DASHBOARD_URL", ""),

		SMTPHost: getEnv("SMTP_HOST", ""),
		SMTPPort: getIntEnv("SMTP_PORT", 587),
		SMTPUser: getEnv("SMTP_USER", ""),
		SMTPPass: getEnv("SMTP_PASS", ""),
		SMTPFrom: getEnv("SMTP_FROM", ""),

		HTTPPort: getIntEnv("PORT", 8080),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DBMaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns: getIntEnv("DB_MAX_IDLE_CONNS", 5),
		DBConnLifetime: getDurationEnv("DB_CONN_LIFETIME", 30*time.Minute),

		WebhookSignatureSkewTolerance: getDurationEnv("WEBHOOK_SIGNATURE_SKEW", 5*time.Minute),
		ProviderAPITimeout:            getDurationEnv("PROVIDER_API_TIMEOUT", 30*time.Second),
		WebhookDeliveryTimeout:        getDurationEnv("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),
		AlertDispatchTimeout:          getDurationEnv("ALERT_DISPATCH_TIMEOUT", 10*time.Second),

		MetricsEnabled: getBoolEnv("METRICS_ENABLED", env == Production),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants that must hold regardless of environment,
// plus production-only hardening.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if strings.TrimSpace(c.CredentialEncryptionKey) == "" {
		return errors.New("config: CREDENTIAL_ENCRYPTION_KEY is required")
	}
	if len(strings.TrimPrefix(c.CredentialEncryptionKey, "0x")) != 64 {
		return errors.New("config: CREDENTIAL_ENCRYPTION_KEY must be 32 bytes hex-encoded (64 hex chars)")
	}
	if c.IsProduction() {
		if c.SMTPHost == "" {
			return errors.New("config: SMTP_HOST is required in production")
		}
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBoolEnv(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
