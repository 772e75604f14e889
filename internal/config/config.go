// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fulfillment provider (VTU reseller API)
	ProviderName    string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// Payment gateway webhook
	PaymentWebhookSecret string

	// Alerting
	AlertWebhookURL string

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultProviderName    = "vendhub"
	DefaultProviderTimeout = 20 * time.Second
	DefaultRateLimit       = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ProviderName:         getEnv("PROVIDER_NAME", DefaultProviderName),
		ProviderBaseURL:      os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:       os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout:      getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}

	if c.ProviderTimeout < 5*time.Second || c.ProviderTimeout > 60*time.Second {
		return fmt.Errorf("PROVIDER_TIMEOUT must be between 5s and 60s, got %s", c.ProviderTimeout)
	}

	if c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
