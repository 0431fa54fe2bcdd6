// Package config handles application configuration from environment variables.
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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (in-memory stores if not set)

	// Entitlement provider
	EntitlementAPIURL  string
	EntitlementAPIKey  string // server-side secret, never exposed to callers
	EntitlementTimeout time.Duration

	// Billing
	StripeWebhookSecret string

	// Security
	AdminSecret        string
	RateLimitPerMinute int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultEntitlementTimeout = 10 * time.Second
	DefaultRateLimit          = 30
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EntitlementAPIURL:   os.Getenv("ENTITLEMENT_API_URL"),
		EntitlementAPIKey:   os.Getenv("ENTITLEMENT_API_KEY"),
		EntitlementTimeout:  getEnvDuration("ENTITLEMENT_TIMEOUT", DefaultEntitlementTimeout),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.EntitlementAPIURL == "" {
		return fmt.Errorf("ENTITLEMENT_API_URL is required")
	}
	if c.EntitlementAPIKey == "" {
		return fmt.Errorf("ENTITLEMENT_API_KEY is required")
	}
	if c.EntitlementTimeout <= 0 {
		return fmt.Errorf("ENTITLEMENT_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
