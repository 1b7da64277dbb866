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

	// Payment gateway
	GatewayBaseURL       string // Gateway REST API base URL (optional; orders are generated locally if not set)
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string // HMAC secret for verifying gateway webhooks

	// Escrow settings
	HoldPeriod          time.Duration // How long captured funds stay held before auto-release
	AutoReleaseInterval time.Duration // Scheduler tick interval

	// Marketplace notifications
	NotifyURL    string // Callback URL for payment transition events (optional)
	NotifySecret string // HMAC secret for signing notifications

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector address (optional)
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultHoldPeriod          = 168 * time.Hour // 7 days
	DefaultAutoReleaseInterval = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayKeyID:         os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		HoldPeriod:           getEnvDuration("ESCROW_HOLD_PERIOD", DefaultHoldPeriod),
		AutoReleaseInterval:  getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}
	if c.HoldPeriod <= 0 {
		return fmt.Errorf("ESCROW_HOLD_PERIOD must be positive")
	}
	if c.AutoReleaseInterval <= 0 {
		return fmt.Errorf("AUTO_RELEASE_INTERVAL must be positive")
	}
	if c.GatewayBaseURL != "" && (c.GatewayKeyID == "" || c.GatewayKeySecret == "") {
		return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required when GATEWAY_BASE_URL is set")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are read as hours for operator convenience.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Hour
	}
	return defaultValue
}
