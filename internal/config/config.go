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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	EscrowContract string // Deployed escrow contract address

	// Deal terms defaults, frozen into each deal at creation
	TransferTimeout time.Duration // funded -> transferred deadline
	ConfirmTimeout  time.Duration // transferred -> confirmed deadline
	ListingTTL      time.Duration // open listings expire after this
	FeeBps          int           // platform fee in basis points
	MaxQuestions    int           // per-party dispute question cap
	DisputePolicy   string

	// Mediator (LLM adjudicator)
	MediatorBaseURL string // OpenAI-compatible endpoint; empty = rule-based fallback
	MediatorAPIKey  string
	MediatorModel   string
	MediatorTimeout time.Duration

	// Notifications
	SMSGatewayURL string // empty disables SMS delivery
	SMSGatewayKey string

	// Security
	JWTSecret    string
	AdminSecret  string // shared secret for /internal routes
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultTransferTimeout = 48 * time.Hour
	DefaultConfirmTimeout  = 72 * time.Hour
	DefaultListingTTL      = 14 * 24 * time.Hour
	DefaultFeeBps          = 250
	DefaultMaxQuestions    = 5
	DefaultMediatorModel   = "gpt-4o-mini"
	DefaultMediatorTimeout = 45 * time.Second
	DefaultRateLimit       = 100
)

// DefaultDisputePolicy is the policy text frozen into deals created without
// an explicit override.
const DefaultDisputePolicy = "The mediator collects testimony from both parties and issues a binding ruling. Burden of proof lies with the seller; unresolved uncertainty favors the buyer."

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"),
		TransferTimeout: getEnvDuration("TRANSFER_TIMEOUT", DefaultTransferTimeout),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		ListingTTL:      getEnvDuration("LISTING_TTL", DefaultListingTTL),
		FeeBps:          int(getEnvInt64("FEE_BPS", DefaultFeeBps)),
		MaxQuestions:    int(getEnvInt64("DISPUTE_MAX_QUESTIONS", DefaultMaxQuestions)),
		DisputePolicy:   getEnv("DISPUTE_POLICY", DefaultDisputePolicy),
		MediatorBaseURL: os.Getenv("MEDIATOR_BASE_URL"),
		MediatorAPIKey:  os.Getenv("MEDIATOR_API_KEY"),
		MediatorModel:   getEnv("MEDIATOR_MODEL", DefaultMediatorModel),
		MediatorTimeout: getEnvDuration("MEDIATOR_TIMEOUT", DefaultMediatorTimeout),
		SMSGatewayURL:   os.Getenv("SMS_GATEWAY_URL"),
		SMSGatewayKey:   os.Getenv("SMS_GATEWAY_KEY"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if c.MaxQuestions <= 0 {
		return fmt.Errorf("DISPUTE_MAX_QUESTIONS must be positive, got %d", c.MaxQuestions)
	}
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
