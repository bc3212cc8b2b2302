// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, dispatch records stay in memory if not set)
	DatabaseURL string

	// Blockchain settings
	RPCURL         string
	WSRPCURL       string // websocket endpoint for log subscriptions (optional)
	ChainID        int64
	PrivateKey     string // Owner key used to deploy escrows via the factory
	FactoryAddress string

	// Remote provisioning service. When set, escrows are created and
	// polled through this endpoint instead of the local chain client.
	ProvisioningURL string

	// Price feed
	PriceAPIURL          string
	PriceAPIKey          string
	PriceTokenID         string
	PriceCacheTTL        time.Duration
	PriceRefreshInterval time.Duration

	// Voucher email delivery (optional, codes are logged if not set)
	EmailAPIURL     string
	EmailServiceID  string
	EmailTemplateID string
	EmailPublicKey  string
	EmailPrivateKey string

	// Purchase orchestration policy
	Purchase PurchasePolicy

	// Observability
	OTelEnabled  bool
	OTelEndpoint string

	// Security
	RateLimitRPM   int
	AllowedOrigins []string // CORS origins; empty allows any origin
}

// PurchasePolicy holds the timing and retry budget of a purchase session.
type PurchasePolicy struct {
	MaxRetries    int
	RetryBackoff  time.Duration
	PollInterval  time.Duration
	PaymentWindow time.Duration
	RecheckDelay  time.Duration
	GraceDelay    time.Duration
	SessionTTL    time.Duration
}

// Core Testnet2 defaults
const (
	DefaultRPCURL         = "https://rpc.test2.btcs.network"
	DefaultChainID        = 1114
	DefaultFactoryAddress = "0x7D7C793AdfbEB5CAd88422f32c57Fc9eB0C2A35f"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultPriceAPIURL    = "https://api.coingecko.com/api/v3"
	DefaultPriceTokenID   = "coredaoorg"
	DefaultEmailAPIURL    = "https://api.emailjs.com/api/v1.0/email/send"
	DefaultRateLimit      = 30
)

// Default purchase policy
const (
	DefaultPriceCacheTTL        = 30 * time.Second
	DefaultPriceRefreshInterval = 30 * time.Second
	DefaultMaxRetries           = 2
	DefaultRetryBackoff         = 2 * time.Second
	DefaultPollInterval         = 3 * time.Second
	DefaultPaymentWindow        = 300 * time.Second
	DefaultRecheckDelay         = 10 * time.Second
	DefaultGraceDelay           = 30 * time.Second
	DefaultSessionTTL           = 30 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		WSRPCURL:             os.Getenv("WS_RPC_URL"),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		FactoryAddress:       getEnv("FACTORY_ADDRESS", DefaultFactoryAddress),
		ProvisioningURL:      os.Getenv("PROVISIONING_URL"),
		PriceAPIURL:          getEnv("PRICE_API_URL", DefaultPriceAPIURL),
		PriceAPIKey:          os.Getenv("PRICE_API_KEY"),
		PriceTokenID:         getEnv("PRICE_TOKEN_ID", DefaultPriceTokenID),
		PriceCacheTTL:        getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL),
		PriceRefreshInterval: getEnvDuration("PRICE_REFRESH_INTERVAL", DefaultPriceRefreshInterval),
		EmailAPIURL:          getEnv("EMAIL_API_URL", DefaultEmailAPIURL),
		EmailServiceID:       os.Getenv("EMAIL_SERVICE_ID"),
		EmailTemplateID:      os.Getenv("EMAIL_TEMPLATE_ID"),
		EmailPublicKey:       os.Getenv("EMAIL_PUBLIC_KEY"),
		EmailPrivateKey:      os.Getenv("EMAIL_PRIVATE_KEY"),
		Purchase: PurchasePolicy{
			MaxRetries:    int(getEnvInt64("PURCHASE_MAX_RETRIES", DefaultMaxRetries)),
			RetryBackoff:  getEnvDuration("PURCHASE_RETRY_BACKOFF", DefaultRetryBackoff),
			PollInterval:  getEnvDuration("PURCHASE_POLL_INTERVAL", DefaultPollInterval),
			PaymentWindow: getEnvDuration("PURCHASE_PAYMENT_WINDOW", DefaultPaymentWindow),
			RecheckDelay:  getEnvDuration("PURCHASE_RECHECK_DELAY", DefaultRecheckDelay),
			GraceDelay:    getEnvDuration("PURCHASE_GRACE_DELAY", DefaultGraceDelay),
			SessionTTL:    getEnvDuration("PURCHASE_SESSION_TTL", DefaultSessionTTL),
		},
		OTelEnabled:    getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// A missing private key is allowed: the server then runs against the
// in-memory escrow simulator (or PROVISIONING_URL when set).
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
		if !isHexAddress(c.FactoryAddress) {
			return fmt.Errorf("FACTORY_ADDRESS is not a valid address: %q", c.FactoryAddress)
		}
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.PriceTokenID == "" {
		return fmt.Errorf("PRICE_TOKEN_ID is required")
	}
	if c.PriceCacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive")
	}

	p := c.Purchase
	if p.MaxRetries < 0 {
		return fmt.Errorf("PURCHASE_MAX_RETRIES must not be negative")
	}
	if p.PollInterval <= 0 || p.PaymentWindow <= 0 {
		return fmt.Errorf("PURCHASE_POLL_INTERVAL and PURCHASE_PAYMENT_WINDOW must be positive")
	}

	return nil
}

// SimulatedChain reports whether escrows are served by the in-memory simulator.
func (c *Config) SimulatedChain() bool {
	return c.PrivateKey == "" && c.ProvisioningURL == ""
}

// EmailEnabled reports whether voucher codes are delivered by email
// rather than logged.
func (c *Config) EmailEnabled() bool {
	return c.EmailServiceID != "" && c.EmailTemplateID != "" && c.EmailPublicKey != ""
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

// getEnvDuration accepts Go duration strings ("2s", "5m") or a bare
// number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
