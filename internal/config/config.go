package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort string

	// State store: "file" or "redis"
	StateBackend string
	StateDir     string

	// Ledger backend: "kv" or "postgres"
	LedgerBackend string
	DatabaseURL   string
	DBMaxConns    int
	DBMinConns    int

	// Redis configuration (task queue, optionally state store)
	RedisURL string

	// Fawry merchant defaults
	FawryStagingMerchantCode string
	FawryStagingSecurityKey  string
	FawryStagingBaseURL      string
	FawryProductionBaseURL   string
	FawryReturnURL           string

	// Webhook signature enforcement
	EnforceWebhookSignature bool

	// Cafeteria wallet API
	WalletAPIBaseURL string
	WalletAPIToken   string

	// Security settings
	InternalSecret string
	FawryIPs       []string

	// Request limits
	MaxRequestSize int64

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	// Missing .env is the normal case in deployment.
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort: getEnv("FAWRY_SERVER_PORT", "8080"),

		// State store
		StateBackend: getEnv("FAWRY_STATE_BACKEND", "file"),
		StateDir:     getEnv("FAWRY_STATE_DIR", "./state"),

		// Ledger
		LedgerBackend: getEnv("FAWRY_LEDGER_BACKEND", "kv"),
		DatabaseURL:   getEnv("FAWRY_DATABASE_URL", ""),
		DBMaxConns:    getEnvInt("FAWRY_DB_MAX_CONNS", 25),
		DBMinConns:    getEnvInt("FAWRY_DB_MIN_CONNS", 5),

		// Redis
		RedisURL: getEnv("FAWRY_REDIS_URL", ""),

		// Fawry
		FawryStagingMerchantCode: getEnv("FAWRY_STAGING_MERCHANT_CODE", ""),
		FawryStagingSecurityKey:  getEnv("FAWRY_STAGING_SECURITY_KEY", ""),
		FawryStagingBaseURL:      getEnv("FAWRY_STAGING_BASE_URL", "https://atfawry.fawrystaging.com/ECommerceWeb/Fawry"),
		FawryProductionBaseURL:   getEnv("FAWRY_PRODUCTION_BASE_URL", "https://www.atfawry.com/ECommerceWeb/Fawry"),
		FawryReturnURL:           getEnv("FAWRY_RETURN_URL", ""),

		EnforceWebhookSignature: getEnvBool("FAWRY_ENFORCE_WEBHOOK_SIGNATURE", false),

		// Wallet API
		WalletAPIBaseURL: getEnv("FAWRY_WALLET_API_BASE_URL", ""),
		WalletAPIToken:   getEnv("FAWRY_WALLET_API_TOKEN", ""),

		// Security
		InternalSecret: getEnv("FAWRY_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("FAWRY_MAX_REQUEST_SIZE", 1<<20), // 1MB

		// Worker
		WorkerConcurrency: getEnvInt("FAWRY_WORKER_CONCURRENCY", 10),
	}

	// Parse IP allowlist
	ipList := getEnv("FAWRY_PROVIDER_IPS", "")
	if ipList != "" {
		cfg.FawryIPs = strings.Split(ipList, ",")
		for i := range cfg.FawryIPs {
			cfg.FawryIPs[i] = strings.TrimSpace(cfg.FawryIPs[i])
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("FAWRY_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("FAWRY_INTERNAL_SECRET is required")
	}
	if c.FawryStagingMerchantCode == "" {
		return fmt.Errorf("FAWRY_STAGING_MERCHANT_CODE is required")
	}
	if c.FawryStagingSecurityKey == "" {
		return fmt.Errorf("FAWRY_STAGING_SECURITY_KEY is required")
	}
	if c.FawryReturnURL == "" {
		return fmt.Errorf("FAWRY_RETURN_URL is required (public URL of the callback route)")
	}
	if c.WalletAPIBaseURL == "" {
		return fmt.Errorf("FAWRY_WALLET_API_BASE_URL is required")
	}

	switch c.StateBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("FAWRY_STATE_BACKEND must be \"file\" or \"redis\", got %q", c.StateBackend)
	}

	switch c.LedgerBackend {
	case "kv":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("FAWRY_DATABASE_URL is required when FAWRY_LEDGER_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("FAWRY_LEDGER_BACKEND must be \"kv\" or \"postgres\", got %q", c.LedgerBackend)
	}

	return nil
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig() {
	fmt.Printf("Configuration loaded:\n")
	fmt.Printf("  Server Port: %s\n", c.ServerPort)
	fmt.Printf("  State Backend: %s\n", c.StateBackend)
	fmt.Printf("  Ledger Backend: %s\n", c.LedgerBackend)
	if c.DatabaseURL != "" {
		fmt.Printf("  Database URL: %s\n", maskConnectionString(c.DatabaseURL))
	}
	fmt.Printf("  Redis URL: %s\n", maskConnectionString(c.RedisURL))
	fmt.Printf("  Worker Concurrency: %d\n", c.WorkerConcurrency)
	fmt.Printf("  Staging Merchant Code: %s\n", c.FawryStagingMerchantCode)
	fmt.Printf("  Return URL: %s\n", c.FawryReturnURL)
	fmt.Printf("  Wallet API: %s\n", c.WalletAPIBaseURL)
	fmt.Printf("  Provider IP Allowlist: %v\n", c.FawryIPs)
	fmt.Printf("  Enforce Webhook Signature: %v\n", c.EnforceWebhookSignature)
	fmt.Printf("  Max Request Size: %d bytes\n", c.MaxRequestSize)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
