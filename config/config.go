package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// Config holds all process configuration. The risk policy itself lives in PolicyFile.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Accounts and markets
	AccountID    string // Ledger id of the account the API keys trade
	Asset        string
	Symbols      []string
	PositionMode domain.PositionMode
	PolicyFile   string // Empty uses DefaultPolicyFile
	SyncLimits   bool   // Overlay exchange lot/notional filters onto the policy symbols

	// Database
	DBPath string

	// Logging
	LogLevel  string
	LogFormat string

	// Operator surface
	HTTPAddr string

	// Risk loop
	MonitorInterval time.Duration
	EntryTimeout    time.Duration
	ExitTimeout     time.Duration
	ChannelBuffer   int

	// Connection settings
	RetryBase            time.Duration
	RetryAttempts        int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
// Every invalid setting is reported; the returned error joins them.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error
	var err error

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.APIKey == "" {
		errs = append(errs, &ports.ConfigError{Field: "BINANCE_API_KEY", Reason: "must be set"})
	}
	if cfg.SecretKey == "" {
		errs = append(errs, &ports.ConfigError{Field: "BINANCE_API_SECRET", Reason: "must be set"})
	}

	cfg.AccountID = strings.TrimSpace(getEnv("ACCOUNT_ID", "main"))
	cfg.Asset = strings.ToUpper(getEnv("ACCOUNT_ASSET", "USDT"))
	cfg.Symbols = getEnvAsList("SYMBOLS", "BTCUSDT,ETHUSDT")
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(s)
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, &ports.ConfigError{Field: "SYMBOLS", Reason: "at least one symbol is required"})
	}

	switch mode := domain.PositionMode(strings.ToUpper(getEnv("POSITION_MODE", string(domain.OneWayMode)))); mode {
	case domain.OneWayMode, domain.HedgeMode:
		cfg.PositionMode = mode
	default:
		errs = append(errs, &ports.ConfigError{Field: "POSITION_MODE", Reason: fmt.Sprintf("unknown mode %q, want ONE_WAY or HEDGE", mode)})
	}
	cfg.PolicyFile = getEnv("POLICY_FILE", "")
	cfg.SyncLimits = getEnvAsBool("SYNC_EXCHANGE_LIMITS", true)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "data/risk.db")

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "json"))
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errs = append(errs, &ports.ConfigError{Field: "LOG_FORMAT", Reason: "must be json or text"})
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	cfg.MonitorInterval, err = getEnvAsDurationRequired("MONITOR_INTERVAL", 60*time.Second)
	errs = appendPositive(errs, "MONITOR_INTERVAL", cfg.MonitorInterval, err)
	cfg.EntryTimeout, err = getEnvAsDurationRequired("ENTRY_TIMEOUT", 60*time.Second)
	errs = appendPositive(errs, "ENTRY_TIMEOUT", cfg.EntryTimeout, err)
	cfg.ExitTimeout, err = getEnvAsDurationRequired("EXIT_TIMEOUT", 30*time.Second)
	errs = appendPositive(errs, "EXIT_TIMEOUT", cfg.ExitTimeout, err)

	cfg.ChannelBuffer, err = getEnvAsIntRequired("CHANNEL_BUFFER", 256)
	if err != nil {
		errs = append(errs, &ports.ConfigError{Field: "CHANNEL_BUFFER", Reason: err.Error()})
	} else if cfg.ChannelBuffer < 1 {
		errs = append(errs, &ports.ConfigError{Field: "CHANNEL_BUFFER", Reason: "must be at least 1"})
	}

	// Connection settings
	cfg.RetryBase, err = getEnvAsDurationRequired("RETRY_BASE", time.Second)
	errs = appendPositive(errs, "RETRY_BASE", cfg.RetryBase, err)
	cfg.RetryAttempts, err = getEnvAsIntRequired("RETRY_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, &ports.ConfigError{Field: "RETRY_ATTEMPTS", Reason: err.Error()})
	} else if cfg.RetryAttempts < 1 {
		errs = append(errs, &ports.ConfigError{Field: "RETRY_ATTEMPTS", Reason: "must be at least 1"})
	}
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", 5*time.Second)
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func appendPositive(errs []error, key string, d time.Duration, err error) []error {
	if err != nil {
		return append(errs, &ports.ConfigError{Field: key, Reason: err.Error()})
	}
	if d <= 0 {
		return append(errs, &ports.ConfigError{Field: key, Reason: "must be positive"})
	}
	return errs
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
