package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// NATS configuration
	NATSURL string

	// Notification feed
	MaxNotifications        int
	TxNotificationExpiry    time.Duration
	RelayNotificationExpiry time.Duration

	// Balance monitoring
	BalancePollInterval    time.Duration
	BalanceChangeThreshold float64
	RefreshMaxWait         time.Duration
	BalanceCacheSize       int

	// Relay monitoring
	RelayMaxWait time.Duration

	// Poller (worker) configuration
	MetricsAddr    string
	SolanaRPCURL   string
	EVMRPCURLs     map[int64]string
	TxPollInterval time.Duration
	TxWatchTTL     time.Duration
}

// MinBalancePollInterval is the fastest poll rate accepted.
const MinBalancePollInterval = time.Second

// Load reads configuration from environment variables and validates all fields.
// Every invalid variable is reported, not just the first.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Notification feed
	maxNotifications, err := parseInt("MAX_NOTIFICATIONS", 5)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxNotifications = maxNotifications

	txExpiry, err := parseDuration("TX_NOTIFICATION_EXPIRY", "6s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TxNotificationExpiry = txExpiry

	relayExpiry, err := parseDuration("RELAY_NOTIFICATION_EXPIRY", "8s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RelayNotificationExpiry = relayExpiry

	// Balance monitoring
	pollInterval, err := parseDuration("BALANCE_POLL_INTERVAL", "10s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.BalancePollInterval = pollInterval

	threshold, err := parseFloat("BALANCE_CHANGE_THRESHOLD", 0.01)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.BalanceChangeThreshold = threshold

	refreshWait, err := parseDuration("REFRESH_MAX_WAIT", "30s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RefreshMaxWait = refreshWait

	cacheSize, err := parseInt("BALANCE_CACHE_SIZE", 1024)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.BalanceCacheSize = cacheSize

	// Relay monitoring
	relayWait, err := parseDuration("RELAY_MAX_WAIT", "10m")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RelayMaxWait = relayWait

	// Poller (worker) configuration
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")

	evmURLs, err := parseChainURLs("EVM_RPC_URLS")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.EVMRPCURLs = evmURLs

	txPoll, err := parseDuration("TX_POLL_INTERVAL", "4s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TxPollInterval = txPoll

	txTTL, err := parseDuration("TX_WATCH_TTL", "1h")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TxWatchTTL = txTTL

	// Range checks only make sense once everything parsed
	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.NATSURL == "" {
		errs = append(errs, fmt.Errorf("NATSURL is required"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LogLevel must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}

	if c.MaxNotifications < 1 {
		errs = append(errs, fmt.Errorf("MaxNotifications must be at least 1"))
	}

	if c.BalancePollInterval < MinBalancePollInterval {
		errs = append(errs, fmt.Errorf("BalancePollInterval must be at least %v", MinBalancePollInterval))
	}

	if c.BalanceChangeThreshold <= 0 || c.BalanceChangeThreshold > 1 {
		errs = append(errs, fmt.Errorf("BalanceChangeThreshold must be in (0, 1] (got %v)", c.BalanceChangeThreshold))
	}

	if c.RefreshMaxWait <= 0 {
		errs = append(errs, fmt.Errorf("RefreshMaxWait must be positive"))
	}

	if c.RelayMaxWait <= 0 {
		errs = append(errs, fmt.Errorf("RelayMaxWait must be positive"))
	}

	if c.BalanceCacheSize < 1 {
		errs = append(errs, fmt.Errorf("BalanceCacheSize must be at least 1"))
	}

	if c.TxPollInterval <= 0 || c.TxWatchTTL <= 0 {
		errs = append(errs, fmt.Errorf("TxPollInterval and TxWatchTTL must be positive"))
	}

	if c.TxNotificationExpiry < 0 || c.RelayNotificationExpiry < 0 {
		errs = append(errs, fmt.Errorf("notification expiries cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// parseChainURLs parses "chain_id=url" pairs separated by commas, e.g.
// "8453=https://mainnet.base.org,1=https://eth.llamarpc.com".
func parseChainURLs(key string) (map[int64]string, error) {
	urls := make(map[int64]string)
	value := os.Getenv(key)
	if value == "" {
		return urls, nil
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("%s: invalid entry %q, want chain_id=url", key, pair)
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid chain id %q: %w", key, id, err)
		}
		urls[chainID] = strings.TrimSpace(url)
	}
	return urls, nil
}
