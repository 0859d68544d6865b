package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 5, cfg.MaxNotifications)
	assert.Equal(t, 10*time.Second, cfg.BalancePollInterval)
	assert.Equal(t, 0.01, cfg.BalanceChangeThreshold)
	assert.Equal(t, 30*time.Second, cfg.RefreshMaxWait)
	assert.Equal(t, 10*time.Minute, cfg.RelayMaxWait)
	assert.Equal(t, 1024, cfg.BalanceCacheSize)
	assert.Equal(t, 6*time.Second, cfg.TxNotificationExpiry)
	assert.Equal(t, 8*time.Second, cfg.RelayNotificationExpiry)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Empty(t, cfg.SolanaRPCURL)
	assert.Empty(t, cfg.EVMRPCURLs)
	assert.Equal(t, 4*time.Second, cfg.TxPollInterval)
	assert.Equal(t, time.Hour, cfg.TxWatchTTL)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://nats.example.com:4222")
	t.Setenv("MAX_NOTIFICATIONS", "10")
	t.Setenv("BALANCE_POLL_INTERVAL", "30s")
	t.Setenv("BALANCE_CHANGE_THRESHOLD", "0.05")
	t.Setenv("RELAY_MAX_WAIT", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, 10, cfg.MaxNotifications)
	assert.Equal(t, 30*time.Second, cfg.BalancePollInterval)
	assert.Equal(t, 0.05, cfg.BalanceChangeThreshold)
	assert.Equal(t, 15*time.Minute, cfg.RelayMaxWait)
}

func TestLoad_ReportsEveryParseError(t *testing.T) {
	t.Setenv("BALANCE_POLL_INTERVAL", "soon")
	t.Setenv("MAX_NOTIFICATIONS", "many")
	t.Setenv("BALANCE_CHANGE_THRESHOLD", "one percent")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "BALANCE_POLL_INTERVAL")
	assert.Contains(t, err.Error(), "MAX_NOTIFICATIONS")
	assert.Contains(t, err.Error(), "BALANCE_CHANGE_THRESHOLD")
}

func TestLoad_OutOfRange(t *testing.T) {
	t.Setenv("BALANCE_POLL_INTERVAL", "500ms")
	t.Setenv("BALANCE_CHANGE_THRESHOLD", "1.5")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "BalancePollInterval must be at least")
	assert.Contains(t, err.Error(), "BalanceChangeThreshold must be in (0, 1]")
}

func TestLoad_PollerSettings(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	t.Setenv("EVM_RPC_URLS", "8453=https://mainnet.base.org, 1=https://eth.example.com/?key=a=b,")
	t.Setenv("TX_POLL_INTERVAL", "2s")
	t.Setenv("METRICS_ADDR", ":9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, map[int64]string{
		8453: "https://mainnet.base.org",
		1:    "https://eth.example.com/?key=a=b",
	}, cfg.EVMRPCURLs)
	assert.Equal(t, 2*time.Second, cfg.TxPollInterval)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
}

func TestLoad_InvalidChainURLs(t *testing.T) {
	tests := []struct {
		value   string
		wantErr string
	}{
		{value: "https://mainnet.base.org", wantErr: "want chain_id=url"},
		{value: "base=https://mainnet.base.org", wantErr: "invalid chain id"},
		{value: "8453=", wantErr: "want chain_id=url"},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("EVM_RPC_URLS", tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "EVM_RPC_URLS")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validConfig() *Config {
	return &Config{
		ServerAddr:              ":8080",
		LogLevel:                "info",
		NATSURL:                 "nats://localhost:4222",
		MaxNotifications:        5,
		TxNotificationExpiry:    6 * time.Second,
		RelayNotificationExpiry: 8 * time.Second,
		BalancePollInterval:     10 * time.Second,
		BalanceChangeThreshold:  0.01,
		RefreshMaxWait:          30 * time.Second,
		BalanceCacheSize:        1024,
		RelayMaxWait:            10 * time.Minute,
		TxPollInterval:          4 * time.Second,
		TxWatchTTL:              time.Hour,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "threshold of one", mutate: func(c *Config) { c.BalanceChangeThreshold = 1 }},
		{name: "zero threshold", mutate: func(c *Config) { c.BalanceChangeThreshold = 0 }, wantErr: "BalanceChangeThreshold"},
		{name: "no notifications", mutate: func(c *Config) { c.MaxNotifications = 0 }, wantErr: "MaxNotifications"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "LogLevel"},
		{name: "missing nats", mutate: func(c *Config) { c.NATSURL = "" }, wantErr: "NATSURL is required"},
		{name: "zero relay wait", mutate: func(c *Config) { c.RelayMaxWait = 0 }, wantErr: "RelayMaxWait"},
		{name: "zero tx poll", mutate: func(c *Config) { c.TxPollInterval = 0 }, wantErr: "TxPollInterval"},
		{name: "negative expiry", mutate: func(c *Config) { c.TxNotificationExpiry = -time.Second }, wantErr: "expiries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("REFRESH_MAX_WAIT", "forever")

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

// cleanupEnv clears all environment variables read by Load
func cleanupEnv() {
	for _, key := range []string{
		"SERVER_ADDR", "LOG_LEVEL", "NATS_URL", "MAX_NOTIFICATIONS",
		"TX_NOTIFICATION_EXPIRY", "RELAY_NOTIFICATION_EXPIRY",
		"BALANCE_POLL_INTERVAL", "BALANCE_CHANGE_THRESHOLD", "REFRESH_MAX_WAIT",
		"BALANCE_CACHE_SIZE", "RELAY_MAX_WAIT",
		"METRICS_ADDR", "SOLANA_RPC_URL", "EVM_RPC_URLS", "TX_POLL_INTERVAL", "TX_WATCH_TTL",
	} {
		os.Unsetenv(key)
	}
}
