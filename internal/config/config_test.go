package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	keys := []string{
		"DATABASE_URL", "REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
		"MAX_RETRIES", "RECONNECT_DELAY_SECONDS", "POLL_INTERVAL_SECONDS",
		"MAX_POLL_ATTEMPTS", "STATS_SNAPSHOT_INTERVAL_SECONDS",
		"RESTART_FAILED_INTERVAL_SECONDS", "PURGE_INTERVAL_SECONDS",
		"DATA_RETENTION_DAYS", "STALE_SESSION_HOURS", "TRACE_CACHE_CAPACITY",
		"DISPLAY_TIME_ZONE", "GO_ENV", "LOG_LEVEL", "PORT",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/roomwatch")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 20, cfg.MaxPollAttempts)
	assert.Equal(t, cfg.TraceCacheCapacity/2, cfg.TraceCacheSoftTrim)
	assert.Equal(t, "Asia/Shanghai", cfg.DisplayTimeZone)
}

func TestLoadRejectsInvalidRedisAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/roomwatch")
	t.Setenv("REDIS_ADDR", "not-a-host-port")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format")
}

func TestLoadRejectsNegativeTunable(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/roomwatch")
	t.Setenv("MAX_RETRIES", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRIES must be a non-negative integer")
}
