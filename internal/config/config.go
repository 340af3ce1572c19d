// Package config validates and loads the environment-variable driven
// tunables for the monitoring supervisor, accumulating every validation
// problem into one reported error.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the monitoring core exposes.
type Config struct {
	// Required
	DatabaseURL string
	RedisAddr   string

	// Reconnect / polling tunables (all positive integers unless noted).
	MaxRetries       int
	ReconnectDelay   time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int

	// Scheduler tunables.
	StatsSnapshotInterval time.Duration
	RestartFailedInterval time.Duration
	PurgeInterval         time.Duration
	DataRetentionDays     int // 0 = keep forever

	// Janitor / dedup tunables.
	StaleSessionHours    int
	TraceCacheCapacity   int
	TraceCacheSoftTrim   int

	// Display time zone, fixed for the life of the process.
	DisplayTimeZone string

	// Optional / environment.
	GoEnv          string
	LogLevel       string
	RedisEnabled   bool
	RedisPassword  string
	HTTPPort       string
	OTELCollector  string
}

// Load validates all required environment variables and returns a Config,
// or a single error describing every problem found.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	if cfg.RedisEnabled && !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.MaxRetries = getEnvInt("MAX_RETRIES", 5, &errs)
	cfg.ReconnectDelay = getEnvSeconds("RECONNECT_DELAY_SECONDS", 10, &errs)
	cfg.PollInterval = getEnvSeconds("POLL_INTERVAL_SECONDS", 30, &errs)
	cfg.MaxPollAttempts = getEnvInt("MAX_POLL_ATTEMPTS", 20, &errs)

	cfg.StatsSnapshotInterval = getEnvSeconds("STATS_SNAPSHOT_INTERVAL_SECONDS", 15, &errs)
	cfg.RestartFailedInterval = getEnvSeconds("RESTART_FAILED_INTERVAL_SECONDS", 60, &errs)
	cfg.PurgeInterval = getEnvSeconds("PURGE_INTERVAL_SECONDS", 3600, &errs)
	cfg.DataRetentionDays = getEnvInt("DATA_RETENTION_DAYS", 30, &errs)

	cfg.StaleSessionHours = getEnvInt("STALE_SESSION_HOURS", 6, &errs)
	cfg.TraceCacheCapacity = getEnvInt("TRACE_CACHE_CAPACITY", 10_000, &errs)
	cfg.TraceCacheSoftTrim = cfg.TraceCacheCapacity / 2

	cfg.DisplayTimeZone = getEnvOrDefault("DISPLAY_TIME_ZONE", "Asia/Shanghai")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.HTTPPort = getEnvOrDefault("PORT", "8080")
	cfg.OTELCollector = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_retries", cfg.MaxRetries,
		"reconnect_delay", cfg.ReconnectDelay,
		"poll_interval", cfg.PollInterval,
		"max_poll_attempts", cfg.MaxPollAttempts,
		"data_retention_days", cfg.DataRetentionDays,
		"display_time_zone", cfg.DisplayTimeZone,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvSeconds(key string, defaultSeconds int, errs *[]string) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds, errs)) * time.Second
}
