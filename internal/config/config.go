package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// defaultBrokerURL is used when neither BROKER_URL nor REDIS_URL is set.
const defaultBrokerURL = "redis://localhost:6379"

// Overflow policies for a session whose send queue is full.
const (
	OverflowFlag  = "flag"  // drop the message, flag the session, keep it
	OverflowEvict = "evict" // evict the session after repeated overflows
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	BrokerURL string
	RedisURL  string

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int

	SessionQueueSize   int
	OverflowPolicy     string
	OverflowEvictAfter int

	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		BrokerURL:      getEnv("BROKER_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		OverflowPolicy: getEnv("OVERFLOW_POLICY", OverflowFlag),
	}

	var err error
	if cfg.HeartbeatInterval, err = getDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatMissLimit, err = getInt("HEARTBEAT_MISS_LIMIT", 2); err != nil {
		return nil, err
	}
	if cfg.SessionQueueSize, err = getInt("SESSION_QUEUE_SIZE", 16); err != nil {
		return nil, err
	}
	if cfg.OverflowEvictAfter, err = getInt("OVERFLOW_EVICT_AFTER", 3); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts, err = getInt("RECONNECT_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.ReconnectBackoff, err = getDuration("RECONNECT_BACKOFF", time.Second); err != nil {
		return nil, err
	}

	if cfg.OverflowPolicy != OverflowFlag && cfg.OverflowPolicy != OverflowEvict {
		return nil, fmt.Errorf("OVERFLOW_POLICY must be %q or %q, got %q", OverflowFlag, OverflowEvict, cfg.OverflowPolicy)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.HeartbeatMissLimit < 1 {
		return nil, fmt.Errorf("HEARTBEAT_MISS_LIMIT must be at least 1")
	}
	if cfg.SessionQueueSize < 1 {
		return nil, fmt.Errorf("SESSION_QUEUE_SIZE must be at least 1")
	}
	if cfg.OverflowEvictAfter < 1 {
		return nil, fmt.Errorf("OVERFLOW_EVICT_AFTER must be at least 1")
	}

	return cfg, nil
}

// UpstreamURL resolves the upstream connection URL from the prioritized
// sources: broker override, then generic Redis URL, then the default.
func (c *Config) UpstreamURL() string {
	if c.BrokerURL != "" {
		return c.BrokerURL
	}
	if c.RedisURL != "" {
		return c.RedisURL
	}
	return defaultBrokerURL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
