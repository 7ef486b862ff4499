// Package config loads runtime settings from the environment, applying
// defaults and validation for the chat service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned by Validate for settings that cannot work
// together.
var ErrInvalidConfig = errors.New("invalid config")

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StoreConfig selects and configures the message store.
type StoreConfig struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	Timeout     time.Duration
	QueueSize   int
	// Retain bounds how many messages the memory and redis drivers keep.
	Retain int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env             string
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	Store           StoreConfig
	HistoryLimit    int
	ShutdownTimeout time.Duration
	LogLevel        string
}

// MaxHistoryLimit caps how many messages a welcome carries.
const MaxHistoryLimit = 50

const (
	defaultPort            = ":5000"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultHistoryLimit    = 50
	defaultRetain          = 1000
	defaultQueueSize       = 256
	defaultStoreTimeout    = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultSQLitePath      = "./data/chat.db"
)

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Env:  "development",
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:5000",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: defaultSQLitePath,
			Timeout:    defaultStoreTimeout,
			QueueSize:  defaultQueueSize,
			Retain:     defaultRetain,
		},
		HistoryLimit:    defaultHistoryLimit,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        "info",
	}
}

// Load reads an optional .env file and then the process environment.
// Unset or unparsable values fall back to defaults.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() *Config {
	cfg := Default()

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.Store.RedisURL = os.Getenv("REDIS_URL")
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.Store.SQLitePath = path
	}

	// Without an explicit driver, a database URL implies postgres.
	switch driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER"))); {
	case driver != "":
		cfg.Store.Driver = driver
	case cfg.Store.DatabaseURL != "":
		cfg.Store.Driver = "postgres"
	}

	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = min(parseIntValue(limit, cfg.HistoryLimit), MaxHistoryLimit)
	}

	if retain := os.Getenv("HISTORY_RETAIN"); retain != "" {
		cfg.Store.Retain = parseIntValue(retain, cfg.Store.Retain)
	}

	if size := os.Getenv("PERSIST_QUEUE_SIZE"); size != "" {
		cfg.Store.QueueSize = parseIntValue(size, cfg.Store.QueueSize)
	}

	if timeout := os.Getenv("STORE_TIMEOUT"); timeout != "" {
		cfg.Store.Timeout = parseSeconds(timeout, cfg.Store.Timeout)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	return cfg
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate reports settings that parse fine but cannot work together.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: STORE_DRIVER=postgres requires DATABASE_URL", ErrInvalidConfig)
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("%w: STORE_DRIVER=redis requires REDIS_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.Store.Driver)
	}

	if c.HistoryLimit < 1 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("%w: HISTORY_LIMIT must be between 1 and %d", ErrInvalidConfig, MaxHistoryLimit)
	}
	if c.Store.Retain < c.HistoryLimit {
		return fmt.Errorf("%w: HISTORY_RETAIN %d is below HISTORY_LIMIT %d", ErrInvalidConfig, c.Store.Retain, c.HistoryLimit)
	}

	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: ALLOWED_ORIGINS is empty", ErrInvalidConfig)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
