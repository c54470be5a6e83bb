// Package config loads runtime settings from the environment, with an
// optional .env file in development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitConfig defines per-connection inbound frame limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// TypingConfig controls typing indicator expiry.
type TypingConfig struct {
	Expiry        time.Duration
	SweepInterval time.Duration
}

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	Typing              TypingConfig
	SubscriberQueueSize int
	MaxHistory          int
	DefaultRooms        []string
	AutoCreateRooms     bool

	ShutdownTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:     ":8080",
		Env:      "development",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Typing: TypingConfig{
			Expiry:        3 * time.Second,
			SweepInterval: time.Second,
		},
		SubscriberQueueSize: 256,
		MaxHistory:          500,
		DefaultRooms:        []string{"Main"},
		AutoCreateRooms:     true,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Load reads configuration from environment variables, loading a .env
// file first if one exists. Unset or malformed values fall back to
// defaults.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) Config {
	cfg := Default()

	if port := getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if env := getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64(maxSize, cfg.MaxMessageSize)
	}
	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseInt(burst, cfg.RateLimit.Burst)
	}
	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if expiry := getenv("TYPING_EXPIRY"); expiry != "" {
		cfg.Typing.Expiry = parseDuration(expiry, cfg.Typing.Expiry)
	}
	if interval := getenv("TYPING_SWEEP_INTERVAL"); interval != "" {
		cfg.Typing.SweepInterval = parseDuration(interval, cfg.Typing.SweepInterval)
	}
	if size := getenv("SUBSCRIBER_QUEUE_SIZE"); size != "" {
		cfg.SubscriberQueueSize = parseInt(size, cfg.SubscriberQueueSize)
	}
	if history := getenv("MAX_HISTORY"); history != "" {
		// Zero is meaningful here: keep everything.
		if n, err := strconv.Atoi(history); err == nil && n >= 0 {
			cfg.MaxHistory = n
		}
	}
	if rooms := getenv("DEFAULT_ROOMS"); rooms != "" {
		if parsed := parseList(rooms); len(parsed) > 0 {
			cfg.DefaultRooms = parsed
		}
	}
	if auto := getenv("AUTO_CREATE_ROOMS"); auto != "" {
		if b, err := strconv.ParseBool(auto); err == nil {
			cfg.AutoCreateRooms = b
		}
	}
	if timeout := getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}

	return cfg.Sanitize()
}

// Sanitize replaces invalid values with defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Typing.Expiry <= 0 {
		c.Typing.Expiry = def.Typing.Expiry
	}
	if c.Typing.SweepInterval <= 0 {
		c.Typing.SweepInterval = def.Typing.SweepInterval
	}
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = def.SubscriberQueueSize
	}
	if c.MaxHistory < 0 {
		c.MaxHistory = def.MaxHistory
	}
	if len(c.DefaultRooms) == 0 {
		c.DefaultRooms = def.DefaultRooms
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.DefaultRooms = append([]string(nil), c.DefaultRooms...)
	return c
}

// IsDevelopment reports whether the process runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseInt64(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("250ms", "3s") or a bare
// number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
