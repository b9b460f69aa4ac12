package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Admin          AdminConfig
	LogLevel       string
	LogFormat      string
	Store          string
	Redis          RedisConfig
	Signaling      SignalingConfig
}

type AdminConfig struct {
	Username string
	Password string
}

// Enabled reports whether the admin API should be mounted.
func (a AdminConfig) Enabled() bool {
	return a.Password != ""
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SignalingConfig bounds the signal log and the polling surface.
type SignalingConfig struct {
	DefaultPollLimit       int
	MaxPollLimit           int
	MaxPayloadBytes        int
	SignalsPerSecond       float64
	SignalBurst            int
	RoomTTL                time.Duration
	JanitorInterval        time.Duration
	StreamFallbackInterval time.Duration
}

func Load() (*Config, error) {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitCommaSeparated(originsStr)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Admin: AdminConfig{
			Username: getEnv("ADMIN_USERNAME", "admin"),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		Store:     strings.ToLower(getEnv("STORE_BACKEND", StoreRedis)),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
	}

	var err error
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	sig := &cfg.Signaling
	if sig.DefaultPollLimit, err = getEnvInt("POLL_DEFAULT_LIMIT", 100); err != nil {
		return nil, err
	}
	if sig.MaxPollLimit, err = getEnvInt("POLL_MAX_LIMIT", 500); err != nil {
		return nil, err
	}
	if sig.MaxPayloadBytes, err = getEnvInt("MAX_SIGNAL_PAYLOAD_BYTES", 64*1024); err != nil {
		return nil, err
	}
	if sig.SignalsPerSecond, err = getEnvFloat("MAX_SIGNALS_PER_SECOND", 50); err != nil {
		return nil, err
	}
	if sig.SignalBurst, err = getEnvInt("SIGNAL_BURST", 100); err != nil {
		return nil, err
	}
	if sig.RoomTTL, err = getEnvDuration("ROOM_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if sig.JanitorInterval, err = getEnvDuration("JANITOR_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if sig.StreamFallbackInterval, err = getEnvDuration("STREAM_FALLBACK_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND: unsupported value %q", c.Store)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT: unsupported value %q", c.LogFormat)
	}
	if c.Signaling.DefaultPollLimit <= 0 || c.Signaling.MaxPollLimit < c.Signaling.DefaultPollLimit {
		return fmt.Errorf("POLL_DEFAULT_LIMIT must be positive and not exceed POLL_MAX_LIMIT")
	}
	if c.Signaling.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_SIGNAL_PAYLOAD_BYTES must be positive")
	}
	if c.Admin.Enabled() && c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set when the admin API is enabled in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return v, nil
}
