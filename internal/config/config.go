// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the routing and governance engine.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Management API
	AdminAPIKey string // Required for /api/v1 endpoints; empty = fail-secure (disabled)

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Budget enforcement
	BudgetFailOpen       bool    // If true, allow requests when Redis is unreachable
	DefaultMonthlyBudget float64 // Applied to tenants with no stored config
	DefaultSoftLimitPct  float64

	// Routing engine
	EWMADecay       float64       // Uniform decay constant for all EWMA metrics
	RouteAttempts   int           // Fallback bound per call (primary + fallbacks)
	AttemptTimeout  time.Duration // Independent timeout per provider attempt
	TelemetryBuffer int           // Outcome queue depth

	// Rate limiting
	RateLimitPerMinute int64

	// Provider API keys (passed through, never stored)
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("ENGINE_PORT", "8080"),
		LogLevel: getEnv("ENGINE_LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("ENGINE_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "tammal"),
		DBUser:     getEnv("POSTGRES_USER", "tammal_user"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		BudgetFailOpen: getEnv("ENGINE_BUDGET_FAIL_OPEN", "true") == "true",

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GOOGLE_API_KEY"),
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	cfg.DefaultMonthlyBudget, err = getEnvFloat("ENGINE_DEFAULT_MONTHLY_BUDGET", 100)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultMonthlyBudget <= 0 {
		return nil, fmt.Errorf("ENGINE_DEFAULT_MONTHLY_BUDGET must be > 0")
	}

	cfg.DefaultSoftLimitPct, err = getEnvFloat("ENGINE_DEFAULT_SOFT_LIMIT_PCT", 80)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultSoftLimitPct < 0 || cfg.DefaultSoftLimitPct > 100 {
		return nil, fmt.Errorf("ENGINE_DEFAULT_SOFT_LIMIT_PCT must be in [0,100]")
	}

	cfg.EWMADecay, err = getEnvFloat("ENGINE_EWMA_DECAY", 0.9)
	if err != nil {
		return nil, err
	}
	if cfg.EWMADecay <= 0 || cfg.EWMADecay >= 1 {
		return nil, fmt.Errorf("ENGINE_EWMA_DECAY must be in (0,1)")
	}

	attempts, err := strconv.Atoi(getEnv("ENGINE_ROUTE_ATTEMPTS", "2"))
	if err != nil || attempts < 1 {
		return nil, fmt.Errorf("invalid ENGINE_ROUTE_ATTEMPTS")
	}
	cfg.RouteAttempts = attempts

	timeoutSec, err := strconv.Atoi(getEnv("ENGINE_ATTEMPT_TIMEOUT_SECONDS", "60"))
	if err != nil || timeoutSec < 1 {
		return nil, fmt.Errorf("invalid ENGINE_ATTEMPT_TIMEOUT_SECONDS")
	}
	cfg.AttemptTimeout = time.Duration(timeoutSec) * time.Second

	buffer, err := strconv.Atoi(getEnv("ENGINE_TELEMETRY_BUFFER", "1024"))
	if err != nil || buffer < 1 {
		return nil, fmt.Errorf("invalid ENGINE_TELEMETRY_BUFFER")
	}
	cfg.TelemetryBuffer = buffer

	rate, err := strconv.ParseInt(getEnv("ENGINE_RATE_LIMIT_PER_MINUTE", "120"), 10, 64)
	if err != nil || rate < 1 {
		return nil, fmt.Errorf("invalid ENGINE_RATE_LIMIT_PER_MINUTE")
	}
	cfg.RateLimitPerMinute = rate

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
