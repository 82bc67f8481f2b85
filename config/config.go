package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / queue
	RedisAddr string

	// Completion provider
	DeepSeekAPIKey  string
	DeepSeekBaseURL string // default: https://api.deepseek.com/v1

	// Model class -> concrete model name
	FastModel      string // default: deepseek-chat
	ReasoningModel string // default: deepseek-reasoner

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Request rate limiting (separate from the monthly token quota)
	DefaultRateLimitRPM int64 // requests per minute, default: 60
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		DeepSeekAPIKey:       os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekBaseURL:      getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		FastModel:            getEnv("FAST_MODEL", "deepseek-chat"),
		ReasoningModel:       getEnv("REASONING_MODEL", "deepseek-reasoner"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.DeepSeekAPIKey == "" {
		return nil, fmt.Errorf("DEEPSEEK_API_KEY is required")
	}

	return cfg, nil
}

// ModelNames maps model classes to the configured provider model names.
func (c *Config) ModelNames() map[string]string {
	return map[string]string{
		"fast":      c.FastModel,
		"reasoning": c.ReasoningModel,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
