package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RuntimeMode selects the entitlement provider implementation once at
// process start: the real HTTP provider or the deterministic fake.
type RuntimeMode string

const (
	ModeReal      RuntimeMode = "real"
	ModeSimulated RuntimeMode = "simulated"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Entitlement provider
	RuntimeMode         RuntimeMode   // "real" or "simulated"
	EntitlementAPIURL   string        // default: https://api.revenuecat.com
	EntitlementAPIKey   string        // required in real mode
	EntitlementTimeout  time.Duration // per-call timeout, default 5s
	CacheFreshnessHours int           // offline cache trust window, default 24

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"

	// Rate limiting
	DefaultRateLimitRPM int64 // track requests per user per minute, default 120

	// Reconciliation sweep
	SweepIntervalMinutes int // default 15
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RuntimeMode:          RuntimeMode(getEnv("RUNTIME_MODE", string(ModeReal))),
		EntitlementAPIURL:    getEnv("ENTITLEMENT_API_URL", "https://api.revenuecat.com"),
		EntitlementAPIKey:    os.Getenv("ENTITLEMENT_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	timeoutSec, err := getEnvInt("ENTITLEMENT_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	cfg.EntitlementTimeout = time.Duration(timeoutSec) * time.Second

	cfg.CacheFreshnessHours, err = getEnvInt("CACHE_FRESHNESS_HOURS", 24)
	if err != nil {
		return nil, err
	}

	rpm, err := getEnvInt("DEFAULT_RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitRPM = int64(rpm)

	cfg.SweepIntervalMinutes, err = getEnvInt("SWEEP_INTERVAL_MINUTES", 15)
	if err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.RuntimeMode != ModeReal && cfg.RuntimeMode != ModeSimulated {
		return nil, fmt.Errorf("invalid RUNTIME_MODE: %q", cfg.RuntimeMode)
	}
	if cfg.RuntimeMode == ModeReal && cfg.EntitlementAPIKey == "" {
		return nil, fmt.Errorf("ENTITLEMENT_API_KEY is required in real mode")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
