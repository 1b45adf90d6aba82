package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the chat sync service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// DatabaseURL selects the Postgres backend for the remote store and the
	// rate limiter; empty means in-memory (dev mode).
	DatabaseURL string

	// LocalStorePath is where the anonymous client-side store keeps its
	// sqlite file.
	LocalStorePath string

	// JWTSecret verifies bearer tokens. Empty disables the authenticated
	// path entirely; anonymous mode still works.
	JWTSecret string

	ProviderMode         string
	ProviderHTTPURL      string
	ProviderAPIKey       string
	ProviderModel        string
	ProviderGatewayURL   string
	ProviderGatewayToken string
}

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is honored when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: error loading .env file: %v", err)
	}

	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "chatsync"),
		DatabaseURL:          stringFromEnv("DATABASE_URL"),
		LocalStorePath:       envOrDefault("LOCAL_STORE_PATH", "chatsync-local.db"),
		JWTSecret:            stringFromEnv("JWT_SECRET"),
		ProviderMode:         envOrDefault("PROVIDER_MODE", "auto"),
		ProviderHTTPURL:      stringFromEnv("PROVIDER_HTTP_URL"),
		ProviderAPIKey:       stringFromEnv("PROVIDER_API_KEY"),
		ProviderModel:        envOrDefault("PROVIDER_MODEL", ""),
		ProviderGatewayURL:   stringFromEnv("PROVIDER_GATEWAY_URL"),
		ProviderGatewayToken: stringFromEnv("PROVIDER_GATEWAY_TOKEN"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	switch strings.ToLower(cfg.ProviderMode) {
	case "auto", "http", "gateway", "mock":
	default:
		return Config{}, fmt.Errorf("invalid PROVIDER_MODE: %q (expected auto|http|gateway|mock)", cfg.ProviderMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringFromEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringFromEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}
