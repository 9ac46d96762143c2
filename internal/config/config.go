// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Addr is the listen address for the HTTP API.
	Addr string

	// StoreID identifies this till in receipt numbers. Uppercase
	// alphanumeric only.
	StoreID string

	// SQLitePath is the ledger database file. The literal value
	// ":memory:" selects the in-memory store instead, for development.
	SQLitePath string

	// TaxRateBasisPoints is the sales tax rate, 1500 = 15%.
	TaxRateBasisPoints int64

	// AuthSecret signs session tokens. Required outside dev mode.
	AuthSecret string

	// ManagerPINHash is the bcrypt hash of the manager override PIN.
	ManagerPINHash string

	// TokenTTL bounds how long a login token stays valid.
	TokenTTL time.Duration

	// RedisAddr enables the shared price cache when set. Empty means the
	// in-process no-op cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string
	DevMode  bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:           getEnv("TILLBOOK_ADDR", ":8080"),
		StoreID:        getEnv("TILLBOOK_STORE_ID", "STORE01"),
		SQLitePath:     getEnv("TILLBOOK_SQLITE_PATH", "tillbook.db"),
		AuthSecret:     os.Getenv("TILLBOOK_AUTH_SECRET"),
		ManagerPINHash: os.Getenv("TILLBOOK_MANAGER_PIN_HASH"),
		RedisAddr:      os.Getenv("TILLBOOK_REDIS_ADDR"),
		RedisPassword:  os.Getenv("TILLBOOK_REDIS_PASSWORD"),
		LogLevel:       getEnv("TILLBOOK_LOG_LEVEL", "info"),
		DevMode:        getEnv("TILLBOOK_DEV_MODE", "false") == "true",
	}

	taxBP, err := getEnvInt("TILLBOOK_TAX_RATE_BP", 1500)
	if err != nil {
		return nil, err
	}
	cfg.TaxRateBasisPoints = taxBP

	redisDB, err := getEnvInt("TILLBOOK_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = int(redisDB)

	ttlMinutes, err := getEnvInt("TILLBOOK_TOKEN_TTL_MINUTES", 12*60)
	if err != nil {
		return nil, err
	}
	cfg.TokenTTL = time.Duration(ttlMinutes) * time.Minute

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreID == "" {
		return fmt.Errorf("config: TILLBOOK_STORE_ID must not be empty")
	}
	if c.TaxRateBasisPoints < 0 || c.TaxRateBasisPoints > 10_000 {
		return fmt.Errorf("config: TILLBOOK_TAX_RATE_BP %d out of range 0..10000", c.TaxRateBasisPoints)
	}
	if !c.DevMode && c.AuthSecret == "" {
		return fmt.Errorf("config: TILLBOOK_AUTH_SECRET is required outside dev mode")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: TILLBOOK_TOKEN_TTL_MINUTES must be positive")
	}
	return nil
}

func getEnv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}
