// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings.
type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	SalesTaxRate       decimal.Decimal
	BrokerFeeRate      decimal.Decimal
	DefaultProfitShare decimal.Decimal
	ReconcileBatchSize int
	SnapshotCron       string
	ReconcileCron      string
	CloseLockTTL       time.Duration
	LogLevel           slog.Level
}

// Load reads the environment, after merging a .env file when present.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          env("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		SnapshotCron:  env("SNAPSHOT_CRON", "0 */6 * * *"),
		ReconcileCron: os.Getenv("RECONCILE_CRON"),
	}

	var err error
	if cfg.SalesTaxRate, err = rate("SALES_TAX_RATE", "0.0337"); err != nil {
		return nil, err
	}
	if cfg.BrokerFeeRate, err = rate("BROKER_FEE_RATE", "0.015"); err != nil {
		return nil, err
	}
	if cfg.DefaultProfitShare, err = rate("DEFAULT_PROFIT_SHARE", "0.5"); err != nil {
		return nil, err
	}

	batch := env("RECONCILE_BATCH_SIZE", "5000")
	if cfg.ReconcileBatchSize, err = strconv.Atoi(batch); err != nil || cfg.ReconcileBatchSize <= 0 {
		return nil, fmt.Errorf("invalid RECONCILE_BATCH_SIZE %q", batch)
	}

	ttl := env("CLOSE_LOCK_TTL", "2m")
	if cfg.CloseLockTTL, err = time.ParseDuration(ttl); err != nil || cfg.CloseLockTTL <= 0 {
		return nil, fmt.Errorf("invalid CLOSE_LOCK_TTL %q", ttl)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToLower(env("LOG_LEVEL", "info")))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// rate parses a fraction in [0, 1].
func rate(key, def string) (decimal.Decimal, error) {
	raw := env(key, def)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must be between 0 and 1", key, raw)
	}
	return v, nil
}
