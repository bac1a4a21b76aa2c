package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "SALES_TAX_RATE", "BROKER_FEE_RATE",
		"DEFAULT_PROFIT_SHARE", "RECONCILE_BATCH_SIZE", "CLOSE_LOCK_TTL", "LOG_LEVEL", "RECONCILE_CRON"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.DatabaseURL != "" || cfg.ReconcileCron != "" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.SalesTaxRate.Equal(decimal.RequireFromString("0.0337")) || !cfg.BrokerFeeRate.Equal(decimal.RequireFromString("0.015")) {
		t.Errorf("rates = %s / %s", cfg.SalesTaxRate, cfg.BrokerFeeRate)
	}
	if cfg.ReconcileBatchSize != 5000 || cfg.CloseLockTTL != 2*time.Minute || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("batch=%d ttl=%s level=%s", cfg.ReconcileBatchSize, cfg.CloseLockTTL, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SALES_TAX_RATE", "0.036")
	t.Setenv("RECONCILE_BATCH_SIZE", "100")
	t.Setenv("CLOSE_LOCK_TTL", "30s")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || !cfg.SalesTaxRate.Equal(decimal.RequireFromString("0.036")) ||
		cfg.ReconcileBatchSize != 100 || cfg.CloseLockTTL != 30*time.Second || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct{ key, val string }{
		{"SALES_TAX_RATE", "abc"},
		{"BROKER_FEE_RATE", "1.5"},
		{"DEFAULT_PROFIT_SHARE", "-0.1"},
		{"RECONCILE_BATCH_SIZE", "0"},
		{"CLOSE_LOCK_TTL", "soon"},
		{"LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s: expected error", tt.key, tt.val)
			}
		})
	}
}
