// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port     string
	DBDriver string // "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go)
	DBPath   string

	RedisAddr string

	IdentityURL   string
	IdentityToken string
	GatewayURL    string
	GatewayToken  string

	// GatewayNotificationURL is where the gateway posts payment updates.
	GatewayNotificationURL string

	InvoiceURL          string
	InvoicePollInterval time.Duration
	InvoiceMaxAttempts  int

	OverdueSweepInterval time.Duration

	ArrearsMonthlyRate decimal.Decimal
	TaxRate            decimal.Decimal

	LogDev bool
}

// Load reads the configuration, applying defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		DBDriver:      getenv("DB_DRIVER", "sqlite3"),
		DBPath:        getenv("DB_PATH", "microloans.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		IdentityURL:   os.Getenv("IDENTITY_URL"),
		IdentityToken: os.Getenv("IDENTITY_TOKEN"),
		GatewayURL:    os.Getenv("GATEWAY_URL"),
		GatewayToken:  os.Getenv("GATEWAY_TOKEN"),
		InvoiceURL:    os.Getenv("INVOICE_URL"),

		GatewayNotificationURL: os.Getenv("GATEWAY_NOTIFICATION_URL"),
	}

	var err error
	if cfg.InvoicePollInterval, err = durationEnv("INVOICE_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.OverdueSweepInterval, err = durationEnv("OVERDUE_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.InvoiceMaxAttempts, err = intEnv("INVOICE_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.ArrearsMonthlyRate, err = decimalEnv("ARREARS_MONTHLY_RATE", "0.01"); err != nil {
		return nil, err
	}
	if cfg.TaxRate, err = decimalEnv("TAX_RATE", "0.18"); err != nil {
		return nil, err
	}
	if v := os.Getenv("LOG_DEV"); v != "" {
		if cfg.LogDev, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("LOG_DEV: %w", err)
		}
	}

	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be sqlite3 or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.ArrearsMonthlyRate.IsNegative() || cfg.TaxRate.IsNegative() {
		return nil, fmt.Errorf("rates must not be negative")
	}
	if cfg.InvoiceMaxAttempts < 1 {
		return nil, fmt.Errorf("INVOICE_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	v := getenv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
