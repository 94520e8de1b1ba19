// Package config содержит логику чтения конфигурации платёжного сервиса прачечной.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// BankAccount содержит реквизиты для оплаты банковским переводом.
type BankAccount struct {
	AccountName   string `env:"ACCOUNT_NAME" envDefault:"Laundry Management System" json:"account_name"`
	AccountNumber string `env:"ACCOUNT_NUMBER" envDefault:"1234567890" json:"account_number"`
	BankName      string `env:"NAME" envDefault:"Sample Bank" json:"bank_name"`
	SwiftCode     string `env:"SWIFT_CODE" envDefault:"SAMPLEBNK" json:"swift_code"`
}

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	EsewaStatusURL string `env:"ESEWA_STATUS_URL"`

	EsewaPaymentURL  string `env:"ESEWA_PAYMENT_URL" envDefault:"https://rc-epay.esewa.com.np/api/epay/main/v2/form"`
	EsewaProductCode string `env:"ESEWA_PRODUCT_CODE" envDefault:"EPAYTEST"`
	EsewaSecretKey   string `env:"ESEWA_SECRET_KEY" envDefault:"8gBm/:&EnhH.1/q"`
	FrontendURL      string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	AuthSecret       string `env:"AUTH_SECRET"`
	BackfillSchedule string `env:"BACKFILL_SCHEDULE"`

	ReconcileAttempts   uint64 `env:"RECONCILE_ATTEMPTS" envDefault:"3"`
	ReconcileSameBranch bool   `env:"RECONCILE_SAME_BRANCH" envDefault:"true"`

	Bank BankAccount `envPrefix:"BANK_"`
}

// SuccessURL возвращает адрес фронтенда, куда eSewa перенаправляет после оплаты.
func (c *Config) SuccessURL() string {
	return strings.TrimRight(c.FrontendURL, "/") + "/payment/success"
}

// FailureURL возвращает адрес фронтенда, куда eSewa перенаправляет после отказа.
func (c *Config) FailureURL() string {
	return strings.TrimRight(c.FrontendURL, "/") + "/payment/failure"
}

func parseEnv() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ReconcileAttempts == 0 {
		cfg.ReconcileAttempts = 1
	}

	return cfg, nil
}

// FromEnv считывает конфигурацию только из переменных окружения.
func FromEnv() (*Config, error) {
	cfg, err := parseEnv()
	if err != nil {
		return nil, err
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg, err := parseEnv()
	if err != nil {
		return nil, err
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStatusURL := cfg.EsewaStatusURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.EsewaStatusURL, "g", "", "eSewa transaction status URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStatusURL != "" {
		cfg.EsewaStatusURL = envStatusURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
