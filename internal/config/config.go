package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is the full environment surface of paymentd. Monetary bounds are
// decimals, never floats.
type Config struct {
	HTTPAddr    string `env:"PAYFLOW_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"PAYFLOW_DATABASE_URL"`
	RedisURL    string `env:"PAYFLOW_REDIS_URL"`

	KafkaBrokers []string `env:"PAYFLOW_KAFKA_BROKERS" envSeparator:","`

	MinTransactionAmount decimal.Decimal `env:"PAYFLOW_MIN_TRANSACTION_AMOUNT" envDefault:"0.01"`
	MaxTransactionAmount decimal.Decimal `env:"PAYFLOW_MAX_TRANSACTION_AMOUNT" envDefault:"1000000"`
	DefaultCurrency      string          `env:"PAYFLOW_DEFAULT_CURRENCY" envDefault:"USD"`
	SupportedCurrencies  []string        `env:"PAYFLOW_SUPPORTED_CURRENCIES" envSeparator:"," envDefault:"USD,EUR,GBP,JPY"`

	FraudRiskThreshold float64 `env:"PAYFLOW_FRAUD_RISK_THRESHOLD" envDefault:"0.7"`

	AMLCheckEnabled   bool            `env:"PAYFLOW_AML_CHECK_ENABLED" envDefault:"true"`
	KYCRequiredAmount decimal.Decimal `env:"PAYFLOW_KYC_REQUIRED_AMOUNT" envDefault:"10000"`
	AMLReviewAmount   decimal.Decimal `env:"PAYFLOW_AML_REVIEW_AMOUNT" envDefault:"50000"`
	SanctionedUsers   []string        `env:"PAYFLOW_SANCTIONED_USERS" envSeparator:","`

	SettlementBatchSize int           `env:"PAYFLOW_SETTLEMENT_BATCH_SIZE" envDefault:"100"`
	SettlementInterval  time.Duration `env:"PAYFLOW_SETTLEMENT_INTERVAL" envDefault:"24h"`
	FraudReviewInterval time.Duration `env:"PAYFLOW_FRAUD_REVIEW_INTERVAL" envDefault:"5m"`
}

func Load() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): func(v string) (any, error) {
				return decimal.NewFromString(v)
			},
		},
	})
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.MinTransactionAmount.IsPositive() {
		return fmt.Errorf("min transaction amount must be positive, got %s", c.MinTransactionAmount)
	}
	if c.MaxTransactionAmount.LessThan(c.MinTransactionAmount) {
		return fmt.Errorf("max transaction amount %s below min %s", c.MaxTransactionAmount, c.MinTransactionAmount)
	}
	if len(c.SupportedCurrencies) == 0 {
		return fmt.Errorf("at least one supported currency is required")
	}
	if c.FraudRiskThreshold <= 0 || c.FraudRiskThreshold > 1 {
		return fmt.Errorf("fraud risk threshold must be in (0,1], got %v", c.FraudRiskThreshold)
	}
	if c.SettlementBatchSize <= 0 {
		return fmt.Errorf("settlement batch size must be positive, got %d", c.SettlementBatchSize)
	}
	return nil
}

func (c Config) SupportsCurrency(code string) bool {
	for _, cur := range c.SupportedCurrencies {
		if cur == code {
			return true
		}
	}
	return false
}
