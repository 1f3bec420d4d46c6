package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	ProviderStripe = "stripe"
	ProviderS2S    = "s2s"
)

type Config struct {
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCPort       string `envconfig:"GRPC_PORT" default:"9090"`
	EndpointPrefix string `envconfig:"SERVICE_ENDPOINT_PREFIX" default:"/api/v1"`
	GinMode        string `envconfig:"GIN_MODE" default:"debug"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`

	PaymentProvider      string        `envconfig:"PAYMENT_PROVIDER" default:"stripe"`
	StripeSecretKey      string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret  string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	GatewayURL           string        `envconfig:"PAYMENT_GATEWAY_URL"`
	GatewayService       string        `envconfig:"PAYMENT_GATEWAY_SERVICE" default:"payments"`
	GatewayAPIKey        string        `envconfig:"PAYMENT_GATEWAY_API_KEY"`
	GatewayWebhookSecret string        `envconfig:"PAYMENT_GATEWAY_WEBHOOK_SECRET"`
	GatewayTimeout       time.Duration `envconfig:"PAYMENT_GATEWAY_TIMEOUT" default:"15s"`
	Currency             string        `envconfig:"PAYMENT_CURRENCY" default:"usd"`

	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS"`
	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"2s"`
	OutboxBatch    int           `envconfig:"OUTBOX_BATCH" default:"50"`

	ConsulAddr  string `envconfig:"CONSUL_HTTP_ADDR"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"order-service"`
	ServiceHost string `envconfig:"SERVICE_HOST" default:"localhost"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings envconfig cannot express as tags.
func (c *Config) Validate() error {
	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	switch c.PaymentProvider {
	case ProviderStripe:
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe provider")
		}
	case ProviderS2S:
		if c.GatewayAPIKey == "" || c.GatewayWebhookSecret == "" {
			return errors.New("PAYMENT_GATEWAY_API_KEY and PAYMENT_GATEWAY_WEBHOOK_SECRET are required for the s2s provider")
		}
		if c.GatewayURL == "" && c.ConsulAddr == "" {
			return errors.New("PAYMENT_GATEWAY_URL or CONSUL_HTTP_ADDR is required for the s2s provider")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("PAYMENT_GATEWAY_TIMEOUT must be positive")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("OUTBOX_BATCH must be positive")
	}
	if c.OutboxInterval <= 0 {
		return errors.New("OUTBOX_INTERVAL must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
