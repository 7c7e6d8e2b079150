package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBSource string `envconfig:"DB_SOURCE" required:"true"`
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	Env      string `envconfig:"ENVIRONMENT" default:"development"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Stripe
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`
	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	WebhookTolerance    time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`

	// Side effects
	RabbitURL      string        `envconfig:"RABBIT_URL"`
	EventsExchange string        `envconfig:"EVENTS_EXCHANGE" default:"marketplace.events"`
	AppBaseURL     string        `envconfig:"APP_BASE_URL"`
	EffectTimeout  time.Duration `envconfig:"EFFECT_TIMEOUT" default:"10s"`

	// How long a "processing" claim on an event id blocks redelivery.
	EventClaimLease time.Duration `envconfig:"EVENT_CLAIM_LEASE" default:"2m"`

	ReconcileEnabled  bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	ReconcileMinAge   time.Duration `envconfig:"RECONCILE_MIN_AGE" default:"30m"`
	ReconcileBatch    int           `envconfig:"RECONCILE_BATCH" default:"50"`
	ReconcileWorkers  int           `envconfig:"RECONCILE_WORKERS" default:"4"`
}

// Load reads the process environment. Missing credentials are reported here,
// once, so the server never starts half-configured.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE must be positive, got %s", c.WebhookTolerance)
	}
	if c.EffectTimeout <= 0 {
		return fmt.Errorf("EFFECT_TIMEOUT must be positive, got %s", c.EffectTimeout)
	}
	if c.EventClaimLease <= 0 {
		return fmt.Errorf("EVENT_CLAIM_LEASE must be positive, got %s", c.EventClaimLease)
	}
	if c.ReconcileEnabled {
		if c.ReconcileInterval <= 0 || c.ReconcileMinAge <= 0 {
			return fmt.Errorf("reconcile interval and min age must be positive")
		}
		if c.ReconcileBatch <= 0 || c.ReconcileWorkers <= 0 {
			return fmt.Errorf("reconcile batch and workers must be positive")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
