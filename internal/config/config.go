package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	GatewayModePaystack = "paystack"
	GatewayModeFake     = "fake"
)

type Config struct {
	DBDriver       string   `mapstructure:"db_driver"`
	DatabaseURL    string   `mapstructure:"database_url"`
	RedisURL       string   `mapstructure:"redis_url"`
	KafkaBrokers   []string `mapstructure:"kafka_brokers"`
	NATSURL        string   `mapstructure:"nats_url"`
	JaegerEndpoint string   `mapstructure:"jaeger_endpoint"`
	Port           string   `mapstructure:"port"`

	GatewayMode        string        `mapstructure:"gateway_mode"`
	GatewayBaseURL     string        `mapstructure:"gateway_base_url"`
	GatewaySecretKey   string        `mapstructure:"gateway_secret_key"`
	GatewayCallbackURL string        `mapstructure:"gateway_callback_url"`
	GatewayTimeout     time.Duration `mapstructure:"gateway_timeout"`
	// WebhookSecret signs gateway webhooks. Paystack uses the secret key.
	WebhookSecret string `mapstructure:"webhook_secret"`

	PlatformFeeRate decimal.Decimal `mapstructure:"-"`
	PlatformFeeCap  decimal.Decimal `mapstructure:"-"`

	AdminUserIDs []string `mapstructure:"admin_user_ids"`

	PaymentEventsTopic string `mapstructure:"payment_events_topic"`
	GatewayEventsTopic string `mapstructure:"gateway_events_topic"`
	ListingSubject     string `mapstructure:"listing_subject"`
	ConsumerGroup      string `mapstructure:"consumer_group"`

	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile_interval"`
	ReconcilePendingAfter time.Duration `mapstructure:"reconcile_pending_after"`
	ReconcileStaleAfter   time.Duration `mapstructure:"reconcile_stale_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", "postgres")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "localhost:6379")
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("jaeger_endpoint", "")
	v.SetDefault("port", "8081")

	v.SetDefault("gateway_mode", GatewayModePaystack)
	v.SetDefault("gateway_base_url", "https://api.paystack.co")
	v.SetDefault("gateway_secret_key", "")
	v.SetDefault("gateway_callback_url", "")
	v.SetDefault("gateway_timeout", 15*time.Second)
	v.SetDefault("webhook_secret", "")

	v.SetDefault("platform_fee_rate", "0.01")
	v.SetDefault("platform_fee_cap", "1000")

	v.SetDefault("admin_user_ids", []string{})

	v.SetDefault("payment_events_topic", "escrow.payment.state.changed")
	v.SetDefault("gateway_events_topic", "escrow.gateway.events")
	v.SetDefault("listing_subject", "listings.status.changed")
	v.SetDefault("consumer_group", "escrow-worker")

	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("reconcile_interval", 5*time.Minute)
	v.SetDefault("reconcile_pending_after", 15*time.Minute)
	v.SetDefault("reconcile_stale_after", 24*time.Hour)
}

// Load reads defaults, then the YAML file named by ESCROW_CONFIG (if any),
// then environment variables such as DATABASE_URL or GATEWAY_SECRET_KEY.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("ESCROW_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var err error
	if cfg.PlatformFeeRate, err = decimal.NewFromString(v.GetString("platform_fee_rate")); err != nil {
		return nil, fmt.Errorf("platform_fee_rate: %w", err)
	}
	if cfg.PlatformFeeCap, err = decimal.NewFromString(v.GetString("platform_fee_cap")); err != nil {
		return nil, fmt.Errorf("platform_fee_cap: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.AdminUserIDs = splitList(cfg.AdminUserIDs)
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = cfg.GatewaySecretKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db_driver must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.GatewayMode {
	case GatewayModePaystack, GatewayModeFake:
	default:
		return fmt.Errorf("gateway_mode must be paystack or fake, got %q", c.GatewayMode)
	}
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeCap.IsNegative() {
		return fmt.Errorf("platform fee rate and cap must not be negative")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.ReconcileStaleAfter < c.ReconcilePendingAfter {
		return fmt.Errorf("reconcile_stale_after must be at least reconcile_pending_after")
	}
	return nil
}

// AdminSet returns the configured admin ids for O(1) lookup.
func (c *Config) AdminSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.AdminUserIDs))
	for _, id := range c.AdminUserIDs {
		set[id] = struct{}{}
	}
	return set
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
