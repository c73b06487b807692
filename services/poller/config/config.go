package config

import (
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig describes one generation provider the poller queries.
type ProviderConfig struct {
	Name       string        `mapstructure:"name"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	StatusPath string        `mapstructure:"status_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// RateLimit caps status queries per second against this provider.
	// Zero disables throttling.
	RateLimit int `mapstructure:"rate_limit"`
}

// Config holds typed configuration for the poller service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// Schedule is a cron expression (supports "@every 30s") for sweeps.
	Schedule string
	// MinAge is the webhook grace period before a pending task is polled.
	MinAge time.Duration
	// BatchSize bounds pending rows fetched per query.
	BatchSize int
	// Concurrency caps in-flight provider queries.
	Concurrency int
	// QueryTimeout bounds one provider status query.
	QueryTimeout time.Duration
	// LeaseTTL is the leader lease duration; zero disables the lease.
	LeaseTTL time.Duration

	Providers []ProviderConfig
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		Schedule:     v.GetString("schedule"),
		MinAge:       v.GetDuration("min_age"),
		BatchSize:    v.GetInt("batch_size"),
		Concurrency:  v.GetInt("concurrency"),
		QueryTimeout: v.GetDuration("query_timeout"),
		LeaseTTL:     v.GetDuration("lease_ttl"),
	}
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
