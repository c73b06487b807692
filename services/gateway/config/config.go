package config

import (
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig describes one generation provider the gateway and poller
// talk to. Listed under the "providers" key in the config file.
type ProviderConfig struct {
	Name       string        `mapstructure:"name"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	StatusPath string        `mapstructure:"status_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Config holds typed configuration for the gateway service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string
	Providers    []ProviderConfig
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
