package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the notifier service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// ConsumerGroup is the Kafka consumer group id.
	ConsumerGroup string
	// DedupTTL bounds how long a project stays marked as notified.
	DedupTTL time.Duration
	// SendTimeout bounds one email delivery including retries.
	SendTimeout time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		ConsumerGroup: v.GetString("consumer_group"),
		DedupTTL:      v.GetDuration("dedup_ttl"),
		SendTimeout:   v.GetDuration("send_timeout"),
		SMTPHost:      v.GetString("smtp_host"),
		SMTPPort:      v.GetInt("smtp_port"),
		SMTPFrom:      v.GetString("smtp_from"),
		SMTPUsername:  v.GetString("smtp_username"),
		SMTPPassword:  v.GetString("smtp_password"),
	}
}
