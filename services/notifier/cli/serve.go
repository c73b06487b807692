package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/telemetry"
	"github.com/adloom/go-adloom/services/notifier"
	"github.com/adloom/go-adloom/services/notifier/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume project completion events and send owner emails",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("consumer-group", "notifier", "Kafka consumer group id")
	serveCmd.Flags().Duration("dedup-ttl", 7*24*time.Hour, "how long a project stays marked as notified")
	serveCmd.Flags().Duration("send-timeout", 30*time.Second, "timeout for one email delivery")
	serveCmd.Flags().String("smtp-host", "localhost", "SMTP relay host")
	serveCmd.Flags().Int("smtp-port", 587, "SMTP relay port")
	serveCmd.Flags().String("smtp-from", "noreply@adloom.example", "From address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("consumer_group", serveCmd.Flags(), "consumer-group")
	bindFlag("dedup_ttl", serveCmd.Flags(), "dedup-ttl")
	bindFlag("send_timeout", serveCmd.Flags(), "send-timeout")
	bindFlag("smtp_host", serveCmd.Flags(), "smtp-host")
	bindFlag("smtp_port", serveCmd.Flags(), "smtp-port")
	bindFlag("smtp_from", serveCmd.Flags(), "smtp-from")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
	_ = viper.BindEnv("smtp_username", "SMTP_USERNAME")
	_ = viper.BindEnv("smtp_password", "SMTP_PASSWORD")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "notifier")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "notifier", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	consumer := kafka.NewConsumer(brokers, kafka.TopicProjectCompleted, cfg.ConsumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	dedup := redisstore.NewDedup(redisClient, cfg.DedupTTL)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	projects := postgres.NewProjectRepository(pool)

	mailer := notifier.NewSMTPMailer(notifier.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})

	n := notifier.NewNotifier(consumer, projects, dedup, mailer,
		notifier.WithLogger(logger),
		notifier.WithSendTimeout(cfg.SendTimeout),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("notifier starting", slog.String("topic", kafka.TopicProjectCompleted))
	if err := n.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
