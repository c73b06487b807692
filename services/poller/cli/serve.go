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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
	"github.com/adloom/go-adloom/internal/reconcile"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/telemetry"
	"github.com/adloom/go-adloom/services/poller"
	"github.com/adloom/go-adloom/services/poller/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sweeps on a schedule until interrupted",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep and exit",
	Long: `Run one sweep over pending tasks, print the report, and exit.

Useful for manual recovery after an incident and for cron-style setups
that prefer an external scheduler.`,
	RunE: runSweepOnce,
}

func init() {
	for _, cmd := range []*cobra.Command{serveCmd, sweepCmd} {
		cmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
		cmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
		cmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
		cmd.Flags().String("schedule", "@every 60s", "sweep schedule (cron expression)")
		cmd.Flags().Duration("min-age", time.Minute, "webhook grace period before polling a pending task")
		cmd.Flags().Int("batch-size", 200, "pending tasks fetched per query")
		cmd.Flags().Int("concurrency", 3, "max in-flight provider queries")
		cmd.Flags().Duration("query-timeout", 10*time.Second, "timeout for one provider status query")
		cmd.Flags().Duration("lease-ttl", 30*time.Second, "leader lease TTL; 0 disables the lease")
		cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables tracing")

		bindFlag("metrics_addr", cmd.Flags(), "metrics-addr")
		bindFlag("kafka_brokers", cmd.Flags(), "kafka-brokers")
		bindFlag("redis_addr", cmd.Flags(), "redis-addr")
		bindFlag("schedule", cmd.Flags(), "schedule")
		bindFlag("min_age", cmd.Flags(), "min-age")
		bindFlag("batch_size", cmd.Flags(), "batch-size")
		bindFlag("concurrency", cmd.Flags(), "concurrency")
		bindFlag("query_timeout", cmd.Flags(), "query-timeout")
		bindFlag("lease_ttl", cmd.Flags(), "lease-ttl")
		bindFlag("otel_endpoint", cmd.Flags(), "otel-endpoint")
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
}

// buildPoller wires the full dependency graph from config. The returned
// cleanup closes every connection it opened.
func buildPoller(ctx context.Context, cfg config.Config, logger *slog.Logger, withLease bool) (*poller.Poller, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	cleanups = append(cleanups, func() { _ = producer.Close() })

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	cleanups = append(cleanups, func() { _ = redisClient.Close() })
	cache := redisstore.NewStatusCache(redisClient)

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	cleanups = append(cleanups, pool.Close)
	tasks := postgres.NewTaskRepository(pool)
	projects := postgres.NewProjectRepository(pool)

	registry := provider.NewRegistry()
	maxRate := 0
	for _, p := range cfg.Providers {
		registry.Register(provider.NewHTTPAdapter(provider.HTTPConfig{
			Name:       p.Name,
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			StatusPath: p.StatusPath,
			Timeout:    p.Timeout,
		}))
		if p.RateLimit > maxRate {
			maxRate = p.RateLimit
		}
	}

	engine := reconcile.NewEngine(tasks, projects,
		reconcile.WithCache(cache),
		reconcile.WithProducer(producer),
		reconcile.WithLogger(logger),
	)

	opts := []poller.Option{poller.WithLogger(logger)}
	if maxRate > 0 {
		opts = append(opts, poller.WithLimiter(
			redisstore.NewProviderLimiter(redisClient, maxRate, time.Second)))
	}
	if withLease && cfg.LeaseTTL > 0 {
		opts = append(opts, poller.WithLease(
			redisstore.NewLease(redisClient, "poller:leader", uuid.New().String(), cfg.LeaseTTL)))
	}

	p := poller.NewPoller(tasks, engine, registry, poller.Settings{
		MinAge:       cfg.MinAge,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		QueryTimeout: cfg.QueryTimeout,
	}, opts...)

	return p, cleanup, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "poller")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "poller", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	p, cleanup, err := buildPoller(runCtx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer cleanup()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("poller starting", slog.String("schedule", cfg.Schedule))
	if err := p.Run(runCtx, cfg.Schedule); err != nil && runCtx.Err() == nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func runSweepOnce(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "poller")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	p, cleanup, err := buildPoller(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := p.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("selected:         %d\n", report.Selected)
	fmt.Printf("applied:          %d\n", report.Applied)
	fmt.Printf("already terminal: %d\n", report.AlreadyTerminal)
	fmt.Printf("unknown:          %d\n", report.Unknown)
	fmt.Printf("still pending:    %d\n", report.StillPending)
	fmt.Printf("query failures:   %d\n", report.QueryFailures)
	return nil
}
