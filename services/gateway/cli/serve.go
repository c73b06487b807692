package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
	"github.com/adloom/go-adloom/internal/reconcile"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/telemetry"
	"github.com/adloom/go-adloom/services/gateway/config"
	"github.com/adloom/go-adloom/services/gateway/handler"
	"github.com/adloom/go-adloom/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the project API and webhook receiver",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
}

// buildRegistry wires one HTTP adapter per configured provider.
func buildRegistry(providers []config.ProviderConfig) *provider.Registry {
	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(provider.NewHTTPAdapter(provider.HTTPConfig{
			Name:       p.Name,
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			StatusPath: p.StatusPath,
			Timeout:    p.Timeout,
		}))
	}
	return registry
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewStatusCache(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	tasks := postgres.NewTaskRepository(pool)
	projects := postgres.NewProjectRepository(pool)

	registry := buildRegistry(cfg.Providers)
	if len(registry.Names()) == 0 {
		logger.Warn("no providers configured; webhooks will all 404")
	}

	engine := reconcile.NewEngine(tasks, projects,
		reconcile.WithCache(cache),
		reconcile.WithProducer(producer),
		reconcile.WithLogger(logger),
	)

	restHandler := handler.NewREST(tasks, projects, cache, registry, logger)
	webhookHandler := handler.NewWebhook(registry, engine, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects", restHandler.CreateProject)
		r.Get("/projects/{id}", restHandler.GetProject)
		r.Post("/projects/{id}/tasks", restHandler.RegisterTask)
		r.Get("/providers/{provider}/tasks/{id}", restHandler.GetTask)
		r.Post("/providers/{provider}/webhook", webhookHandler.Receive)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
