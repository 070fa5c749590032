// Package main is the entry point for the campaign orchestrator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agenteval/platform/services/orchestrator-go/internal/api"
	"github.com/agenteval/platform/services/orchestrator-go/internal/billing"
	"github.com/agenteval/platform/services/orchestrator-go/internal/checkpoint"
	"github.com/agenteval/platform/services/orchestrator-go/internal/config"
	"github.com/agenteval/platform/services/orchestrator-go/internal/dispatch"
	"github.com/agenteval/platform/services/orchestrator-go/internal/engine"
	"github.com/agenteval/platform/services/orchestrator-go/internal/graph"
	"github.com/agenteval/platform/services/orchestrator-go/internal/registry"
	"github.com/agenteval/platform/services/orchestrator-go/internal/sink"
	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		slog.String("port", cfg.Port),
		slog.String("statestore", cfg.StateStoreType),
		slog.String("dispatcher", cfg.DispatcherType),
	)

	ctx := context.Background()

	// Tracing
	if cfg.TracingEnabled {
		shutdown, err := setupTracing(ctx, cfg)
		if err != nil {
			logger.Error("failed to set up tracing, continuing without", "error", err)
		} else {
			defer shutdown(context.Background())
			logger.Info("tracing enabled", slog.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// State store. Startup races the Redis container in compose setups, so
	// connection attempts retry with exponential backoff before giving up.
	var store statestore.Store
	switch cfg.StateStoreType {
	case "memory":
		store = statestore.NewMemoryStore()
		logger.Info("using in-memory state store")
	default:
		redisStore, err := backoff.Retry(ctx, func() (*statestore.RedisStore, error) {
			return statestore.NewRedisStore(&statestore.RedisConfig{
				URL:      cfg.RedisURL,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(30*time.Second),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warn("redis not ready, retrying", "error", err, "wait", wait)
			}))
		if err != nil {
			// Workers rendezvous through the same Redis; serving campaigns
			// against any other store would strand every dispatch.
			logger.Error("failed to connect to Redis, giving up", "error", err)
			os.Exit(1)
		}
		store = redisStore
		logger.Info("using Redis state store", slog.String("url", cfg.RedisURL))
	}
	defer store.Close()

	// Dispatcher
	var dispatcher dispatch.Dispatcher
	switch cfg.DispatcherType {
	case "redis":
		redisStore, ok := store.(*statestore.RedisStore)
		if !ok {
			logger.Error("redis dispatcher requires the redis state store, falling back to kafka")
			dispatcher = newKafkaDispatcher(cfg, logger)
		} else {
			dispatcher = dispatch.NewStreamDispatcher(redisStore.Client(), 10000, logger)
			logger.Info("using redis streams dispatcher")
		}
	default:
		dispatcher = newKafkaDispatcher(cfg, logger)
		logger.Info("using kafka dispatcher", slog.Any("brokers", cfg.KafkaBrokers))
	}
	defer dispatcher.Close()

	// External collaborators
	var reg *registry.Client
	if cfg.ResourceServiceURL != "" {
		r, err := registry.New(cfg.ResourceServiceURL, cfg.EncryptionKey, logger)
		if err != nil {
			logger.Error("failed to create registry client, continuing without", "error", err)
		} else {
			reg = r
		}
	}

	var quota *billing.QuotaChecker
	if cfg.BillingServiceURL != "" {
		quota = billing.NewQuotaChecker(cfg.BillingServiceURL, store, logger)
	}

	var statusSink sink.StatusSink = sink.NopSink{}
	if cfg.ResourceServiceURL != "" {
		statusSink = sink.NewHTTPSink(cfg.ResourceServiceURL, logger)
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := sink.NewArchiver(statusSink, &sink.S3Config{
			Endpoint:        cfg.ArchiveEndpoint,
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
			PathPrefix:      cfg.ArchivePrefix,
		}, logger)
		if err != nil {
			logger.Error("failed to create report archiver, continuing without", "error", err)
		} else {
			statusSink = archiver
			logger.Info("report archiving enabled", slog.String("bucket", cfg.ArchiveBucket))
		}
	}

	// Engine runtime
	checkpoints := checkpoint.New(store, cfg.CheckpointTTL)
	runtime := &engine.Runtime{
		Store:           store,
		Checkpoints:     checkpoints,
		Dispatcher:      dispatcher,
		Sink:            statusSink,
		Eval:            engine.NewEvaluator(),
		Logger:          logger,
		SimulationTopic: cfg.SimulationTopic,
		EvaluationTopic: cfg.EvaluationTopic,
		NodeTimeout:     cfg.DefaultNodeTimeout,
	}
	if reg != nil {
		runtime.Models = reg
	}

	// Scenario validator
	v, err := graph.NewValidator()
	if err != nil {
		logger.Error("failed to create scenario validator", "error", err)
		// Continue without validator - graphs are still checked at compile
		v = nil
	}

	// HTTP API
	handlers := api.NewHandlers(runtime, checkpoints, v, reg, quota, cfg, logger)
	server := api.NewServer(handlers, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown. Running campaigns checkpoint after every node, so
	// an interrupted run resumes from its last checkpoint on restart.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newKafkaDispatcher(cfg *config.Config, logger *slog.Logger) dispatch.Dispatcher {
	return dispatch.NewKafkaDispatcher(&dispatch.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}, logger)
}

// setupTracing installs the OTLP trace exporter as the global provider.
func setupTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "orchestrator"),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
