package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/overtonx/inbox"
	"github.com/overtonx/inbox/config"
	"github.com/overtonx/inbox/httpapi"
	"github.com/overtonx/inbox/storage"
	"github.com/overtonx/inbox/storage/memstore"
	"github.com/overtonx/inbox/storage/pgstore"
	"github.com/overtonx/inbox/storage/redisstore"
	"github.com/overtonx/inbox/storage/sqlstore"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Storage and, for MySQL, the transaction manager shared with handlers.
	store, txManager, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeStore()

	if err := store.EnsureTables(ctx); err != nil {
		logger.Fatal("Failed to ensure tables", zap.Error(err))
	}

	// 2. Handlers.
	registry := inbox.NewRegistry(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		forwarder, err := newForwarder(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to create Kafka forwarder", zap.Error(err))
		}
		defer forwarder.Close()

		eventTypes := cfg.Kafka.EventTypes
		if len(eventTypes) == 0 {
			eventTypes = httpapi.KnownEventTypes
		}
		for _, eventType := range eventTypes {
			registry.Register(eventType, forwarder)
		}
		logger.Info("Forwarding events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.Strings("event_types", registry.EventTypes()))
	}

	// 3. Processor and background services.
	metricsRegistry := prometheus.NewRegistry()
	metrics := inbox.NewPrometheusMetricsCollector("inbox", metricsRegistry)

	opts := []inbox.Option{
		inbox.WithLogger(logger),
		inbox.WithMetrics(metrics),
		inbox.WithMaxAttempts(cfg.Retry.MaxAttempts),
		inbox.WithBackoffStrategy(newBackoff(cfg.Retry)),
		inbox.WithBatchSize(cfg.Retry.BatchSize),
		inbox.WithConcurrency(cfg.Retry.Concurrency),
	}
	if txManager != nil {
		opts = append(opts, inbox.WithTxManager(txManager))
	}
	processor := inbox.NewProcessor(store, registry, opts...)

	stuckEvents := inbox.NewStuckEventService(store, processor.RetryScheduler(),
		inbox.WithStuckEventServiceLogger(logger),
		inbox.WithStuckEventServiceMetrics(metrics),
		inbox.WithStuckEventTimeout(cfg.Workers.StuckTimeout),
		inbox.WithStuckEventBatchSize(cfg.Retry.BatchSize),
	)
	cleanup := inbox.NewCleanupService(store,
		inbox.WithCleanupServiceLogger(logger),
		inbox.WithCleanupServiceMetrics(metrics),
		inbox.WithCleanupServiceRetention(cfg.Workers.Retention),
	)

	// 4. Workers.
	dispatcher := inbox.NewDispatcher(logger,
		inbox.NewRetryWorker(processor, cfg.Workers.RetryInterval, logger),
		inbox.NewStuckEventWorker(stuckEvents, cfg.Workers.StuckInterval, logger),
		inbox.NewCleanupWorker(cleanup, cfg.Workers.CleanupInterval, logger),
	)

	// 5. HTTP.
	allowlist, invalid := httpapi.ParseAllowlist(cfg.Webhook.AllowedCIDRs)
	if len(invalid) > 0 {
		logger.Warn("Ignoring invalid allowlist entries", zap.Strings("entries", invalid))
	}
	router := httpapi.NewRouter(processor,
		httpapi.WithRouterLogger(logger),
		httpapi.WithVersion(cfg.App.Version),
		httpapi.WithWorkerNames(dispatcher.WorkerNames),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})),
		httpapi.WithWebhookConfig(httpapi.WebhookConfig{
			Secret:          cfg.Webhook.Secret,
			SignatureHeader: cfg.Webhook.SignatureHeader,
			AllowedIPs:      allowlist,
			ProductionMode:  cfg.Webhook.ProductionMode,
			MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		}),
	)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go dispatcher.Start(ctx)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// Wait for the shutdown signal.
	<-ctx.Done()

	logger.Info("Shutdown signal received. Stopping server and workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	dispatcher.Stop() // This will block until all workers are stopped.
	logger.Info("Inbox stopped gracefully.")
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, inbox.TxManager, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQL.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		txManager, err := manager.New(trmsql.NewDefaultFactory(db))
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return sqlstore.NewSQLStore(db, logger), txManager, func() { db.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return pgstore.New(pool, logger), nil, pool.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		store := redisstore.New(client, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix), redisstore.WithLogger(logger))
		return store, nil, func() { client.Close() }, nil
	}

	logger.Warn("Using in-memory store; events are lost on restart")
	return memstore.New(), nil, func() {}, nil
}

func newBackoff(cfg config.Retry) inbox.BackoffStrategy {
	if cfg.Strategy == "exponential" {
		return inbox.NewExponentialBackoffStrategy(cfg.BaseDelay, cfg.Multiplier, cfg.MaxDelay)
	}
	return inbox.NewLinearBackoffStrategy(cfg.BaseDelay, cfg.MaxDelay)
}

func newForwarder(cfg config.Kafka, logger *zap.Logger) (*inbox.KafkaForwarder, error) {
	encoding := inbox.EncodingRaw
	if cfg.Encoding == "protobuf" {
		encoding = inbox.EncodingProtobuf
	}
	return inbox.NewKafkaForwarder(logger,
		inbox.WithKafkaProducerProps(kafka.ConfigMap{
			"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		}),
		inbox.WithKafkaTopic(cfg.Topic),
		inbox.WithKafkaEncoding(encoding),
		inbox.WithKafkaDeliveryTimeout(cfg.DeliveryTimeout),
	)
}

