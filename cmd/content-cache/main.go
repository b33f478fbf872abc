package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/mileusna/crontab"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/umanagarjuna/content-cache/internal/content/cache"
	"github.com/umanagarjuna/content-cache/internal/content/config"
	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/events"
	"github.com/umanagarjuna/content-cache/internal/content/handler"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
	"github.com/umanagarjuna/content-cache/internal/content/repository"
	"github.com/umanagarjuna/content-cache/internal/content/retry"
	"github.com/umanagarjuna/content-cache/internal/content/service"
	"github.com/umanagarjuna/content-cache/internal/content/throttle"
	"github.com/umanagarjuna/content-cache/internal/content/upstream"
	"github.com/umanagarjuna/content-cache/internal/content/warmup"
	"github.com/umanagarjuna/content-cache/pkg/contentid"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Auth.Token == "" && !cfg.Auth.AllowUnauthenticated {
		logger.Warn("No auth token configured, protected endpoints will reject every request")
	}

	metricsCollector := metrics.NewPrometheusMetrics("content_cache")

	// Failed-item ledger: Postgres when configured, memory otherwise
	ledger, closeLedger, err := initLedger(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize failed-item ledger", zap.Error(err))
	}
	defer closeLedger()

	// Kafka publisher
	publisher, err := initPublisher(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Cache tiers
	local, err := cache.NewLocalCache(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	if err != nil {
		logger.Fatal("Failed to initialize local cache", zap.Error(err))
	}

	var remote cache.Distributed
	if cfg.Redis.Enabled {
		redisClient := initRedis(cfg.Redis)
		defer redisClient.Close()
		remote = cache.NewRedisStore(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.Timeout)
	} else {
		logger.Info("Distributed cache disabled, running with local tier only")
	}

	tiered := cache.NewTiered(local, remote, cache.Options{DefaultTTL: cfg.Cache.DefaultTTL},
		logger, metricsCollector)

	// Upstream access
	api := upstream.NewClient(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Token:   cfg.Upstream.Token,
		Timeout: cfg.Upstream.Timeout,
	}, logger, metricsCollector)
	defer api.Close()

	limiter := throttle.New(throttle.Config{
		MaxConcurrency: cfg.Throttle.MaxConcurrency,
		MinInterval:    cfg.Throttle.MinInterval,
	}, metricsCollector)

	retrier := retry.New(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
		Jitter:         cfg.Retry.Jitter,
	}, logger, metricsCollector)

	// Initialize service
	contentService := service.NewContentService(
		api,
		tiered,
		limiter,
		retrier,
		contentid.NewDefaultValidator(),
		publisher,
		logger,
		service.Config{
			ItemTTL:      cfg.Cache.DefaultTTL,
			SearchTTL:    cfg.Cache.SearchTTL,
			RootID:       cfg.Upstream.RootID,
			MaxTreeItems: cfg.Upstream.MaxTreeItems,
			FetchTimeout: cfg.Upstream.FetchTimeout,
		},
	)

	tracker := warmup.NewTracker(contentService, ledger, publisher, metricsCollector, logger, warmup.Config{
		BatchSize:       cfg.Warmup.BatchSize,
		InterBatchDelay: cfg.Warmup.InterBatchDelay,
		MaxDuration:     cfg.Warmup.MaxDuration,
		CeilingMargin:   cfg.Warmup.CeilingMargin,
		Retention:       cfg.Warmup.Retention,
		MaxJobErrors:    cfg.Warmup.MaxJobErrors,
	})

	ctab := crontab.New()
	defer ctab.Shutdown()
	if err := tracker.Schedule(ctab); err != nil {
		logger.Fatal("Failed to schedule job sweep", zap.Error(err))
	}

	logger.Info("Content cache configured",
		zap.Bool("constrained", cfg.Constrained),
		zap.Int("max_concurrency", cfg.Throttle.MaxConcurrency),
		zap.Duration("min_interval", cfg.Throttle.MinInterval),
		zap.Int("batch_size", cfg.Warmup.BatchSize),
		zap.Duration("inter_batch_delay", cfg.Warmup.InterBatchDelay))

	// Start servers
	errChan := make(chan error, 2)

	httpHandler := handler.NewHTTPHandler(contentService, tracker, ledger, metricsCollector.Handler(),
		handler.Config{
			BaseURL: cfg.Server.BaseURL,
			Auth: handler.AuthConfig{
				Token:                cfg.Auth.Token,
				AllowUnauthenticated: cfg.Auth.AllowUnauthenticated,
			},
			WebhookRate:  rate.Limit(float64(cfg.Webhook.RatePerMinute) / 60),
			WebhookBurst: cfg.Webhook.RatePerMinute,
		}, logger)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPPort,
		Handler: setupHTTPRouter(httpHandler),
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start gRPC health server
	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(contentService, logger)
	grpcHealth.Register(grpcServer)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go grpcHealth.Watch(healthCtx, cfg.Server.HealthInterval)

	go func() {
		lis, err := net.Listen("tcp", cfg.Server.GRPCPort)
		if err != nil {
			errChan <- fmt.Errorf("failed to listen: %w", err)
			return
		}

		logger.Info("Starting gRPC server", zap.String("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	grpcHealth.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := tracker.Shutdown(ctx); err != nil {
		logger.Error("Warm-up jobs did not stop in time", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLedger(cfg config.DatabaseConfig, logger *zap.Logger) (repository.FailedItemRepository, func(), error) {
	if !cfg.Configured() {
		logger.Info("No database configured, failed items are kept in memory")
		return repository.NewMemoryRepository(), func() {}, nil
	}

	db, err := initDB(cfg)
	if err != nil {
		return nil, nil, err
	}

	repo := repository.NewPostgresRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repo, func() { db.Close() }, nil
}

func initDB(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func initPublisher(cfg config.KafkaConfig, logger *zap.Logger) (domain.EventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("No Kafka brokers configured, events are not published")
		return events.NoopPublisher{}, nil
	}
	return events.NewEventPublisher(cfg.Brokers, cfg.Topic)
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

func setupHTTPRouter(handler *handler.HTTPHandler) *gin.Engine {
	router := gin.Default()

	// Register routes
	handler.RegisterRoutes(router)

	return router
}
