package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kz-records/internal/cache"
	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/handler"
	"github.com/kz-records/internal/kafka"
	"github.com/kz-records/internal/metrics"
	"github.com/kz-records/internal/postgres"
	"github.com/kz-records/internal/ratelimit"
	"github.com/kz-records/internal/security"
	"github.com/kz-records/internal/service"
	"github.com/kz-records/internal/websocket"
	"github.com/kz-records/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	loadErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if loadErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", loadErr)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to create PostgreSQL pool", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if cfg.Postgres.RunMigrations {
		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	// Initialize cache
	store, closeStore, err := newCacheStore(cfg)
	if err != nil {
		logger.Error("failed to initialize cache store", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	cacheOpts := []cache.Option{cache.WithObserver(m)}
	if !cfg.Cache.IsEnabled() {
		cacheOpts = append(cacheOpts, cache.Disabled())
	}
	recordsCache := cache.New(store, cache.TTLs{
		Default:    cfg.Cache.DefaultTTL,
		Maps:       cfg.Cache.MapsTTL,
		Statistics: cfg.Cache.StatsTTL,
		Records:    cfg.Cache.RecordsTTL,
	}, logger, cacheOpts...)
	logger.Info("cache initialized", "backend", cfg.Cache.Backend, "enabled", cfg.Cache.IsEnabled())

	// Initialize security audit log
	auditLog, err := security.NewAuditLog(cfg.Security.AuditLog, logger)
	if err != nil {
		logger.Error("failed to open security audit log", "path", cfg.Security.AuditLog, "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger, websocket.WithGauge(m.WebSocketConnections))
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize services
	recordsService := service.NewRecordsService(
		repo,
		recordsCache,
		ratelimit.New(cfg.RateLimit.MaxClients),
		auditLog,
		cfg,
		logger,
		service.WithNotifier(wsHub),
		service.WithObserver(m),
	)

	// Start cache warmer
	warmer := worker.NewCacheWarmer(recordsService, &cfg.Warmer, logger)
	if err := warmer.Start(ctx); err != nil {
		logger.Error("failed to start cache warmer", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka consumer for run events
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, recordsService, m, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(
		recordsService,
		wsHub,
		handler.Limiters{
			API:  ratelimit.New(cfg.RateLimit.MaxClients),
			Page: ratelimit.New(cfg.RateLimit.MaxClients),
		},
		cfg,
		logger,
		handler.WithMetrics(m),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "default_map", cfg.Display.DefaultMap)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server first so no request sees a stopped hub
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := warmer.Stop(); err != nil {
		logger.Error("failed to stop cache warmer", "error", err)
	}

	logger.Info("server stopped")
}

// newCacheStore opens the configured cache backend and returns its closer
func newCacheStore(cfg *config.Config) (cache.Store, func(), error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStore(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := cache.NewFileStore(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
