package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seu-repo/sigec-ocpp/internal/adapter/cache"
	v16 "github.com/seu-repo/sigec-ocpp/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/queue"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/storage/memory"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/storage/postgres"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/timeseries"
	"github.com/seu-repo/sigec-ocpp/internal/adapter/vault"
	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/circuitbreaker"
	"github.com/seu-repo/sigec-ocpp/internal/infrastructure/keylock"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
	"github.com/seu-repo/sigec-ocpp/internal/service/authorization"
	"github.com/seu-repo/sigec-ocpp/internal/service/command"
	"github.com/seu-repo/sigec-ocpp/internal/service/device"
	"github.com/seu-repo/sigec-ocpp/internal/service/events"
	"github.com/seu-repo/sigec-ocpp/internal/service/health"
	"github.com/seu-repo/sigec-ocpp/internal/service/transaction"
	"github.com/seu-repo/sigec-ocpp/pkg/config"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// 2. Initialize Logger
	logger, err := newLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	logger.Info("Starting OCPP central system",
		zap.String("service", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize OpenTelemetry (Distributed Tracing)
	if cfg.OpenTelemetry.Enabled {
		tracerProvider, err := telemetry.InitTracer(telemetry.TracerConfig{
			ServiceName:    cfg.OpenTelemetry.ServiceName,
			ServiceVersion: cfg.App.Version,
			Endpoint:       cfg.OpenTelemetry.Jaeger.Endpoint,
			SampleRatio:    cfg.OpenTelemetry.Jaeger.SamplerParam,
		})
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	registry := v16.NewRegistry(logger)
	ops := health.NewService(&health.Config{
		Version:   cfg.App.Version,
		Connected: registry.Len,
	}, logger)

	// 4. Initialize Persistence Gateway
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeStore()
	ops.RegisterChecker("database", health.PingChecker(store.Ping, false, logger))

	gateway := circuitbreaker.NewGateway(store, circuitbreaker.Settings{
		Name:             "persistence",
		MaxRequests:      cfg.Persistence.Breaker.MaxRequests,
		Interval:         cfg.Persistence.Breaker.Interval,
		Timeout:          cfg.Persistence.Breaker.Timeout,
		FailureThreshold: cfg.Persistence.Breaker.FailureThreshold,
	}, circuitbreaker.RetryPolicy{
		MaxRetries:     cfg.Persistence.MaxRetries,
		InitialBackoff: cfg.Persistence.InitialBackoff,
		MaxBackoff:     cfg.Persistence.MaxBackoff,
	}, logger)
	ops.RegisterChecker("persistence_breaker", health.BreakerChecker(gateway.State))

	// 5. Initialize Cache
	var appCache ports.Cache
	if cfg.Redis.URL != "" {
		appCache, err = cache.NewRedisCache(cfg.Redis.URL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		appCache = cache.NewLocalCache(cfg.Cache.CleanupInterval, logger)
	}
	defer appCache.Close()
	ops.RegisterChecker("cache", health.PingChecker(func(context.Context) error { return appCache.Ping() }, true, logger))

	// 6. Initialize Message Queue and event publisher
	messageQueue, err := queue.New(queue.Config{
		Provider:    cfg.Events.Provider,
		NATSURL:     cfg.NATS.URL,
		RabbitMQURL: cfg.RabbitMQ.URL,
		MQTT: queue.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		},
		Kafka: queue.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message queue", zap.Error(err))
	}
	defer messageQueue.Close()
	ops.RegisterChecker("events", health.PingChecker(func(context.Context) error { return messageQueue.Ping() }, true, logger))
	publisher := events.NewPublisher(messageQueue, logger)

	// 7. Initialize meter reading sink (InfluxDB)
	var sink ports.MeterSink
	if cfg.InfluxDB.URL != "" {
		influx, err := timeseries.NewInfluxSink(timeseries.InfluxConfig{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to InfluxDB", zap.Error(err))
		}
		defer influx.Close()
		sink = influx
	}

	// 8. Initialize Services (Business Logic Layer)
	locks := keylock.New()
	deviceService := device.NewService(device.Config{
		HeartbeatInterval:            cfg.OCPP.HeartbeatInterval,
		GraceMultiplier:              cfg.OCPP.GraceMultiplier,
		SweepInterval:                cfg.OCPP.SweepInterval,
		LockIdleTTL:                  cfg.OCPP.LockIdleTTL,
		DefaultAuthorizationRequired: cfg.OCPP.DefaultAuthorizationRequired,
		SnapshotTTL:                  cfg.Cache.SnapshotTTL,
	}, gateway, appCache, publisher, locks, registry, logger)
	authService := authorization.NewService(gateway, appCache, cfg.Cache.AuthorizationTTL, logger)
	transactionService := transaction.NewService(gateway, deviceService, authService, publisher, sink, logger)

	// 9. Restore state from the gateway
	if _, err := deviceService.Restore(ctx); err != nil {
		logger.Warn("Charger recovery failed, starting empty", zap.Error(err))
	}
	if _, err := transactionService.Restore(ctx); err != nil {
		logger.Fatal("Transaction recovery failed", zap.Error(err))
	}
	deviceService.Start(ctx)
	defer deviceService.Stop()

	// 10. Initialize OCPP 1.6 Server
	dispatcher := v16.NewDispatcher(registry, cfg.OCPP.CommandTimeout, logger)
	handlers := v16.NewHandlers(deviceService, transactionService, authService, cfg.OCPP.HeartbeatInterval, logger)
	ocppServer := v16.NewServer(v16.ServerConfig{
		PingInterval: cfg.OCPP.WebsocketPingInterval,
		WriteTimeout: cfg.OCPP.WriteTimeout,
		ReadLimit:    cfg.OCPP.ReadLimit,
	}, registry, dispatcher, handlers, deviceService, locks, logger)

	mux := http.NewServeMux()
	mux.Handle(strings.TrimSuffix(cfg.OCPP.PathPrefix, "/")+"/", ocppServer)
	ocppHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OCPP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting OCPP WebSocket Server",
			zap.Int("port", cfg.OCPP.Port),
			zap.String("path_prefix", cfg.OCPP.PathPrefix),
		)
		if err := ocppHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("OCPP Server failed", zap.Error(err))
		}
	}()

	// 11. Operator commands over the message queue
	commandService := command.NewService(dispatcher, transactionService, cfg.OCPP.CommandTimeout, logger)
	intake := command.NewIntake(commandService, messageQueue, cfg.Events.CommandSubject, cfg.OCPP.CommandTimeout+5*time.Second, logger)
	if err := intake.Start(); err != nil {
		logger.Fatal("Failed to subscribe command intake", zap.Error(err))
	}

	// 12. Start ops HTTP Server (health and metrics)
	app := health.NewApp(cfg.App.Name, ops, logger)
	go func() {
		logger.Info("Starting ops HTTP Server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("HTTP Server failed", zap.Error(err))
		}
	}()

	// 13. Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Ops server forced to shutdown", zap.Error(err))
	}
	if err := ocppHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("OCPP server forced to shutdown", zap.Error(err))
	}
	ocppServer.Stop()

	logger.Info("Server exited gracefully")
}

func newLogger(cfg config.LoggingConfig, environment string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if environment == "development" || cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// newStore opens the configured persistence gateway. The returned close
// function releases its resources.
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.PersistenceGateway, func(), error) {
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("Using in-memory storage, state is lost on restart")
		return memory.NewGateway(), func() {}, nil
	}

	url := cfg.Database.URL
	if cfg.Vault.Address != "" {
		secrets, err := vault.NewSecretManager(cfg.Vault.Address, cfg.Vault.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("vault client: %w", err)
		}
		url, err = secrets.GetDatabaseURL(ctx, cfg.Vault.SecretPath, cfg.Vault.SecretKey)
		if err != nil {
			return nil, nil, fmt.Errorf("database url from vault: %w", err)
		}
		logger.Info("Database URL loaded from Vault", zap.String("path", cfg.Vault.SecretPath))
	}

	db, err := postgres.NewConnection(url, postgres.PoolConfig{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connect: %w", domain.ErrPersistence, err)
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(db); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	closeDB := func() {
		if err := postgres.Close(db); err != nil {
			logger.Warn("Error closing database", zap.Error(err))
		}
	}
	return postgres.NewGateway(db, logger), closeDB, nil
}
