package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seu-repo/sigec-chargepoint/internal/adapter/cache"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/http/fiber/handlers"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/http/fiber/middleware"
	v16 "github.com/seu-repo/sigec-chargepoint/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/queue"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/storage/postgres"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/storage/sqlite"
	wsAdapter "github.com/seu-repo/sigec-chargepoint/internal/adapter/websocket"
	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
	"github.com/seu-repo/sigec-chargepoint/internal/service/authorization"
	"github.com/seu-repo/sigec-chargepoint/internal/service/clock"
	"github.com/seu-repo/sigec-chargepoint/internal/service/health"
	"github.com/seu-repo/sigec-chargepoint/internal/service/transaction"
	"github.com/seu-repo/sigec-chargepoint/pkg/config"
)

type store interface {
	ports.TransactionStore
	ports.BootRepository
}

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// 2. Initialize Logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("charger_id", cfg.ChargePoint.ID))

	logger.Info("Starting SIGEC charge point",
		zap.String("service", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("central_system_url", cfg.OCPP.CentralSystemURL),
		zap.Int("connectors", cfg.ChargePoint.Connectors),
	)

	// 3. Initialize OpenTelemetry (Distributed Tracing)
	endpoint := ""
	if cfg.OpenTelemetry.Enabled {
		endpoint = cfg.OpenTelemetry.Jaeger.Endpoint
	}
	shutdownTracer, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: cfg.OpenTelemetry.ServiceName,
		Version:     cfg.App.Version,
		ChargerID:   cfg.ChargePoint.ID,
		Endpoint:    endpoint,
		SampleRatio: cfg.OpenTelemetry.Jaeger.SamplerParam,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// 4. Open the transaction store and advance the boot epoch
	txStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open transaction store", zap.Error(err))
	}
	defer txStore.Close()

	bootNr, err := txStore.NextBootNr(context.Background())
	if err != nil {
		logger.Fatal("Failed to advance boot counter", zap.Error(err))
	}

	// 5. Clock
	clk := clock.New(bootNr, logger.Named("clock"))
	if cfg.Clock.TrustSystemTime {
		clk.SetTime(time.Now())
	}
	logger.Info("Boot epoch started", zap.Int("boot_nr", bootNr), zap.Bool("clock_synchronized", clk.Synchronized()))

	// 6. Authorization cache
	authCache, err := openCache(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open authorization cache", zap.Error(err))
	}
	defer authCache.Close()

	gate := authorization.NewGate(authCache, authorization.Config{
		TTL:        cfg.Cache.AuthorizationTTL,
		PendingTTL: cfg.Cache.PendingTTL,
	}, logger.Named("authorization"))

	// 7. Message Queue (transaction events for the metering pipeline)
	messageQueue, err := queue.New(cfg.Queue.Driver, cfg.QueueURL(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to message queue", zap.Error(err))
	}
	if messageQueue != nil {
		defer messageQueue.Close()
	}
	publisher := queue.NewEventPublisher(messageQueue, cfg.Queue.SubjectPrefix, cfg.ChargePoint.ID, logger)

	// Live event feed for local displays
	eventHub := wsAdapter.NewHub(logger.Named("events"))

	// 8. OCPP 1.6 client and transaction engine
	client := v16.NewClient(v16.ClientConfig{
		URL:              cfg.OCPP.CentralSystemURL,
		ChargerID:        cfg.ChargePoint.ID,
		Vendor:           cfg.ChargePoint.Vendor,
		Model:            cfg.ChargePoint.Model,
		SerialNumber:     cfg.ChargePoint.SerialNumber,
		FirmwareVersion:  cfg.ChargePoint.FirmwareVersion,
		CallTimeout:      cfg.OCPP.CallTimeout,
		ReconnectWait:    cfg.OCPP.ReconnectWait,
		HandshakeTimeout: cfg.OCPP.HandshakeTimeout,
	}, clk, logger.Named("ocpp"))

	engine := transaction.NewEngine(txStore, clk, client, gate, queue.Fanout{publisher, eventHub}, transaction.Config{
		Connectors:      cfg.ChargePoint.Connectors,
		ResponseTimeout: cfg.Transaction.ResponseTimeout,
		SweepInterval:   cfg.Transaction.SweepInterval,
		RetransmitRate:  rate.Every(cfg.Transaction.RetransmitInterval),
		RetransmitBurst: cfg.Transaction.RetransmitBurst,
	}, logger.Named("transaction"))

	client.SetResponseHandler(engine)
	client.OnConnect(engine.OnConnected)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eventHub.Run(ctx)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("OCPP client stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Transaction engine stopped", zap.Error(err))
		}
	}()

	// 9. Local control API
	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		ServerHeader:          cfg.App.Name,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(middleware.NewCORS(cfg.CORS))

	healthService := health.NewService(health.Config{Version: cfg.App.Version, BootNr: bootNr}, logger)
	healthService.RegisterPing("store", txStore.Ping)
	healthService.RegisterPing("cache", func(context.Context) error { return authCache.Ping() })
	healthService.RegisterDegradable("central_system", client.Connected)
	healthHandler := handlers.NewHealthHandler(healthService)

	handlers.RegisterRoutes(app,
		handlers.NewTransactionHandler(engine, logger),
		healthHandler,
		middleware.CircuitBreaker(cfg.CircuitBreaker, logger),
	)

	// Live event feed
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(eventHub.Handler()))

	go func() {
		logger.Info("Starting HTTP Server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Error("HTTP Server failed", zap.Error(err))
			stop()
		}
	}()

	// 10. Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down charge point...", zap.Int("pending_requests", engine.PendingCount()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	logger.Info("Charge point exited gracefully")
}

func openStore(cfg *config.Config, logger *zap.Logger) (store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := postgres.NewConnection(cfg.Database.URL, postgres.ConnectionOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			LogQueries:      cfg.Database.LogQueries,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.RunMigrations(db); err != nil {
				postgres.Close(db)
				return nil, err
			}
		}
		return postgres.NewTransactionStore(db, cfg.ChargePoint.ID, logger), nil
	default:
		db, err := sqlite.NewConnection(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return sqlite.NewTransactionStore(db, logger), nil
	}
}

func openCache(cfg *config.Config, logger *zap.Logger) (ports.Cache, error) {
	if cfg.Cache.Driver == "redis" {
		return cache.NewRedisCache(cfg.Redis.URL, cfg.Cache.Prefix, logger)
	}
	return cache.NewLocalCache(cfg.Cache.CleanupInterval, logger), nil
}
