package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/api"
	"github.com/steemit/hivefeed/internal/app"
	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Hivefeed Server")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("FEED_JWT_SECRET is not set; every authenticated request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Fan-out workers run on their own context so in-flight jobs can finish
	// after the signal.
	services.Queue.Start(context.Background())

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		consumer := events.NewConsumer(events.NewReader(&cfg.Kafka), services.Queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Post event consumer stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("Kafka disabled; fan-out is driven by maintenance calls only")
	}

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	checks := []api.HealthCheck{{Name: "database", Check: services.DB.Health}}
	if services.Cache != nil {
		checks = append(checks, api.HealthCheck{Name: "cache", Check: services.Cache.Health})
	}
	api.NewRouter(services.Feeds, services.Reconcile, services.Jobs, &cfg.Auth, checks...).SetupRoutes(engine)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()
	if err := services.Queue.Stop(shutdownCtx); err != nil {
		logger.Error("Fan-out queue did not drain", zap.Error(err))
	}

	logger.Info("Server exited")
}
