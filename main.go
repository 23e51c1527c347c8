package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/komuji/ticketing/internal/di"
	"github.com/komuji/ticketing/migrations"
	"github.com/komuji/ticketing/pkg/config"
	"github.com/komuji/ticketing/pkg/database"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/middleware"
	pkgredis "github.com/komuji/ticketing/pkg/redis"
	"github.com/komuji/ticketing/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.Log.Level,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting ticketing service",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("ledger_backend", cfg.Ticketing.LedgerBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
		LedgerBackend:  cfg.Ticketing.LedgerBackend,
	}); err != nil {
		appLog.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			appLog.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Initialize database connection
	db, err := database.NewPostgres(ctx, database.PostgresConfigFrom(cfg.Database, cfg.App.Name, cfg.OTel.Enabled))
	if err != nil {
		appLog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()
	prometheus.MustRegister(database.NewPoolCollector(db))
	appLog.Info("database connected")

	if cfg.Database.AutoMigrate {
		if err := migrations.Apply(ctx, db.Pool()); err != nil {
			appLog.Fatal("migrations failed", zap.Error(err))
		}
		appLog.Info("migrations applied")
	}

	// Redis backs the idempotency keys and, when selected, the ledger
	redisClient, err := pkgredis.NewClient(ctx, pkgredis.ConfigFrom(cfg.Redis))
	if err != nil {
		if cfg.Ticketing.LedgerBackend == config.LedgerBackendRedis {
			appLog.Fatal("redis connection failed", zap.Error(err))
		}
		appLog.Warn("redis unavailable, idempotency keys disabled", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
		appLog.Info("redis connected")
	}

	container, err := di.NewContainer(ctx, &di.ContainerConfig{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
	})
	if err != nil {
		appLog.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		if err := container.Close(); err != nil {
			appLog.Warn("container close failed", zap.Error(err))
		}
	}()

	router := newRouter(cfg, container, redisClient, appLog)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLog.Info("ticketing service listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return container.ExpiryWorker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutting down server")

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLog.Error("server stopped with error", zap.Error(err))
		return
	}
	appLog.Info("server exited gracefully")
}

func newRouter(cfg *config.Config, c *di.Container, redisClient *pkgredis.Client, appLog *logger.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DisableConsoleColor()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(telemetry.TracingMiddleware("/health", "/ready", "/metrics"))
	router.Use(middleware.Logger(appLog))

	// Health check endpoints
	router.GET("/health", c.HealthHandler.Health)
	router.GET("/ready", c.HealthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Retried purchases replay the first response instead of reserving again
	var idempotent gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Ticketing.IdempotencyEnabled && redisClient != nil {
		idempotent = middleware.IdempotencyMiddleware(middleware.DefaultIdempotencyConfig(redisClient.Client()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": cfg.App.Version,
				"service": cfg.App.Name,
			})
		})

		categories := v1.Group("/categories")
		{
			categories.POST("/:id/reservations", idempotent, c.RegistrationHandler.Issue)
			categories.GET("/:id/availability", c.RegistrationHandler.Availability)
		}

		registrations := v1.Group("/registrations")
		{
			registrations.GET("/:id", c.RegistrationHandler.GetRegistration)
			registrations.POST("/:id/confirm-payment", c.RegistrationHandler.ConfirmPayment)
			registrations.POST("/:id/token/reissue", c.RegistrationHandler.ReissueToken)
			registrations.GET("/:id/qr", c.RegistrationHandler.QRCode)
		}

		v1.POST("/check-in", c.CheckInHandler.CheckIn)
	}

	return router
}
