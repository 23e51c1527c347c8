package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/di"
	"github.com/komuji/ticketing/pkg/config"
	"github.com/komuji/ticketing/pkg/database"
	"github.com/komuji/ticketing/pkg/logger"
	pkgredis "github.com/komuji/ticketing/pkg/redis"
)

func main() {
	loop := pflag.Bool("loop", false, "keep sweeping on TICKETING_SWEEP_INTERVAL until interrupted")
	maxAge := pflag.Duration("max-age", 0, "override TICKETING_RESERVATION_MAX_AGE")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *maxAge > 0 {
		cfg.Ticketing.ReservationMaxAge = *maxAge
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.Log.Level,
		ServiceName: "reservation-sweeper",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting reservation sweeper",
		zap.Bool("loop", *loop),
		zap.Duration("max_age", cfg.Ticketing.ReservationMaxAge),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	db, err := database.NewPostgres(ctx, database.PostgresConfigFrom(cfg.Database, "reservation-sweeper", false))
	if err != nil {
		appLog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	// Redis is only needed when it holds the ledger counters
	var redisClient *pkgredis.Client
	if cfg.Ticketing.LedgerBackend == config.LedgerBackendRedis {
		redisClient, err = pkgredis.NewClient(ctx, pkgredis.ConfigFrom(cfg.Redis))
		if err != nil {
			appLog.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
	}

	container, err := di.NewContainer(ctx, &di.ContainerConfig{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
	})
	if err != nil {
		appLog.Fatal("failed to build container", zap.Error(err))
	}
	defer container.Close()

	if *loop {
		if err := container.ExpiryWorker.Run(ctx); err != nil {
			appLog.Error("sweeper stopped with error", zap.Error(err))
			os.Exit(1)
		}
		appLog.Info("sweeper stopped")
		return
	}

	n, err := container.RegistrationService.ExpireStaleReservations(ctx, cfg.Ticketing.ReservationMaxAge)
	if err != nil {
		appLog.Error("sweep failed", zap.Int("expired", n), zap.Error(err))
		os.Exit(1)
	}
	appLog.Info("sweep complete", zap.Int("expired", n))
}
