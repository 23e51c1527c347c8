package di

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/handler"
	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/internal/service"
	"github.com/komuji/ticketing/internal/worker"
	"github.com/komuji/ticketing/pkg/config"
	"github.com/komuji/ticketing/pkg/database"
	"github.com/komuji/ticketing/pkg/kafka"
	"github.com/komuji/ticketing/pkg/logger"
	pkgredis "github.com/komuji/ticketing/pkg/redis"
)

// Container holds all dependencies for the ticketing service
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *pkgredis.Client

	// Repositories
	EventRepo        repository.EventRepository
	CategoryRepo     repository.CategoryRepository
	RegistrationRepo repository.RegistrationRepository
	TokenRepo        repository.TokenRepository
	CheckInRepo      repository.CheckInRepository
	LedgerRepo       repository.LedgerRepository

	// Publishers
	EventPublisher service.EventPublisher

	// Services
	Syncer              service.CategorySyncer
	Ledger              service.InventoryLedger
	TokenService        service.TokenService
	RegistrationService service.RegistrationService
	CheckInService      service.CheckInService

	// Handlers
	HealthHandler       *handler.HealthHandler
	RegistrationHandler *handler.RegistrationHandler
	CheckInHandler      *handler.CheckInHandler

	// Workers
	ExpiryWorker *worker.ExpiryWorker
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config *config.Config
	DB     *database.PostgresDB
	// Redis is optional unless the Redis ledger backend is selected
	Redis *pkgredis.Client
	// EventPublisher overrides the publisher derived from Config.Kafka
	EventPublisher service.EventPublisher
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *ContainerConfig) (*Container, error) {
	if cfg == nil || cfg.Config == nil || cfg.DB == nil {
		return nil, fmt.Errorf("config and database are required")
	}
	appCfg := cfg.Config
	log := logger.Get()

	c := &Container{
		DB:    cfg.DB,
		Redis: cfg.Redis,
	}

	// Initialize repositories
	pool := c.DB.Pool()
	c.EventRepo = repository.NewPostgresEventRepository(pool)
	c.CategoryRepo = repository.NewPostgresCategoryRepository(pool)
	c.RegistrationRepo = repository.NewPostgresRegistrationRepository(pool)
	c.TokenRepo = repository.NewPostgresTokenRepository(pool)
	c.CheckInRepo = repository.NewPostgresCheckInRepository(pool)

	switch appCfg.Ticketing.LedgerBackend {
	case config.LedgerBackendRedis:
		if c.Redis == nil {
			return nil, fmt.Errorf("redis ledger backend requires a redis client")
		}
		redisLedger := repository.NewRedisLedgerRepository(c.Redis)
		// Pre-load Lua scripts into Redis
		if err := redisLedger.LoadScripts(ctx); err != nil {
			log.Warn("failed to pre-load ledger scripts", zap.Error(err))
		}
		c.LedgerRepo = redisLedger
		c.Syncer = service.NewCategorySyncer(c.CategoryRepo, c.RegistrationRepo, redisLedger)
	default:
		c.LedgerRepo = repository.NewPostgresLedgerRepository(pool)
	}

	// Initialize publisher
	c.EventPublisher = cfg.EventPublisher
	if c.EventPublisher == nil {
		c.EventPublisher = newEventPublisher(ctx, appCfg, log)
	}

	// Initialize services
	c.Ledger = service.NewInventoryLedger(c.LedgerRepo, c.Syncer, nil)

	tokens, err := service.NewTokenService(
		c.EventRepo,
		c.RegistrationRepo,
		c.TokenRepo,
		c.CheckInRepo,
		c.EventPublisher,
		&service.TokenServiceConfig{
			Secret: []byte(appCfg.Ticketing.TokenSecret),
			Grace:  appCfg.Ticketing.TokenGrace,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	c.TokenService = tokens

	c.RegistrationService = service.NewRegistrationService(
		c.CategoryRepo,
		c.RegistrationRepo,
		c.Ledger,
		c.TokenService,
		c.EventPublisher,
		&service.RegistrationServiceConfig{
			CodePrefix:     appCfg.Ticketing.CodePrefix,
			SweepBatchSize: appCfg.Ticketing.SweepBatchSize,
		},
	)

	c.CheckInService = service.NewCheckInService(
		c.TokenService,
		c.RegistrationRepo,
		c.TokenRepo,
		c.CheckInRepo,
		nil,
	)

	// Initialize handlers
	checkers := map[string]handler.HealthChecker{"database": c.DB}
	if c.Redis != nil {
		checkers["redis"] = c.Redis
	}
	c.HealthHandler = handler.NewHealthHandler(checkers)
	c.RegistrationHandler = handler.NewRegistrationHandler(c.RegistrationService, c.Ledger, c.TokenService)
	c.CheckInHandler = handler.NewCheckInHandler(c.CheckInService)

	// Initialize workers
	c.ExpiryWorker = worker.NewExpiryWorker(c.RegistrationService, &worker.ExpiryWorkerConfig{
		ScanInterval: appCfg.Ticketing.SweepInterval,
		MaxAge:       appCfg.Ticketing.ReservationMaxAge,
	})

	return c, nil
}

// Close releases resources owned by the container. DB and Redis belong to the caller.
func (c *Container) Close() error {
	if c.ExpiryWorker != nil {
		c.ExpiryWorker.Stop()
	}
	if c.EventPublisher != nil {
		return c.EventPublisher.Close()
	}
	return nil
}

// newEventPublisher connects to Kafka when enabled and falls back to a no-op publisher
func newEventPublisher(ctx context.Context, cfg *config.Config, log *logger.Logger) service.EventPublisher {
	if !cfg.Kafka.Enabled {
		return service.NewNoOpEventPublisher()
	}

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		log.Warn("kafka connection failed, using no-op publisher", zap.Error(err))
		return service.NewNoOpEventPublisher()
	}

	publisher, err := service.NewKafkaEventPublisher(producer, &service.EventPublisherConfig{
		Topic:       cfg.Kafka.Topic,
		DLQTopic:    cfg.Kafka.DLQTopic,
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		producer.Close()
		log.Warn("kafka publisher setup failed, using no-op publisher", zap.Error(err))
		return service.NewNoOpEventPublisher()
	}
	log.Info("kafka event publisher connected", zap.Strings("brokers", cfg.Kafka.Brokers))
	return publisher
}
