package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"sms-rental-ledger/internal/auditor"
	"sms-rental-ledger/internal/database"
	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/events"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/postgres"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// closableStore is a LedgerStore that owns a connection pool
type closableStore interface {
	store.LedgerStore
	Close()
}

type Services struct {
	Store     store.LedgerStore
	Engine    *engine.Engine
	Auditor   *auditor.Auditor
	Providers *provider.Registry
	Publisher events.Publisher
	Redis     *redis.Client

	closer func()
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// OpenStore opens the configured ledger backend.
func OpenStore(ctx context.Context, cfg models.DatabaseConfig) (store.LedgerStore, func(), error) {
	var s closableStore
	var err error

	switch cfg.Backend {
	case "postgres":
		zap.L().Info("Opening PostgreSQL ledger store")
		s, err = postgres.NewService(ctx, cfg)
	case "", "sqlite":
		zap.L().Info("Opening SQLite ledger store", zap.String("path", cfg.Path))
		s, err = database.NewService(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// InitializeServices builds the store, engine, auditor, provider registry,
// event publisher and optional redis client.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	s, closeStore, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	providers, err := BuildProviders(cfg.Providers)
	if err != nil {
		closeStore()
		return nil, err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		zap.L().Info("Publishing reservation events",
			zap.String("queue", cfg.Events.ReservationsQueue))
		publisher = events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.ReservationsQueue)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zap.L().Warn("Redis unreachable - continuing without sweeper lease",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	services := &Services{
		Store:     s,
		Engine:    engine.NewEngine(s, publisher),
		Auditor:   auditor.NewAuditor(s, cfg.Audit.Epsilon),
		Providers: providers,
		Publisher: publisher,
		Redis:     redisClient,
	}
	services.closer = func() {
		publisher.Close()
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				zap.L().Warn("Failed to close redis client", zap.Error(err))
			}
		}
		closeStore()
	}
	return services, nil
}

// InitializeStoreOnly opens just the ledger store, for read-mostly CLI tools
func InitializeStoreOnly(ctx context.Context, cfg *models.Config) (store.LedgerStore, func(), error) {
	return OpenStore(ctx, cfg.Database)
}

// BuildProviders creates an HTTP client for every configured provider.
func BuildProviders(cfgs []models.ProviderConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, pc := range cfgs {
		client, err := provider.NewHTTPClient(pc)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", pc.Name, err)
		}
		registry.Register(pc, client)
		zap.L().Info("Provider configured",
			zap.String("provider", pc.Name),
			zap.String("base_url", pc.BaseURL),
			zap.Bool("poll", pc.Poll))
	}
	return registry, nil
}

func (cs *Services) Close() {
	if cs.closer != nil {
		cs.closer()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
