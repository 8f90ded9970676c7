package repositories

import (
	"context"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	pgrepo "huddle/internal/infrastructure/repositories/postgres"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/circuitbreaker"
	"huddle/pkg/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const userCacheTTL = time.Minute

// RepositoryFactory connects the configured backends and hands out repositories,
// falling back to memory when a backend is unreachable.
type RepositoryFactory struct {
	presenceStore string
	presenceTTL   time.Duration
	redisClient   *redis.Client
	pgPool        *pgxpool.Pool
	logger        *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		presenceStore: cfg.Presence.Store,
		presenceTTL:   cfg.Presence.TTL,
		logger:        logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
		} else {
			factory.redisClient = client
		}
	}

	if cfg.Postgres.Enabled {
		pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, logger)
		if err != nil {
			logger.Warnw("failed to connect to Postgres, falling back to memory repositories", "error", err)
		} else {
			factory.pgPool = pool
		}
	}

	return factory, nil
}

// RedisClient is nil when redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) PostgresPool() *pgxpool.Pool {
	return f.pgPool
}

// CreateUserRepository prefers postgres, then redis.
func (f *RepositoryFactory) CreateUserRepository() ports.UserRepository {
	switch {
	case f.pgPool != nil:
		f.logger.Info("using Postgres user repository")
		return NewCachedUserRepository(pgrepo.NewUserRepository(f.pgPool), userCacheTTL)
	case f.redisClient != nil:
		f.logger.Info("using Redis user repository")
		return NewCachedUserRepository(redisrepo.NewRedisUserRepository(f.redisClient), userCacheTTL)
	default:
		f.logger.Info("using memory user repository")
		return memory.NewMemoryUserRepository()
	}
}

// CreatePresenceStore honours presence.store when its backend is connected.
func (f *RepositoryFactory) CreatePresenceStore() ports.PresenceStore {
	switch {
	case f.presenceStore == "redis" && f.redisClient != nil:
		f.logger.Info("using Redis presence store")
		return NewGuardedPresenceStore(redisrepo.NewRedisPresenceStore(f.redisClient, f.presenceTTL), "redis", circuitbreaker.DefaultConfig(), f.logger)
	case f.presenceStore == "postgres" && f.pgPool != nil:
		f.logger.Info("using Postgres presence store")
		return NewGuardedPresenceStore(pgrepo.NewPresenceStore(f.pgPool), "postgres", circuitbreaker.DefaultConfig(), f.logger)
	default:
		if f.presenceStore != "" && f.presenceStore != "memory" {
			f.logger.Warnw("presence store backend unavailable, using memory", "store", f.presenceStore)
		}
		return memory.NewMemoryPresenceStore()
	}
}

func (f *RepositoryFactory) CreateNotificationStore() *memory.MemoryNotificationStore {
	return memory.NewMemoryNotificationStore(f.logger)
}

func (f *RepositoryFactory) Close() error {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
