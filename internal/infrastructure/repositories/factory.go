package repositories

import (
	"context"
	"fmt"

	"meetrelay/internal/core/ports"
	"meetrelay/internal/infrastructure/distributed"
	"meetrelay/internal/infrastructure/groups"
	"meetrelay/internal/infrastructure/reliability"
	"meetrelay/internal/infrastructure/repositories/memory"
	pgrepo "meetrelay/internal/infrastructure/repositories/postgres"
	redisrepo "meetrelay/internal/infrastructure/repositories/redis"
	"meetrelay/pkg/circuitbreaker"
	"meetrelay/pkg/config"
	"meetrelay/pkg/retry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dependency is an external collaborator that readiness checks ping.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// RepositoryFactory wires the meeting store and the group registry for the
// configured backends and owns their connections.
type RepositoryFactory struct {
	meetings ports.MeetingRepository
	local    *groups.LocalRegistry
	registry ports.GroupRegistry

	pgPool      *pgxpool.Pool
	redisClient *redis.Client
	distributed *distributed.Registry

	dependencies []Dependency
	logger       *zap.SugaredLogger
}

// NewRepositoryFactory connects every configured backend. Startup fails
// when a configured backend stays unreachable after the startup retries.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, metrics ports.RelayMetrics, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{
		local:  groups.NewLocalRegistry(metrics),
		logger: logger,
	}

	startup := retry.Config{
		MaxAttempts:  cfg.Startup.ConnectAttempts,
		InitialDelay: cfg.Startup.ConnectBackoff,
		MaxDelay:     cfg.Startup.ConnectMaxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
	}

	if err := f.initStorage(ctx, cfg, startup); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.initGroups(ctx, cfg, startup); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) initStorage(ctx context.Context, cfg *config.Config, startup retry.Config) error {
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pool, err := pgrepo.NewPool(ctx, pgrepo.PoolConfig{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: cfg.Storage.Postgres.MaxConns,
			MinConns: cfg.Storage.Postgres.MinConns,
		}, startup, f.logger)
		if err != nil {
			return err
		}
		f.pgPool = pool
		f.meetings = reliability.NewMeetingRepositoryWrapper(
			pgrepo.NewPostgresMeetingRepository(pool, cfg.Storage.Postgres.QueryTimeout),
			circuitbreaker.Config{
				FailureThreshold: cfg.Storage.Postgres.BreakerFailureThreshold,
				OpenTimeout:      cfg.Storage.Postgres.BreakerOpenTimeout,
			},
			f.logger,
		)
		f.dependencies = append(f.dependencies, Dependency{Name: "postgres", Ping: pool.Ping})
		f.logger.Info("using postgres meeting repository")

	default:
		repo := memory.NewMemoryMeetingRepository()
		if cfg.Storage.FixturesPath != "" {
			if err := repo.LoadFixtures(cfg.Storage.FixturesPath); err != nil {
				return err
			}
		}
		f.meetings = repo
		f.logger.Infow("using memory meeting repository", "fixtures", cfg.Storage.FixturesPath)
	}
	return nil
}

func (f *RepositoryFactory) initGroups(ctx context.Context, cfg *config.Config, startup retry.Config) error {
	var transport distributed.Transport

	switch cfg.Groups.Backend {
	case config.GroupsBackendRedis:
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, startup, f.logger)
		if err != nil {
			return err
		}
		f.redisClient = client
		transport = distributed.NewRedisTransport(client, cfg.Redis.ChannelPrefix, f.logger)

	case config.GroupsBackendNATS:
		nt, err := retry.DoWithResult(ctx, startup, func(context.Context) (*distributed.NATSTransport, error) {
			return distributed.NewNATSTransport(distributed.NATSConfig{
				Servers:       cfg.NATS.Servers,
				Name:          cfg.NATS.Name,
				ReconnectWait: cfg.NATS.ReconnectWait,
				Timeout:       cfg.NATS.Timeout,
				SubjectPrefix: cfg.NATS.SubjectPrefix,
			}, f.logger)
		})
		if err != nil {
			return err
		}
		transport = nt

	default:
		f.registry = f.local
		f.logger.Info("using local group registry")
		return nil
	}

	instanceID := cfg.Groups.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	f.distributed = distributed.NewRegistry(f.local, transport, instanceID, f.logger)
	if err := f.distributed.Start(ctx); err != nil {
		_ = transport.Close()
		f.distributed = nil
		return fmt.Errorf("failed to start %s group registry: %w", cfg.Groups.Backend, err)
	}
	f.registry = f.distributed
	f.dependencies = append(f.dependencies, Dependency{Name: cfg.Groups.Backend, Ping: f.distributed.Ping})

	f.logger.Infow("using distributed group registry",
		"backend", cfg.Groups.Backend,
		"instance_id", instanceID,
	)
	return nil
}

func (f *RepositoryFactory) MeetingRepository() ports.MeetingRepository {
	return f.meetings
}

func (f *RepositoryFactory) GroupRegistry() ports.GroupRegistry {
	return f.registry
}

// LocalGroups exposes this process's membership table.
func (f *RepositoryFactory) LocalGroups() *groups.LocalRegistry {
	return f.local
}

func (f *RepositoryFactory) Dependencies() []Dependency {
	return f.dependencies
}

// HealthCheck pings every external dependency and returns the first error.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	for _, dep := range f.dependencies {
		if err := dep.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", dep.Name, err)
		}
	}
	return nil
}

// Close releases every connection the factory opened.
func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.distributed != nil {
		if err := f.distributed.Close(); err != nil {
			firstErr = err
		}
	}
	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	return firstErr
}
