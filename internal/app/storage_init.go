package app

import (
	"context"
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/payrecon/internal/health"
	"github.com/vladislavdragonenkov/payrecon/internal/storage/memory"
	"github.com/vladislavdragonenkov/payrecon/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/payrecon/internal/storage/redis"
)

// runtimeDependencies - репозитории и ресурсы, которые нужно закрыть при остановке.
type runtimeDependencies struct {
	orderRepo       domain.OrderRepository
	idempotencyRepo domain.IdempotencyRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository

	checkers map[string]healthcheck.Checker
	closers  []io.Closer
}

func (d *runtimeDependencies) Close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage dependency")
		}
	}
	d.closers = nil
}

// initRuntimeDependencies собирает хранилища по cfg.StorageDriver и cfg.LedgerDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	var store *postgres.Store
	openPostgres := func() (*postgres.Store, error) {
		if store != nil {
			return store, nil
		}
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("init postgres storage: postgres dsn is empty")
		}
		opened, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxOpenConns: cfg.PostgresMaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := opened.MigrateUp(ctx, 0); err != nil {
				_ = opened.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		store = opened
		deps.closers = append(deps.closers, opened)
		deps.checkers["postgres"] = healthcheck.NewSimpleChecker("postgres", opened.Ping)
		return store, nil
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.orderRepo = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		logger.Warn("memory storage driver: orders and outbox are lost on restart")
	case StorageDriverPostgres:
		pg, err := openPostgres()
		if err != nil {
			return nil, err
		}
		deps.orderRepo = postgres.NewOrderRepository(pg)
		deps.outboxRepo = postgres.NewOutboxRepository(pg)
		deps.timelineRepo = postgres.NewTimelineRepository(pg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch ledger := cfg.EffectiveLedgerDriver(); ledger {
	case StorageDriverMemory:
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
	case StorageDriverPostgres:
		pg, err := openPostgres()
		if err != nil {
			deps.Close(logger)
			return nil, err
		}
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(pg)
	case LedgerDriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		repo := redisstore.NewIdempotencyRepository(client, cfg.RedisKeyPrefix)
		if err := repo.Ping(ctx); err != nil {
			_ = client.Close()
			deps.Close(logger)
			return nil, fmt.Errorf("init redis ledger: %w", err)
		}
		deps.idempotencyRepo = repo
		deps.closers = append(deps.closers, client)
		deps.checkers["redis"] = healthcheck.NewSimpleChecker("redis", repo.Ping)
	default:
		deps.Close(logger)
		return nil, fmt.Errorf("unsupported ledger driver %q", ledger)
	}

	logger.WithFields(log.Fields{
		"storage_driver": cfg.StorageDriver,
		"ledger_driver":  cfg.EffectiveLedgerDriver(),
	}).Info("storage initialized")
	return deps, nil
}
