package app

import (
	"context"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/payrecon/internal/health"
	redisstore "github.com/vladislavdragonenkov/payrecon/internal/storage/redis"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	defer deps.Close(log.WithField("test", "memory-storage"))

	if deps.orderRepo == nil || deps.outboxRepo == nil || deps.timelineRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("memory dependencies must be initialized: %+v", deps)
	}
	if len(deps.checkers) != 0 {
		t.Fatalf("memory storage has nothing to check, got %d checkers", len(deps.checkers))
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDrivers(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: "sqlite"}, log.WithField("test", "bad-driver"))
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}

	_, err = initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		LedgerDriver:  "etcd",
	}, log.WithField("test", "bad-ledger"))
	if err == nil || !strings.Contains(err.Error(), "unsupported ledger driver") {
		t.Fatalf("expected unsupported ledger driver error, got %v", err)
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("PAYRECON_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	logger := log.WithField("test", "postgres-init")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.Close(logger)

	if deps.orderRepo == nil || deps.outboxRepo == nil || deps.timelineRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	checker, ok := deps.checkers["postgres"]
	if !ok {
		t.Fatal("expected postgres checker")
	}
	if check := checker.Check(context.Background()); check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
	if len(deps.closers) != 1 {
		t.Fatalf("shared postgres store must be opened once, got %d closers", len(deps.closers))
	}
}

func TestInitRuntimeDependencies_RedisLedger(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("PAYRECON_REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("redis addr is not available")
	}

	cfg := DefaultConfig()
	cfg.LedgerDriver = LedgerDriverRedis
	cfg.RedisAddr = addr
	cfg.RedisKeyPrefix = "payrecon-app-test:"

	logger := log.WithField("test", "redis-init")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("redis is not available for app integration test: %v", err)
	}
	defer deps.Close(logger)

	if _, ok := deps.idempotencyRepo.(*redisstore.IdempotencyRepository); !ok {
		t.Fatalf("expected redis ledger repository, got %T", deps.idempotencyRepo)
	}
	if _, ok := deps.checkers["redis"]; !ok {
		t.Fatal("expected redis checker")
	}
}
