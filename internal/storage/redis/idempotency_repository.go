// Package redis хранит ledger идемпотентности в Redis, чтобы несколько инстансов
// reconciler-а разделяли одно состояние по event_id.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

const (
	defaultKeyPrefix = "payrecon:"
	opTimeout        = 2 * time.Second
)

const (
	fieldEventType    = "event_type"
	fieldStatus       = "status"
	fieldAttemptCount = "attempt_count"
	fieldOrderID      = "order_id"
	fieldLastError    = "last_error"
	fieldProcessedAt  = "processed_at"
	fieldCreatedAt    = "created_at"
)

// createScript: KEYS[1] - hash записи, KEYS[2] - индекс по processed_at.
// ARGV[1] - score, ARGV[2] - event_id, далее пары поле/значение.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// casScript: ARGV[1], ARGV[2] - ожидаемые status и attempt_count, ARGV[3] - score,
// ARGV[4] - event_id, далее пары поле/значение. -1: нет записи, 0: конфликт, 1: заменено.
var casScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'attempt_count')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// sweepScript удаляет до ARGV[2] записей со score < ARGV[1]; ARGV[3] - префикс ключей записей.
var sweepScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[3] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// Client - подмножество go-redis, нужное ledger-у.
type Client interface {
	goredis.Scripter
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// IdempotencyRepository - Redis-реализация domain.IdempotencyRepository.
// Create и CompareAndSwap выполняются Lua-скриптами и атомарны на стороне Redis.
type IdempotencyRepository struct {
	client Client
	prefix string
}

// NewIdempotencyRepository создаёт ledger поверх клиента go-redis.
func NewIdempotencyRepository(client Client, keyPrefix string) *IdempotencyRepository {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &IdempotencyRepository{client: client, prefix: keyPrefix}
}

// Ping проверяет доступность Redis (используется readiness-проверкой).
func (r *IdempotencyRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *IdempotencyRepository) recordPrefix() string { return r.prefix + "idem:" }
func (r *IdempotencyRepository) recordKey(id string) string { return r.recordPrefix() + id }
func (r *IdempotencyRepository) indexKey() string { return r.prefix + "idem-index" }

func (r *IdempotencyRepository) Create(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	record.EventID = strings.TrimSpace(record.EventID)
	if record.EventID == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = now
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := append([]any{score(record.ProcessedAt), record.EventID}, fields(record)...)
	created, err := createScript.Run(ctx, r.client, []string{r.recordKey(record.EventID), r.indexKey()}, args...).Int()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if created == 0 {
		current, getErr := r.Get(ctx, record.EventID)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		return current, domain.ErrIdempotencyKeyAlreadyExists
	}
	return record, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, eventID string) (domain.IdempotencyRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	values, err := r.client.HGetAll(ctx, r.recordKey(eventID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(values) == 0 {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return decode(eventID, values)
}

func (r *IdempotencyRepository) CompareAndSwap(ctx context.Context, expected, next domain.IdempotencyRecord) error {
	eventID := strings.TrimSpace(expected.EventID)
	if eventID == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	next.EventID = eventID
	if next.ProcessedAt.IsZero() {
		next.ProcessedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := []any{
		string(expected.Status),
		strconv.Itoa(expected.AttemptCount),
		score(next.ProcessedAt),
		eventID,
	}
	// created_at не перезаписывается.
	next.CreatedAt = time.Time{}
	args = append(args, fields(next)...)

	res, err := casScript.Run(ctx, r.client, []string{r.recordKey(eventID), r.indexKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("swap idempotency record: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return domain.ErrIdempotencyKeyNotFound
	default:
		return domain.ErrIdempotencyConflict
	}
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = -1
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	removed, err := sweepScript.Run(ctx, r.client, []string{r.indexKey()}, score(before), limit, r.recordPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return removed, nil
}

func score(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fields(record domain.IdempotencyRecord) []any {
	out := []any{
		fieldStatus, string(record.Status),
		fieldAttemptCount, strconv.Itoa(record.AttemptCount),
		fieldOrderID, record.OrderID,
		fieldLastError, record.LastError,
		fieldProcessedAt, record.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.EventType != "" {
		out = append(out, fieldEventType, string(record.EventType))
	}
	if !record.CreatedAt.IsZero() {
		out = append(out, fieldCreatedAt, record.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
	return out
}

func decode(eventID string, values map[string]string) (domain.IdempotencyRecord, error) {
	record := domain.IdempotencyRecord{
		EventID:   eventID,
		EventType: domain.EventType(values[fieldEventType]),
		Status:    domain.IdempotencyStatus(values[fieldStatus]),
		OrderID:   values[fieldOrderID],
		LastError: values[fieldLastError],
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for event %s", values[fieldStatus], eventID)
	}

	attempts, err := strconv.Atoi(values[fieldAttemptCount])
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse attempt_count for event %s: %w", eventID, err)
	}
	record.AttemptCount = attempts

	if record.ProcessedAt, err = time.Parse(time.RFC3339Nano, values[fieldProcessedAt]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse processed_at for event %s: %w", eventID, err)
	}
	if raw := values[fieldCreatedAt]; raw != "" {
		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return domain.IdempotencyRecord{}, fmt.Errorf("parse created_at for event %s: %w", eventID, err)
		}
	}
	return record, nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
