package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// idempotencyRepositoryInMemory - ledger в памяти процесса.
// Годится только для одного инстанса: между процессами записи не разделяются.
type idempotencyRepositoryInMemory struct {
	mu    sync.Mutex
	items map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		items: make(map[string]domain.IdempotencyRecord),
	}
}

func (r *idempotencyRepositoryInMemory) Create(_ context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
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

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[record.EventID]; ok {
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	r.items[record.EventID] = record
	return record, nil
}

func (r *idempotencyRepositoryInMemory) Get(_ context.Context, eventID string) (domain.IdempotencyRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[eventID]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (r *idempotencyRepositoryInMemory) CompareAndSwap(_ context.Context, expected, next domain.IdempotencyRecord) error {
	if strings.TrimSpace(expected.EventID) == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[expected.EventID]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	if !current.SameRevision(expected) {
		return domain.ErrIdempotencyConflict
	}

	next.EventID = current.EventID
	next.CreatedAt = current.CreatedAt
	if next.ProcessedAt.IsZero() {
		next.ProcessedAt = time.Now().UTC()
	}
	r.items[current.EventID] = next
	return nil
}

// DeleteExpired удаляет самые старые записи первыми, чтобы батчи sweep-а продвигались по времени.
func (r *idempotencyRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range r.items {
		if record.ProcessedAt.Before(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ProcessedAt.Before(expired[j].ProcessedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	for _, record := range expired {
		delete(r.items, record.EventID)
	}
	return len(expired), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
