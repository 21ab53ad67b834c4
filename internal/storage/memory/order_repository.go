package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// orderRepositoryInMemory - простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = domain.CloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[strings.TrimSpace(id)]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.CloneOrder(order), nil
}

// FindByMetadata ищет заказ по значению метаданных. При нескольких совпадениях берётся самый ранний.
func (r *orderRepositoryInMemory) FindByMetadata(_ context.Context, key, value string) (domain.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Order{}, domain.ErrMetadataKeyRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]domain.Order, 0, 1)
	for _, order := range r.items {
		if v, ok := order.Metadata[key]; ok && v == value {
			matches = append(matches, order)
		}
	}
	if len(matches) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return domain.CloneOrder(matches[0]), nil
}

// UpdateMetadata сливает patch с метаданными, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) UpdateMetadata(_ context.Context, id string, expectedVersion int64, patch map[string]string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[strings.TrimSpace(id)]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	updated := domain.CloneOrder(current)
	for k, v := range patch {
		updated.Metadata[k] = v
	}
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()

	r.items[updated.ID] = updated
	return domain.CloneOrder(updated), nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
