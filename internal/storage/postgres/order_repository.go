package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// Метаданные заказа хранятся в колонке JSONB.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `id, status, currency, amount_minor, metadata, version, created_at, updated_at`

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

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

	metadata, err := json.Marshal(domain.CloneMetadata(order.Metadata))
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8)
	`,
		order.ID, string(order.Status), order.Currency, order.AmountMinor,
		string(metadata), order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(id))
	return scanOrder(row)
}

func (r *orderRepository) FindByMetadata(ctx context.Context, key, value string) (domain.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Order{}, domain.ErrMetadataKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE metadata ->> $1 = $2
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, key, value)
	return scanOrder(row)
}

// UpdateMetadata сливает patch оператором `||` в одном UPDATE с проверкой версии.
func (r *orderRepository) UpdateMetadata(ctx context.Context, id string, expectedVersion int64, patch map[string]string) (domain.Order, error) {
	id = strings.TrimSpace(id)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rawPatch, err := json.Marshal(domain.CloneMetadata(patch))
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal metadata patch: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE orders
		SET metadata = metadata || $1::jsonb,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $3
		  AND version = $4
		RETURNING `+orderColumns,
		string(rawPatch), time.Now().UTC(), id, expectedVersion,
	)

	updated, err := scanOrder(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.Order{}, fmt.Errorf("update order metadata: %w", err)
	}

	// Ни одна строка не обновлена: либо заказа нет, либо версия устарела.
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Order{}, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

func scanOrder(row *sql.Row) (domain.Order, error) {
	var (
		order    domain.Order
		status   string
		metadata []byte
	)
	err := row.Scan(
		&order.ID, &status, &order.Currency, &order.AmountMinor,
		&metadata, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return domain.Order{}, fmt.Errorf("decode metadata of order %s: %w", order.ID, err)
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
