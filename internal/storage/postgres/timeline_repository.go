package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append пишет запись истории; повтор той же доставки шлюза отсекается
// частичным уникальным индексом (order_id, event_id, type).
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_timeline (order_id, event_id, type, payment_status, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (order_id, event_id, type) WHERE event_id <> '' DO NOTHING
	`, event.OrderID, event.EventID, string(event.Type), string(event.PaymentStatus), event.Reason, event.Occurred); err != nil {
		return fmt.Errorf("append payment timeline for order %s: %w", event.OrderID, err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, event_id, type, payment_status, reason, occurred
		FROM payment_timeline
		WHERE order_id = $1
		ORDER BY occurred ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()

	history := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		var (
			event         domain.TimelineEvent
			eventType     string
			paymentStatus string
		)
		if err := rows.Scan(&event.OrderID, &event.EventID, &eventType, &paymentStatus, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan payment timeline row: %w", err)
		}
		event.Type = domain.TimelineEventType(eventType)
		event.PaymentStatus = domain.PaymentStatus(paymentStatus)
		event.Occurred = event.Occurred.UTC()
		history = append(history, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment timeline rows: %w", err)
	}
	return history, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
