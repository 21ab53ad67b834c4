package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию ledger-а.
// Первичный ключ по event_id даёт set-if-absent, условный UPDATE - compare-and-swap,
// поэтому ledger безопасно делить между несколькими инстансами.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) Create(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
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

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (
			event_id, event_type, status, attempt_count, order_id, last_error, processed_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING
	`,
		record.EventID,
		string(record.EventType),
		string(record.Status),
		record.AttemptCount,
		record.OrderID,
		record.LastError,
		record.ProcessedAt,
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.existing(ctx, record.EventID)
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return r.existing(ctx, record.EventID)
	}
	return record, nil
}

func (r *idempotencyRepository) existing(ctx context.Context, eventID string) (domain.IdempotencyRecord, error) {
	current, err := r.Get(ctx, eventID)
	if err != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return current, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, eventID string) (domain.IdempotencyRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		record    domain.IdempotencyRecord
		eventType string
		status    string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, status, attempt_count, order_id, last_error, processed_at, created_at
		FROM idempotency_records
		WHERE event_id = $1
	`, eventID).Scan(
		&record.EventID,
		&eventType,
		&status,
		&record.AttemptCount,
		&record.OrderID,
		&record.LastError,
		&record.ProcessedAt,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.EventType = domain.EventType(eventType)
	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for event %s", status, eventID)
	}
	record.ProcessedAt = record.ProcessedAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func (r *idempotencyRepository) CompareAndSwap(ctx context.Context, expected, next domain.IdempotencyRecord) error {
	eventID := strings.TrimSpace(expected.EventID)
	if eventID == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if next.ProcessedAt.IsZero() {
		next.ProcessedAt = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $1,
		    attempt_count = $2,
		    order_id = $3,
		    last_error = $4,
		    processed_at = $5,
		    event_type = COALESCE(NULLIF($6, ''), event_type)
		WHERE event_id = $7
		  AND status = $8
		  AND attempt_count = $9
	`,
		string(next.Status),
		next.AttemptCount,
		next.OrderID,
		next.LastError,
		next.ProcessedAt,
		string(next.EventType),
		eventID,
		string(expected.Status),
		expected.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("swap idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.Get(ctx, eventID); err != nil {
		return err
	}
	return domain.ErrIdempotencyConflict
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_records
			WHERE event_id IN (
				SELECT event_id
				FROM idempotency_records
				WHERE processed_at < $1
				ORDER BY processed_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_records
			WHERE processed_at < $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
