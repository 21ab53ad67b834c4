// Package idempotency реализует ledger обработки событий платёжного шлюза:
// не более одной успешной обработки на event_id и ограниченное число повторов.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

const (
	// DefaultMaxAttempts - потолок попыток на один event_id.
	DefaultMaxAttempts = 3
	// DefaultRetention - сколько хранится запись после последнего перехода.
	DefaultRetention = 24 * time.Hour
	// DefaultStaleAfter - через сколько зависшая processing-запись считается брошенной.
	DefaultStaleAfter = 5 * time.Minute

	defaultSweepBatchSize = 500
	maxSwapRetries        = 5

	staleLeaseError = "processing lease expired"
)

// LedgerOptions задаёт параметры Ledger.
type LedgerOptions struct {
	Logger         *log.Entry
	MaxAttempts    int
	Retention      time.Duration
	StaleAfter     time.Duration
	SweepBatchSize int
	Clock          func() time.Time
}

// LedgerOption настраивает Ledger.
type LedgerOption func(*LedgerOptions)

// WithLedgerLogger задаёт logger для ledger-а.
func WithLedgerLogger(logger *log.Entry) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.Logger = logger
	}
}

// WithMaxAttempts задаёт потолок попыток.
func WithMaxAttempts(n int) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.MaxAttempts = n
	}
}

// WithRetention задаёт окно хранения записей.
func WithRetention(d time.Duration) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.Retention = d
	}
}

// WithStaleAfter задаёт таймаут зависшей обработки. 0 отключает перехват.
func WithStaleAfter(d time.Duration) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.StaleAfter = d
	}
}

// WithSweepBatchSize задаёт размер порции удаления в Sweep.
func WithSweepBatchSize(n int) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.SweepBatchSize = n
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) LedgerOption {
	return func(opts *LedgerOptions) {
		opts.Clock = clock
	}
}

// Ledger отслеживает состояние обработки каждого event_id.
// Все переходы выполняются через CompareAndSwap репозитория, поэтому
// разные инстансы с общим хранилищем не обрабатывают одно событие одновременно.
type Ledger struct {
	repo        domain.IdempotencyRepository
	logger      *log.Entry
	maxAttempts int
	retention   time.Duration
	staleAfter  time.Duration
	sweepBatch  int
	now         func() time.Time
}

// NewLedger создаёт ledger поверх репозитория.
func NewLedger(repo domain.IdempotencyRepository, options ...LedgerOption) *Ledger {
	opts := LedgerOptions{
		MaxAttempts:    DefaultMaxAttempts,
		Retention:      DefaultRetention,
		StaleAfter:     DefaultStaleAfter,
		SweepBatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-ledger")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.StaleAfter < 0 {
		opts.StaleAfter = 0
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = defaultSweepBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Ledger{
		repo:        repo,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		retention:   opts.Retention,
		staleAfter:  opts.StaleAfter,
		sweepBatch:  opts.SweepBatchSize,
		now:         opts.Clock,
	}
}

// MaxAttempts возвращает настроенный потолок попыток.
func (l *Ledger) MaxAttempts() int { return l.maxAttempts }

// Retention возвращает окно хранения записей.
func (l *Ledger) Retention() time.Duration { return l.retention }

// Begin решает, что делать с очередной доставкой события.
//
//   - записи нет: создаётся processing/1, Proceed;
//   - completed: AlreadyDone(order_id);
//   - processing: InFlight, либо перехват зависшей записи после StaleAfter;
//   - failed и попыток >= MaxAttempts: GiveUp(last_error);
//   - failed и попыток меньше: processing/attempt+1, Proceed.
func (l *Ledger) Begin(ctx context.Context, eventID string, eventType domain.EventType) (domain.Decision, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.Decision{}, domain.ErrIdempotencyKeyRequired
	}

	for try := 0; try < maxSwapRetries; try++ {
		if err := ctx.Err(); err != nil {
			return domain.Decision{}, err
		}

		decision, err := l.begin(ctx, eventID, eventType)
		if err == nil {
			return decision, nil
		}
		if !domain.IsIdempotencyConflict(err) && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return domain.Decision{}, err
		}
		// Запись изменил или удалил параллельный обработчик: перечитываем и решаем заново.
	}

	l.logger.WithField("event_id", eventID).Warn("ledger begin gave up after repeated concurrent updates")
	return domain.Decision{Kind: domain.DecisionInFlight}, nil
}

func (l *Ledger) begin(ctx context.Context, eventID string, eventType domain.EventType) (domain.Decision, error) {
	now := l.now()

	current, err := l.repo.Get(ctx, eventID)
	if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		_, err = l.repo.Create(ctx, domain.IdempotencyRecord{
			EventID:      eventID,
			EventType:    eventType,
			Status:       domain.IdempotencyStatusProcessing,
			AttemptCount: 1,
			ProcessedAt:  now,
			CreatedAt:    now,
		})
		if err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{Kind: domain.DecisionProceed, Attempt: 1}, nil
	}
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load ledger record: %w", err)
	}

	switch current.Status {
	case domain.IdempotencyStatusCompleted:
		return domain.Decision{
			Kind:    domain.DecisionAlreadyDone,
			OrderID: current.OrderID,
			Attempt: current.AttemptCount,
		}, nil

	case domain.IdempotencyStatusProcessing:
		if !l.isStale(current, now) {
			return domain.Decision{Kind: domain.DecisionInFlight, Attempt: current.AttemptCount}, nil
		}
		if current.AttemptCount >= l.maxAttempts {
			next := current
			next.Status = domain.IdempotencyStatusFailed
			next.LastError = staleLeaseError
			next.ProcessedAt = now
			if err := l.repo.CompareAndSwap(ctx, current, next); err != nil {
				return domain.Decision{}, err
			}
			l.logger.WithFields(log.Fields{
				"event_id": eventID,
				"attempt":  current.AttemptCount,
			}).Warn("stale processing record reached attempt ceiling")
			return domain.Decision{Kind: domain.DecisionGiveUp, LastError: staleLeaseError, Attempt: current.AttemptCount}, nil
		}
		l.logger.WithFields(log.Fields{
			"event_id": eventID,
			"attempt":  current.AttemptCount,
			"age":      now.Sub(current.ProcessedAt).String(),
		}).Warn("taking over stale processing record")
		return l.retake(ctx, current, now)

	case domain.IdempotencyStatusFailed:
		if current.AttemptCount >= l.maxAttempts {
			return domain.Decision{
				Kind:      domain.DecisionGiveUp,
				OrderID:   current.OrderID,
				LastError: current.LastError,
				Attempt:   current.AttemptCount,
			}, nil
		}
		return l.retake(ctx, current, now)

	default:
		return domain.Decision{}, fmt.Errorf("unexpected ledger status %q for event %s", current.Status, eventID)
	}
}

func (l *Ledger) retake(ctx context.Context, current domain.IdempotencyRecord, now time.Time) (domain.Decision, error) {
	next := current
	next.Status = domain.IdempotencyStatusProcessing
	next.AttemptCount = current.AttemptCount + 1
	next.ProcessedAt = now
	if err := l.repo.CompareAndSwap(ctx, current, next); err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{Kind: domain.DecisionProceed, OrderID: current.OrderID, Attempt: next.AttemptCount}, nil
}

func (l *Ledger) isStale(record domain.IdempotencyRecord, now time.Time) bool {
	return l.staleAfter > 0 && now.Sub(record.ProcessedAt) >= l.staleAfter
}

// Complete переводит запись в completed и запоминает order_id. Повторный вызов безопасен.
func (l *Ledger) Complete(ctx context.Context, eventID, orderID string) error {
	return l.transition(ctx, eventID, func(current domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
		if current.Status == domain.IdempotencyStatusCompleted {
			return current, false, nil
		}
		next := current
		next.Status = domain.IdempotencyStatusCompleted
		next.OrderID = orderID
		next.LastError = ""
		return next, true, nil
	})
}

// Fail переводит запись в failed с текстом ошибки. Завершённую запись Fail не трогает.
func (l *Ledger) Fail(ctx context.Context, eventID string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return l.transition(ctx, eventID, func(current domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
		if current.Status == domain.IdempotencyStatusCompleted {
			return current, false, domain.ErrIdempotencyRecordTerminal
		}
		next := current
		next.Status = domain.IdempotencyStatusFailed
		next.LastError = reason
		return next, true, nil
	})
}

// FailForOrder работает как Fail, но дополнительно запоминает найденный заказ.
func (l *Ledger) FailForOrder(ctx context.Context, eventID, orderID string, cause error) error {
	if err := l.Fail(ctx, eventID, cause); err != nil || orderID == "" {
		return err
	}
	return l.transition(ctx, eventID, func(current domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
		if current.Status != domain.IdempotencyStatusFailed || current.OrderID == orderID {
			return current, false, nil
		}
		next := current
		next.OrderID = orderID
		return next, true, nil
	})
}

type mutation func(current domain.IdempotencyRecord) (next domain.IdempotencyRecord, changed bool, err error)

func (l *Ledger) transition(ctx context.Context, eventID string, mutate mutation) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	for try := 0; try < maxSwapRetries; try++ {
		current, err := l.repo.Get(ctx, eventID)
		if err != nil {
			return err
		}

		next, changed, err := mutate(current)
		if err != nil || !changed {
			return err
		}
		next.ProcessedAt = l.now()

		err = l.repo.CompareAndSwap(ctx, current, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrIdempotencyConflict) {
			return err
		}
	}
	return domain.ErrIdempotencyConflict
}

// Get возвращает запись ledger-а (для административного API).
func (l *Ledger) Get(ctx context.Context, eventID string) (domain.IdempotencyRecord, error) {
	return l.repo.Get(ctx, strings.TrimSpace(eventID))
}

// Sweep удаляет записи, последний переход которых старше окна хранения, порциями.
func (l *Ledger) Sweep(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = l.now()
	}
	before := now.Add(-l.retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := l.repo.DeleteExpired(ctx, before, l.sweepBatch)
		if err != nil {
			return total, err
		}
		total += deleted

		if deleted < l.sweepBatch {
			return total, nil
		}
	}
}
