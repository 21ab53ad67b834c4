package domain

import (
	"context"
	"time"
)

// OrderRepository - доступ reconciler-а к хранилищу заказов.
// Создание заказов принадлежит checkout-у; Create нужен для сидирования и тестов.
type OrderRepository interface {
	// Create сохраняет новый заказ или возвращает ErrOrderAlreadyExists.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// FindByMetadata возвращает первый заказ, у которого metadata[key] == value, или ErrOrderNotFound.
	FindByMetadata(ctx context.Context, key, value string) (Order, error)
	// UpdateMetadata сливает patch с метаданными заказа, если его версия равна expectedVersion.
	// Иначе возвращает ErrOrderVersionConflict. Возвращает заказ с новой версией.
	UpdateMetadata(ctx context.Context, id string, expectedVersion int64, patch map[string]string) (Order, error)
}

// IdempotencyRepository хранит записи ledger-а с атомарными переходами.
type IdempotencyRepository interface {
	// Create вставляет запись, если для event_id её ещё нет; иначе ErrIdempotencyKeyAlreadyExists.
	Create(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, error)
	// Get возвращает запись или ErrIdempotencyKeyNotFound.
	Get(ctx context.Context, eventID string) (IdempotencyRecord, error)
	// CompareAndSwap заменяет запись на next, только если хранимая совпадает с expected
	// по (status, attempt_count); иначе ErrIdempotencyConflict.
	CompareAndSwap(ctx context.Context, expected, next IdempotencyRecord) error
	// DeleteExpired удаляет до limit записей с processed_at < before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// PaymentGateway - клиент платёжного провайдера.
type PaymentGateway interface {
	// VerifyAndParse проверяет подпись сырого тела и возвращает нормализованное событие.
	VerifyAndParse(payload []byte, signature, secret string) (InboundPaymentEvent, error)
	// ParseUnverified разбирает тело без проверки подписи (режим пониженного доверия).
	// Возвращает ErrEventMalformed, если тело не похоже на событие.
	ParseUnverified(payload []byte) (InboundPaymentEvent, error)
	// RetrieveIntent запрашивает актуальное состояние payment intent.
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	// CaptureIntent списывает средства по intent в статусе requires_capture.
	CaptureIntent(ctx context.Context, id string) (Intent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит платёжную историю заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// Типы outbox-событий reconciler-а.
const (
	OutboxEventPaymentCaptured        = "payment.captured"
	OutboxEventPaymentFailed          = "payment.failed"
	OutboxEventPaymentCanceled        = "payment.canceled"
	OutboxEventPaymentRequiresAction  = "payment.requires_action"
	OutboxEventPaymentReconcileFailed = "payment.reconcile_failed"

	OutboxAggregateOrder = "order"
	OutboxAggregateEvent = "payment_event"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	// PendingByEventType - backlog в разрезе типов событий (payment.captured, payment.reconcile_failed, ...).
	PendingByEventType map[string]int
}
