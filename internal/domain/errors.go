package domain

import "errors"

var (
	// ErrOrderIDRequired - пустой идентификатор заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrMetadataKeyRequired - пустой ключ при поиске заказа по метаданным.
	ErrMetadataKeyRequired = errors.New("metadata key is required")

	// ErrEventIDRequired - событие шлюза без идентификатора.
	ErrEventIDRequired = errors.New("event_id is required")
	// ErrEventMalformed - тело вебхука не удалось разобрать как событие.
	ErrEventMalformed = errors.New("malformed gateway event")
	// ErrSignatureInvalid - подпись вебхука не прошла проверку.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrGatewayNotConfigured - у клиента платёжного шлюза нет API-ключа.
	ErrGatewayNotConfigured = errors.New("payment gateway is not configured")
	// ErrIntentNotFound - платёжное намерение не найдено у провайдера.
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrTimelineEventInvalid - запись платёжной истории с неизвестным типом.
	ErrTimelineEventInvalid = errors.New("invalid timeline event")

	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
