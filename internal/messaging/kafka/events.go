package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// Topics по умолчанию.
const (
	TopicPaymentEvents   = "payrecon.payment.events"
	TopicDeadLetterQueue = "payrecon.payment.dlq"
)

// Kafka headers.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope - JSON-обёртка outbox-сообщения в топике событий.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение. Невалидный JSON в payload заменяется на null.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage("null")
	if len(msg.Payload) > 0 && json.Valid(msg.Payload) {
		payload = json.RawMessage(msg.Payload)
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt,
	}
}

// Key - ключ партиционирования: агрегат, иначе id сообщения.
func (e Envelope) Key() string {
	if strings.TrimSpace(e.AggregateID) != "" {
		return e.AggregateID
	}
	return e.ID
}

// ParseEnvelope разбирает Envelope из сообщения Kafka.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if message == nil {
		return env, fmt.Errorf("kafka message is nil")
	}
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		env.EventType = headerValue(message, HeaderEventType)
	}
	if env.EventType == "" {
		return env, fmt.Errorf("envelope has no event_type")
	}
	return env, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

func stringHeaders(kv map[string]string) []sarama.RecordHeader {
	if len(kv) == 0 {
		return nil
	}
	headers := make([]sarama.RecordHeader, 0, len(kv))
	for k, v := range kv {
		if v == "" {
			continue
		}
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}
