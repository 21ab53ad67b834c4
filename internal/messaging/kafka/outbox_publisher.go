package kafka

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для outbox worker-а.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicPaymentEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Topic возвращает целевой topic.
func (p *OutboxTopicPublisher) Topic() string { return p.topic }

// Publish отправляет Envelope; ключ - агрегат, чтобы события заказа шли в одну партицию.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	env := NewEnvelope(msg, p.now())
	return p.producer.PublishJSON(ctx, p.topic, env.Key(), env, map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderAggregateType: msg.AggregateType,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
