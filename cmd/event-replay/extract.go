package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/payrecon/internal/service/reconciler"
)

// wrappedPayload покрывает обе обёртки DLQ: outbox (payload) и consumer (original_value).
type wrappedPayload struct {
	OutboxID      string          `json:"outbox_id"`
	Payload       json.RawMessage `json:"payload"`
	OriginalValue json.RawMessage `json:"original_value"`
}

// extractReplayEvent достаёт исходное платёжное событие из сообщения.
// ok=false означает, что сообщение не относится к reconcile_failed и пропускается.
func extractReplayEvent(msg *sarama.ConsumerMessage) (domain.InboundPaymentEvent, bool, error) {
	if msg == nil || len(msg.Value) == 0 {
		return domain.InboundPaymentEvent{}, false, nil
	}

	var consumerDLQ kafka.ConsumerDeadLetter
	if err := json.Unmarshal(msg.Value, &consumerDLQ); err == nil && len(consumerDLQ.OriginalValue) > 0 {
		original := &sarama.ConsumerMessage{
			Topic:     consumerDLQ.OriginalTopic,
			Partition: consumerDLQ.OriginalPartition,
			Offset:    consumerDLQ.OriginalOffset,
			Key:       []byte(consumerDLQ.OriginalKey),
			Value:     unquote(consumerDLQ.OriginalValue),
		}
		return extractReplayEvent(original)
	}

	env, err := kafka.ParseEnvelope(msg)
	if err != nil {
		return domain.InboundPaymentEvent{}, false, nil
	}
	if env.EventType != domain.OutboxEventPaymentReconcileFailed {
		return domain.InboundPaymentEvent{}, false, nil
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return domain.InboundPaymentEvent{}, false, fmt.Errorf("reconcile_failed envelope %s has no payload", env.ID)
	}

	body := []byte(env.Payload)
	var wrapped wrappedPayload
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.OutboxID != "" {
		if len(wrapped.Payload) == 0 {
			return domain.InboundPaymentEvent{}, false, fmt.Errorf("outbox dead letter %s does not contain original payload", wrapped.OutboxID)
		}
		body = wrapped.Payload
	}

	var failed reconciler.ReconcileFailedPayload
	if err := json.Unmarshal(body, &failed); err != nil {
		return domain.InboundPaymentEvent{}, false, fmt.Errorf("decode reconcile_failed payload: %w", err)
	}
	if strings.TrimSpace(failed.Event.ID) == "" {
		return domain.InboundPaymentEvent{}, false, fmt.Errorf("reconcile_failed payload %s has no event id", env.ID)
	}
	if !failed.Event.Type.Valid() {
		return domain.InboundPaymentEvent{}, false, fmt.Errorf("reconcile_failed payload %s has unsupported event type %q", env.ID, failed.Event.Type)
	}
	return failed.Event, true, nil
}

// unquote принимает original_value и как JSON-объект, и как JSON-строку.
func unquote(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
