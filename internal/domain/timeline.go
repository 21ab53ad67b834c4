package domain

import "time"

// TimelineEventType - тип записи в платёжной истории заказа.
type TimelineEventType string

const (
	TimelinePaymentCaptured       TimelineEventType = "payment.captured"
	TimelinePaymentFailed         TimelineEventType = "payment.failed"
	TimelinePaymentCanceled       TimelineEventType = "payment.canceled"
	TimelinePaymentRequiresAction TimelineEventType = "payment.requires_action"
	// TimelineTransitionSkipped - событие шлюза пришло, но статус заказа не изменился.
	TimelineTransitionSkipped     TimelineEventType = "payment.transition_skipped"
)

// Valid проверяет, что тип относится к известным значениям.
func (t TimelineEventType) Valid() bool {
	switch t {
	case TimelinePaymentCaptured, TimelinePaymentFailed, TimelinePaymentCanceled,
		TimelinePaymentRequiresAction, TimelineTransitionSkipped:
		return true
	default:
		return false
	}
}

// TimelineTypeForStatus возвращает тип записи для применённого перехода в status.
func TimelineTypeForStatus(status PaymentStatus) TimelineEventType {
	switch status {
	case PaymentStatusCaptured:
		return TimelinePaymentCaptured
	case PaymentStatusFailed:
		return TimelinePaymentFailed
	case PaymentStatusCanceled:
		return TimelinePaymentCanceled
	case PaymentStatusRequiresAction:
		return TimelinePaymentRequiresAction
	default:
		return TimelineTransitionSkipped
	}
}

// TimelineEvent описывает событие в платёжной истории заказа.
// EventID - доставка шлюза, вызвавшая запись; пара (EventID, Type) в рамках заказа уникальна.
type TimelineEvent struct {
	OrderID       string            `json:"order_id"`
	EventID       string            `json:"event_id,omitempty"`
	Type          TimelineEventType `json:"type"`
	PaymentStatus PaymentStatus     `json:"payment_status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Occurred      time.Time         `json:"occurred"`
}

// Validate проверяет обязательные поля записи.
func (e TimelineEvent) Validate() error {
	if e.OrderID == "" {
		return ErrOrderIDRequired
	}
	if !e.Type.Valid() {
		return ErrTimelineEventInvalid
	}
	return nil
}

// SameDelivery сообщает, описывают ли записи одну и ту же доставку шлюза.
func (e TimelineEvent) SameDelivery(other TimelineEvent) bool {
	return e.EventID != "" && e.EventID == other.EventID && e.Type == other.Type
}
