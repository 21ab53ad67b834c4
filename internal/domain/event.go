package domain

import (
	"strings"
	"time"
)

// EventType - нормализованный тип события платёжного шлюза.
type EventType string

const (
	EventTypePaymentSucceeded      EventType = "payment_succeeded"
	EventTypePaymentFailed         EventType = "payment_failed"
	EventTypePaymentCanceled       EventType = "payment_canceled"
	EventTypePaymentRequiresAction EventType = "payment_requires_action"
	EventTypeChargeSucceeded       EventType = "charge_succeeded"
	EventTypeCheckoutCompleted     EventType = "checkout_completed"
	EventTypeUnhandled             EventType = "unhandled"
)

// Ключи метаданных события, по которым ищется заказ.
const (
	EventMetadataOrderID = "order_id"
	EventMetadataCartID  = "cart_id"
	EventMetadataEmail   = "email"
)

// IsSuccess сообщает, означает ли событие успешную оплату.
func (t EventType) IsSuccess() bool {
	switch t {
	case EventTypePaymentSucceeded, EventTypeChargeSucceeded, EventTypeCheckoutCompleted:
		return true
	default:
		return false
	}
}

// Valid проверяет, что тип относится к известным значениям.
func (t EventType) Valid() bool {
	switch t {
	case EventTypePaymentSucceeded, EventTypePaymentFailed, EventTypePaymentCanceled,
		EventTypePaymentRequiresAction, EventTypeChargeSucceeded, EventTypeCheckoutCompleted,
		EventTypeUnhandled:
		return true
	default:
		return false
	}
}

// InboundPaymentEvent - одна доставка вебхука шлюза. После создания не изменяется.
type InboundPaymentEvent struct {
	ID              string            `json:"event_id"`
	Type            EventType         `json:"event_type"`
	GatewayType     string            `json:"gateway_type,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	// IntentStatus - статус payment intent у шлюза (succeeded, requires_capture, ...).
	IntentStatus   string    `json:"intent_status,omitempty"`
	FailureCode    string    `json:"failure_code,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
	Verified       bool      `json:"verified"`
	ReceivedAt     time.Time `json:"received_at"`
}

// OrderID возвращает order_id из метаданных события, если он есть.
func (e InboundPaymentEvent) OrderID() string {
	if e.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(e.Metadata[EventMetadataOrderID])
}

// Intent - представление payment intent, полученное напрямую от шлюза.
type Intent struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Статусы payment intent, на которые опирается reconciler.
const (
	IntentStatusSucceeded             = "succeeded"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusProcessing            = "processing"
	IntentStatusCanceled              = "canceled"
)
