package domain

import (
	"strconv"
	"strings"
	"time"
)

// PaymentStatus описывает платёжное состояние заказа.
type PaymentStatus string

const (
	// PaymentStatusPending - начальное состояние, оплата не подтверждена.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCaptured - деньги списаны, заказ готов к исполнению.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusFailed - провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCanceled - платёж отменён.
	PaymentStatusCanceled PaymentStatus = "canceled"
	// PaymentStatusRequiresAction - нужен 3DS покупателя или ручной capture.
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCaptured, PaymentStatusFailed,
		PaymentStatusCanceled, PaymentStatusRequiresAction:
		return true
	default:
		return false
	}
}

// Ключи платёжных метаданных заказа.
const (
	MetaPaymentCaptured       = "payment_captured"
	MetaPaymentStatus         = "payment_status"
	MetaPaymentIntentID       = "payment_intent_id"
	MetaPaymentCapturedAt     = "payment_captured_at"
	MetaPaymentFailedAt       = "payment_failed_at"
	MetaPaymentCanceledAt     = "payment_canceled_at"
	MetaPaymentFailureCode    = "payment_failure_code"
	MetaPaymentFailureReason  = "payment_failure_reason"
	MetaPaymentGatewayStatus  = "payment_gateway_status"
	MetaPaymentAmountReceived = "payment_amount_received"
	MetaPaymentAmountMismatch = "payment_amount_mismatch"
	MetaPaymentLastEventID    = "payment_last_event_id"
	MetaReadyForFulfillment   = "ready_for_fulfillment"
)

// OrderPaymentMetadata - платёжная часть метаданных заказа.
// Инвариант: Captured => Status == captured; ReadyForFulfillment <=> Captured && Status == captured.
type OrderPaymentMetadata struct {
	Captured            bool
	Status              PaymentStatus
	PaymentIntentID     string
	CapturedAt          time.Time
	FailedAt            time.Time
	CanceledAt          time.Time
	FailureCode         string
	FailureReason       string
	GatewayStatus       string
	AmountReceived      int64
	AmountMismatch      bool
	LastEventID         string
	ReadyForFulfillment bool
}

// PaymentMetadataFromMap разбирает платёжные поля из метаданных заказа.
// Отсутствующие или битые значения дают значения по умолчанию (pending, false).
func PaymentMetadataFromMap(m map[string]string) OrderPaymentMetadata {
	meta := OrderPaymentMetadata{Status: PaymentStatusPending}
	if m == nil {
		return meta
	}

	meta.Captured = parseBool(m[MetaPaymentCaptured])
	if status := PaymentStatus(strings.TrimSpace(m[MetaPaymentStatus])); status.Valid() {
		meta.Status = status
	}
	meta.PaymentIntentID = strings.TrimSpace(m[MetaPaymentIntentID])
	meta.CapturedAt = parseTime(m[MetaPaymentCapturedAt])
	meta.FailedAt = parseTime(m[MetaPaymentFailedAt])
	meta.CanceledAt = parseTime(m[MetaPaymentCanceledAt])
	meta.FailureCode = m[MetaPaymentFailureCode]
	meta.FailureReason = m[MetaPaymentFailureReason]
	meta.GatewayStatus = m[MetaPaymentGatewayStatus]
	if v, err := strconv.ParseInt(strings.TrimSpace(m[MetaPaymentAmountReceived]), 10, 64); err == nil {
		meta.AmountReceived = v
	}
	meta.AmountMismatch = parseBool(m[MetaPaymentAmountMismatch])
	meta.LastEventID = m[MetaPaymentLastEventID]
	meta.ReadyForFulfillment = parseBool(m[MetaReadyForFulfillment])

	return meta
}

// ToMap сериализует платёжные поля в patch для UpdateMetadata.
// Пустые временные метки и строки не записываются, чтобы не затирать чужие значения.
func (m OrderPaymentMetadata) ToMap() map[string]string {
	out := map[string]string{
		MetaPaymentCaptured:     strconv.FormatBool(m.Captured),
		MetaPaymentStatus:       string(m.Status),
		MetaReadyForFulfillment: strconv.FormatBool(m.ReadyForFulfillment),
	}
	if m.AmountMismatch {
		out[MetaPaymentAmountMismatch] = "true"
	}
	if m.AmountReceived > 0 {
		out[MetaPaymentAmountReceived] = strconv.FormatInt(m.AmountReceived, 10)
	}
	putString(out, MetaPaymentIntentID, m.PaymentIntentID)
	putString(out, MetaPaymentFailureCode, m.FailureCode)
	putString(out, MetaPaymentFailureReason, m.FailureReason)
	putString(out, MetaPaymentGatewayStatus, m.GatewayStatus)
	putString(out, MetaPaymentLastEventID, m.LastEventID)
	putTime(out, MetaPaymentCapturedAt, m.CapturedAt)
	putTime(out, MetaPaymentFailedAt, m.FailedAt)
	putTime(out, MetaPaymentCanceledAt, m.CanceledAt)
	return out
}

// Consistent проверяет инварианты платёжных метаданных.
func (m OrderPaymentMetadata) Consistent() bool {
	if m.Captured && m.Status != PaymentStatusCaptured {
		return false
	}
	return m.ReadyForFulfillment == (m.Captured && m.Status == PaymentStatusCaptured)
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func putString(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putTime(m map[string]string, key string, t time.Time) {
	if !t.IsZero() {
		m[key] = t.UTC().Format(time.RFC3339Nano)
	}
}
