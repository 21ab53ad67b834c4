package reconciler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
)

// transition - вычисленный переход. patch == nil означает, что заказ не меняется.
type transition struct {
	patch      map[string]string
	status     domain.PaymentStatus
	outboxType string
	outcome    Outcome
	reason     string
	warning    string
	mismatch   bool
}

// planTransition - чистая функция перехода: текущие метаданные заказа + событие -> patch.
//
//	success:         pending|failed|canceled|requires_action -> captured; captured -> no-op
//	failure:         pending|failed|canceled|requires_action -> failed;   captured -> no-op
//	cancellation:    аналогично failure, в canceled
//	requires_action: pending|failed|canceled -> requires_action;          captured -> no-op
func planTransition(evt domain.InboundPaymentEvent, order domain.Order, now time.Time, tolerance int64) transition {
	meta := order.PaymentMetadata()

	switch {
	case evt.Type.IsSuccess():
		return planSuccess(evt, order, meta, now, tolerance)
	case evt.Type == domain.EventTypePaymentFailed:
		return planFailure(evt, meta, now, domain.PaymentStatusFailed)
	case evt.Type == domain.EventTypePaymentCanceled:
		return planFailure(evt, meta, now, domain.PaymentStatusCanceled)
	case evt.Type == domain.EventTypePaymentRequiresAction:
		return planRequiresAction(evt, meta, now, "")
	default:
		return transition{outcome: OutcomeUnhandled, reason: "unsupported event type " + string(evt.Type)}
	}
}

func planSuccess(evt domain.InboundPaymentEvent, order domain.Order, meta domain.OrderPaymentMetadata, now time.Time, tolerance int64) transition {
	if meta.Captured {
		return transition{outcome: OutcomeAlreadyCaptured, reason: "payment already captured"}
	}

	// Intent ещё не списан (requires_capture без AutoCapture, 3DS, processing).
	if evt.IntentStatus != "" && evt.IntentStatus != domain.IntentStatusSucceeded {
		return planRequiresAction(evt, meta, now, "intent status "+evt.IntentStatus)
	}

	next := meta
	next.Captured = true
	next.Status = domain.PaymentStatusCaptured
	next.ReadyForFulfillment = true
	next.CapturedAt = now
	next.GatewayStatus = domain.IntentStatusSucceeded
	next.FailureCode = ""
	next.FailureReason = ""
	next.LastEventID = evt.ID
	if evt.PaymentIntentID != "" {
		next.PaymentIntentID = evt.PaymentIntentID
	}
	if evt.Amount > 0 {
		next.AmountReceived = evt.Amount
	}

	t := transition{
		status:     domain.PaymentStatusCaptured,
		outboxType: domain.OutboxEventPaymentCaptured,
		outcome:    OutcomeCaptured,
	}
	if amountMismatch(evt.Amount, order.AmountMinor, tolerance) {
		next.AmountMismatch = true
		t.mismatch = true
		t.warning = fmt.Sprintf("amount mismatch: received %d, order total %d", evt.Amount, order.AmountMinor)
		t.reason = t.warning
	}
	t.patch = patchOf(next)
	return t
}

func planFailure(evt domain.InboundPaymentEvent, meta domain.OrderPaymentMetadata, now time.Time, target domain.PaymentStatus) transition {
	if meta.Captured {
		return transition{
			outcome: OutcomeAlreadyCaptured,
			reason:  fmt.Sprintf("payment already captured, %s ignored", evt.Type),
		}
	}
	if meta.PaymentIntentID != "" && evt.PaymentIntentID != "" && meta.PaymentIntentID != evt.PaymentIntentID {
		return transition{
			outcome: OutcomeStaleIntent,
			reason:  fmt.Sprintf("event references payment intent %s, order tracks %s", evt.PaymentIntentID, meta.PaymentIntentID),
			warning: "event references a stale payment intent",
		}
	}

	next := meta
	next.Captured = false
	next.ReadyForFulfillment = false
	next.Status = target
	next.GatewayStatus = evt.IntentStatus
	next.FailureCode = evt.FailureCode
	next.FailureReason = evt.FailureMessage
	next.LastEventID = evt.ID
	if evt.PaymentIntentID != "" {
		next.PaymentIntentID = evt.PaymentIntentID
	}

	t := transition{status: target, reason: evt.FailureMessage}
	if target == domain.PaymentStatusCanceled {
		next.CanceledAt = now
		t.outboxType = domain.OutboxEventPaymentCanceled
		t.outcome = OutcomeCanceled
	} else {
		next.FailedAt = now
		t.outboxType = domain.OutboxEventPaymentFailed
		t.outcome = OutcomeFailed
	}
	t.patch = patchOf(next)
	return t
}

func planRequiresAction(evt domain.InboundPaymentEvent, meta domain.OrderPaymentMetadata, now time.Time, reason string) transition {
	if meta.Captured {
		return transition{outcome: OutcomeAlreadyCaptured, reason: "payment already captured"}
	}

	gatewayStatus := evt.IntentStatus
	if gatewayStatus == "" {
		gatewayStatus = domain.IntentStatusRequiresAction
	}
	if meta.Status == domain.PaymentStatusRequiresAction &&
		meta.GatewayStatus == gatewayStatus &&
		(evt.PaymentIntentID == "" || meta.PaymentIntentID == evt.PaymentIntentID) {
		return transition{outcome: OutcomeRequiresAction, reason: "payment already requires action"}
	}

	next := meta
	next.Captured = false
	next.ReadyForFulfillment = false
	next.Status = domain.PaymentStatusRequiresAction
	next.GatewayStatus = gatewayStatus
	next.LastEventID = evt.ID
	if evt.PaymentIntentID != "" {
		next.PaymentIntentID = evt.PaymentIntentID
	}

	return transition{
		patch:      patchOf(next),
		status:     domain.PaymentStatusRequiresAction,
		outboxType: domain.OutboxEventPaymentRequiresAction,
		outcome:    OutcomeRequiresAction,
		reason:     reason,
	}
}

// amountMismatch сравнивает полученную сумму с итогом заказа. Нулевая сумма
// при известном итоге тоже расхождение; без итога сравнивать не с чем.
func amountMismatch(received, expected, tolerance int64) bool {
	if expected <= 0 {
		return false
	}
	diff := received - expected
	if diff < 0 {
		diff = -diff
	}
	return diff > tolerance
}

// patchOf сериализует метаданные; ToMap пропускает пустые строки, а patch
// сливается с хранимыми метаданными, поэтому поля ошибки затираются явно.
func patchOf(meta domain.OrderPaymentMetadata) map[string]string {
	patch := meta.ToMap()
	for _, key := range []string{domain.MetaPaymentFailureCode, domain.MetaPaymentFailureReason} {
		if _, ok := patch[key]; !ok {
			patch[key] = ""
		}
	}
	return patch
}

type transitionPayload struct {
	OrderID         string    `json:"order_id"`
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	PaymentStatus   string    `json:"payment_status"`
	AmountReceived  int64     `json:"amount_received,omitempty"`
	AmountMismatch  bool      `json:"amount_mismatch,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ReconcileFailedPayload - содержимое payment.reconcile_failed.
// Event хранит исходную доставку, чтобы её можно было переиграть.
type ReconcileFailedPayload struct {
	Event      domain.InboundPaymentEvent `json:"event"`
	OrderID    string                     `json:"order_id,omitempty"`
	Error      string                     `json:"error"`
	OccurredAt time.Time                  `json:"occurred_at"`
}

func marshalPayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
