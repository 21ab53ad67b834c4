// Package reconciler переводит события платёжного шлюза в переходы
// платёжного статуса заказа: ровно один раз на event_id и только вперёд.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/metrics"
)

// DefaultAmountTolerance - допустимое расхождение суммы в минимальных единицах.
const DefaultAmountTolerance int64 = 1

const defaultUpdateRetries = 3

// ErrNotConfigured возвращается, если reconciler собран без обязательных зависимостей.
var ErrNotConfigured = errors.New("reconciler is not configured")

// Outcome - итог обработки одного события.
type Outcome string

const (
	OutcomeCaptured        Outcome = "captured"
	OutcomeAlreadyCaptured Outcome = "already_captured"
	OutcomeFailed          Outcome = "payment_failed"
	OutcomeCanceled        Outcome = "payment_canceled"
	OutcomeRequiresAction  Outcome = "requires_action"
	OutcomeStaleIntent     Outcome = "stale_intent"
	OutcomeOrderNotFound   Outcome = "order_not_found"
	OutcomeNoOrder         Outcome = "no_order"
	OutcomeUnconfirmed     Outcome = "unconfirmed"
	OutcomeAlreadyDone     Outcome = "already_done"
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeGiveUp          Outcome = "give_up"
	OutcomeUnhandled       Outcome = "unhandled"
	OutcomeError           Outcome = "error"
)

// Result - ответ reconciler-а ingress-слою.
type Result struct {
	Accepted bool
	OrderID  string
	Warning  string
	Outcome  Outcome
}

// Ledger - часть idempotency ledger-а, которой пользуется reconciler.
type Ledger interface {
	Begin(ctx context.Context, eventID string, eventType domain.EventType) (domain.Decision, error)
	Complete(ctx context.Context, eventID, orderID string) error
	FailForOrder(ctx context.Context, eventID, orderID string, cause error) error
}

// Options задаёт необязательные зависимости и политику reconciler-а.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.ReconcilerMetrics
	Timeline domain.TimelineRepository
	Outbox   domain.OutboxRepository
	// AutoCapture включает capture для intent-ов в статусе requires_capture.
	AutoCapture     bool
	AmountTolerance int64
	UpdateRetries   int
	Clock           func() time.Time
}

// Option настраивает Reconciler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт метрики. nil отключает их.
func WithMetrics(m *metrics.ReconcilerMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithTimeline подключает платёжную историю заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(opts *Options) { opts.Timeline = repo }
}

// WithOutbox подключает transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(opts *Options) { opts.Outbox = repo }
}

// WithAutoCapture включает или выключает автоматический capture.
func WithAutoCapture(enabled bool) Option {
	return func(opts *Options) { opts.AutoCapture = enabled }
}

// WithAmountTolerance задаёт допустимое расхождение суммы.
func WithAmountTolerance(minor int64) Option {
	return func(opts *Options) { opts.AmountTolerance = minor }
}

// WithUpdateRetries задаёт число попыток при конфликте версий заказа.
func WithUpdateRetries(n int) Option {
	return func(opts *Options) { opts.UpdateRetries = n }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Reconciler - машина состояний OrderPaymentMetadata.
type Reconciler struct {
	orders   domain.OrderRepository
	ledger   Ledger
	gateway  domain.PaymentGateway
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.ReconcilerMetrics

	autoCapture   bool
	tolerance     int64
	updateRetries int
	now           func() time.Time
}

// New создаёт reconciler. gateway может быть nil: тогда события пониженного
// доверия и capture завершаются ошибкой шлюза и фиксируются в ledger-е.
func New(orders domain.OrderRepository, ledger Ledger, gateway domain.PaymentGateway, options ...Option) *Reconciler {
	opts := Options{
		Metrics:         metrics.NewReconcilerMetrics(),
		AmountTolerance: DefaultAmountTolerance,
		UpdateRetries:   defaultUpdateRetries,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconciler")
	}
	if opts.AmountTolerance < 0 {
		opts.AmountTolerance = 0
	}
	if opts.UpdateRetries <= 0 {
		opts.UpdateRetries = defaultUpdateRetries
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Reconciler{
		orders:        orders,
		ledger:        ledger,
		gateway:       gateway,
		timeline:      opts.Timeline,
		outbox:        opts.Outbox,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		autoCapture:   opts.AutoCapture,
		tolerance:     opts.AmountTolerance,
		updateRetries: opts.UpdateRetries,
		now:           opts.Clock,
	}
}

// ProcessEvent обрабатывает одну доставку вебхука.
// Ошибка возвращается только при неверной сборке или событии без id;
// бизнес-исходы (заказ не найден, расхождение суммы, сбой хранилища) приходят в Result.
func (r *Reconciler) ProcessEvent(ctx context.Context, evt domain.InboundPaymentEvent) (Result, error) {
	if r == nil || r.orders == nil || r.ledger == nil {
		return Result{}, ErrNotConfigured
	}
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Result{}, domain.ErrEventIDRequired
	}

	start := time.Now()
	r.metrics.RecordInFlightStarted()
	defer r.metrics.RecordInFlightFinished()

	res := r.process(ctx, evt)
	r.metrics.RecordEvent(string(evt.Type), string(res.Outcome), time.Since(start))
	return res, nil
}

func (r *Reconciler) process(ctx context.Context, evt domain.InboundPaymentEvent) Result {
	logger := r.logger.WithFields(log.Fields{
		"event_id":          evt.ID,
		"event_type":        evt.Type,
		"payment_intent_id": evt.PaymentIntentID,
	})

	if evt.Type == domain.EventTypeUnhandled || !evt.Type.Valid() {
		logger.WithField("gateway_type", evt.GatewayType).Debug("ignoring unhandled gateway event")
		return Result{Accepted: true, Outcome: OutcomeUnhandled}
	}

	// Событие пониженного доверия сверяется до ledger-а: отказ не оставляет записи,
	// и корректно подписанная повторная доставка с тем же event_id будет применена.
	if !evt.Verified {
		r.metrics.RecordUnverified()
		confirmed, warning, err := r.confirmUnverified(ctx, evt)
		if err != nil {
			logger.WithError(err).Error("failed to confirm unverified event with gateway")
			r.enqueueReconcileFailed(ctx, evt, "", fmt.Errorf("confirm unverified event: %w", err), logger)
			return Result{Accepted: true, Warning: "unverified event could not be confirmed", Outcome: OutcomeError}
		}
		if warning != "" {
			logger.WithField("warning", warning).Warn("unverified event refused")
			return Result{Accepted: true, Warning: warning, Outcome: OutcomeUnconfirmed}
		}
		evt = confirmed
	}

	decision, err := r.ledger.Begin(ctx, evt.ID, evt.Type)
	if err != nil {
		logger.WithError(err).Error("idempotency ledger unavailable")
		r.enqueueReconcileFailed(ctx, evt, "", err, logger)
		return Result{Accepted: true, Warning: "idempotency ledger unavailable", Outcome: OutcomeError}
	}
	r.metrics.RecordLedgerDecision(string(decision.Kind))

	switch decision.Kind {
	case domain.DecisionAlreadyDone:
		return Result{Accepted: true, OrderID: decision.OrderID, Outcome: OutcomeAlreadyDone}
	case domain.DecisionInFlight:
		return Result{Accepted: true, Warning: "event is already being processed", Outcome: OutcomeInFlight}
	case domain.DecisionGiveUp:
		logger.WithField("last_error", decision.LastError).Warn("retry limit reached for gateway event")
		return Result{
			Accepted: true,
			OrderID:  decision.OrderID,
			Warning:  "retry limit reached: " + decision.LastError,
			Outcome:  OutcomeGiveUp,
		}
	case domain.DecisionProceed:
	default:
		logger.WithField("decision", decision.Kind).Error("unexpected ledger decision")
		return Result{Accepted: true, Warning: "unexpected ledger decision", Outcome: OutcomeError}
	}

	if decision.Attempt > 1 {
		logger = logger.WithField("attempt", decision.Attempt)
	}
	return r.reconcile(ctx, evt, logger)
}

func (r *Reconciler) reconcile(ctx context.Context, evt domain.InboundPaymentEvent, logger *log.Entry) Result {
	order, outcome, err := r.resolveOrder(ctx, evt)
	if err != nil {
		return r.fail(ctx, evt, "", fmt.Errorf("resolve order: %w", err), logger)
	}
	switch outcome {
	case OutcomeNoOrder:
		logger.Warn("no order associated with gateway event")
		return r.complete(ctx, evt, Result{Accepted: true, Warning: "no order associated with event", Outcome: OutcomeNoOrder}, logger)
	case OutcomeOrderNotFound:
		logger.WithField("order_id", evt.OrderID()).Warn("order referenced by gateway event not found")
		return r.complete(ctx, evt, Result{
			Accepted: true,
			OrderID:  evt.OrderID(),
			Warning:  "order not found",
			Outcome:  OutcomeOrderNotFound,
		}, logger)
	}

	logger = logger.WithField("order_id", order.ID)

	evt, err = r.captureIfNeeded(ctx, evt, order, logger)
	if err != nil {
		return r.fail(ctx, evt, order.ID, fmt.Errorf("capture payment intent: %w", err), logger)
	}

	res, err := r.applyTransition(ctx, evt, order, logger)
	if err != nil {
		return r.fail(ctx, evt, order.ID, err, logger)
	}
	return r.complete(ctx, evt, res, logger)
}

// resolveOrder ищет заказ: metadata.order_id, затем payment_intent_id в метаданных заказов.
func (r *Reconciler) resolveOrder(ctx context.Context, evt domain.InboundPaymentEvent) (domain.Order, Outcome, error) {
	referenced := evt.OrderID()
	if referenced != "" {
		order, err := r.orders.Get(ctx, referenced)
		if err == nil {
			return order, "", nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, "", err
		}
	}

	if pi := strings.TrimSpace(evt.PaymentIntentID); pi != "" {
		order, err := r.orders.FindByMetadata(ctx, domain.MetaPaymentIntentID, pi)
		if err == nil {
			return order, "", nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, "", err
		}
	}

	if referenced != "" {
		return domain.Order{}, OutcomeOrderNotFound, nil
	}
	return domain.Order{}, OutcomeNoOrder, nil
}

// confirmUnverified сверяет событие пониженного доверия с состоянием intent-а у шлюза.
// Возвращает событие с авторитетными статусом и суммой либо текст отказа.
func (r *Reconciler) confirmUnverified(ctx context.Context, evt domain.InboundPaymentEvent) (domain.InboundPaymentEvent, string, error) {
	if strings.TrimSpace(evt.PaymentIntentID) == "" {
		return evt, "unverified event without payment intent cannot be confirmed", nil
	}
	if r.gateway == nil {
		return evt, "", domain.ErrGatewayNotConfigured
	}

	intent, err := r.gateway.RetrieveIntent(ctx, evt.PaymentIntentID)
	if errors.Is(err, domain.ErrIntentNotFound) {
		return evt, "payment intent not found at gateway", nil
	}
	if err != nil {
		return evt, "", err
	}

	if !intentConfirms(evt.Type, intent.Status) {
		return evt, fmt.Sprintf("gateway reports intent status %q for %s event", intent.Status, evt.Type), nil
	}

	evt.IntentStatus = intent.Status
	if intent.Amount > 0 {
		evt.Amount = intent.Amount
	}
	if intent.Currency != "" {
		evt.Currency = intent.Currency
	}
	if evt.OrderID() == "" {
		if orderID := strings.TrimSpace(intent.Metadata[domain.EventMetadataOrderID]); orderID != "" {
			evt.Metadata = domain.CloneMetadata(evt.Metadata)
			evt.Metadata[domain.EventMetadataOrderID] = orderID
		}
	}
	return evt, "", nil
}

// intentConfirms подтверждает событие только статусом, который шлюз выставляет
// именно для этого исхода. Авторизованный или списанный intent не подтверждает отказ.
func intentConfirms(eventType domain.EventType, status string) bool {
	switch {
	case eventType.IsSuccess():
		return status == domain.IntentStatusSucceeded || status == domain.IntentStatusRequiresCapture
	case eventType == domain.EventTypePaymentCanceled:
		return status == domain.IntentStatusCanceled
	case eventType == domain.EventTypePaymentFailed:
		return status == domain.IntentStatusRequiresPaymentMethod
	case eventType == domain.EventTypePaymentRequiresAction:
		return status == domain.IntentStatusRequiresAction || status == domain.IntentStatusRequiresConfirmation
	default:
		return false
	}
}

// captureIfNeeded списывает средства по intent-у в статусе requires_capture, если включён AutoCapture.
func (r *Reconciler) captureIfNeeded(ctx context.Context, evt domain.InboundPaymentEvent, order domain.Order, logger *log.Entry) (domain.InboundPaymentEvent, error) {
	if !evt.Type.IsSuccess() || evt.IntentStatus != domain.IntentStatusRequiresCapture || !r.autoCapture {
		return evt, nil
	}
	if order.PaymentMetadata().Captured {
		return evt, nil
	}
	if r.gateway == nil {
		r.metrics.RecordCapture("error")
		return evt, domain.ErrGatewayNotConfigured
	}

	intent, err := r.gateway.CaptureIntent(ctx, evt.PaymentIntentID)
	if err != nil {
		r.metrics.RecordCapture("error")
		return evt, err
	}
	r.metrics.RecordCapture("ok")
	logger.WithField("intent_status", intent.Status).Info("payment intent captured")

	evt.IntentStatus = intent.Status
	if intent.Amount > 0 {
		evt.Amount = intent.Amount
	}
	return evt, nil
}

// applyTransition вычисляет и сохраняет переход; при конфликте версий перечитывает заказ и пересчитывает.
func (r *Reconciler) applyTransition(ctx context.Context, evt domain.InboundPaymentEvent, order domain.Order, logger *log.Entry) (Result, error) {
	for attempt := 1; ; attempt++ {
		now := r.now()
		t := planTransition(evt, order, now, r.tolerance)

		if t.patch == nil {
			r.appendTimeline(ctx, domain.TimelineEvent{
				OrderID:       order.ID,
				EventID:       evt.ID,
				Type:          domain.TimelineTransitionSkipped,
				PaymentStatus: order.PaymentMetadata().Status,
				Reason:        t.reason,
				Occurred:      now,
			}, logger)
			return Result{Accepted: true, OrderID: order.ID, Warning: t.warning, Outcome: t.outcome}, nil
		}

		updated, err := r.orders.UpdateMetadata(ctx, order.ID, order.Version, t.patch)
		if err == nil {
			r.recordApplied(ctx, evt, updated, t, now, logger)
			return Result{Accepted: true, OrderID: order.ID, Warning: t.warning, Outcome: t.outcome}, nil
		}
		if !domain.IsVersionConflict(err) {
			return Result{}, fmt.Errorf("update order metadata: %w", err)
		}

		r.metrics.RecordVersionConflict()
		if attempt >= r.updateRetries {
			return Result{}, fmt.Errorf("update order metadata after %d attempts: %w", attempt, err)
		}
		logger.WithField("attempt", attempt).Warn("order version conflict, recomputing transition")

		order, err = r.orders.Get(ctx, order.ID)
		if err != nil {
			return Result{}, fmt.Errorf("reload order after conflict: %w", err)
		}
	}
}

func (r *Reconciler) recordApplied(ctx context.Context, evt domain.InboundPaymentEvent, order domain.Order, t transition, now time.Time, logger *log.Entry) {
	r.metrics.RecordTransition(string(t.status))
	if t.mismatch {
		r.metrics.RecordAmountMismatch()
		logger.WithFields(log.Fields{
			"amount_received": evt.Amount,
			"order_total":     order.AmountMinor,
		}).Warn("payment amount differs from order total")
	}

	logger.WithField("payment_status", t.status).Info("order payment status updated")

	r.appendTimeline(ctx, domain.TimelineEvent{
		OrderID:       order.ID,
		EventID:       evt.ID,
		Type:          domain.TimelineTypeForStatus(t.status),
		PaymentStatus: t.status,
		Reason:        t.reason,
		Occurred:      now,
	}, logger)
	r.enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateOrder,
		AggregateID:   order.ID,
		EventType:     t.outboxType,
		Payload: marshalPayload(transitionPayload{
			OrderID:         order.ID,
			EventID:         evt.ID,
			EventType:       string(evt.Type),
			PaymentIntentID: evt.PaymentIntentID,
			PaymentStatus:   string(t.status),
			AmountReceived:  evt.Amount,
			AmountMismatch:  t.mismatch,
			Currency:        evt.Currency,
			Reason:          t.reason,
			OccurredAt:      now,
		}),
	}, logger)
}

func (r *Reconciler) complete(ctx context.Context, evt domain.InboundPaymentEvent, res Result, logger *log.Entry) Result {
	if err := r.ledger.Complete(ctx, evt.ID, res.OrderID); err != nil {
		// Переход уже сохранён; запись останется processing до таймаута, а повтор будет no-op.
		logger.WithError(err).Error("failed to mark gateway event completed")
		if res.Warning == "" {
			res.Warning = "event processed but ledger completion failed"
		}
	}
	return res
}

func (r *Reconciler) fail(ctx context.Context, evt domain.InboundPaymentEvent, orderID string, cause error, logger *log.Entry) Result {
	r.metrics.RecordReconcileFailed()
	logger.WithError(cause).Error("payment reconciliation failed")

	if err := r.ledger.FailForOrder(ctx, evt.ID, orderID, cause); err != nil {
		logger.WithError(err).Error("failed to record reconciliation failure in ledger")
	}
	r.enqueueReconcileFailed(ctx, evt, orderID, cause, logger)

	return Result{
		Accepted: true,
		OrderID:  orderID,
		Warning:  "reconciliation failed: " + cause.Error(),
		Outcome:  OutcomeError,
	}
}

func (r *Reconciler) enqueueReconcileFailed(ctx context.Context, evt domain.InboundPaymentEvent, orderID string, cause error, logger *log.Entry) {
	r.enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateEvent,
		AggregateID:   evt.ID,
		EventType:     domain.OutboxEventPaymentReconcileFailed,
		Payload: marshalPayload(ReconcileFailedPayload{
			Event:      evt,
			OrderID:    orderID,
			Error:      cause.Error(),
			OccurredAt: r.now(),
		}),
	}, logger)
}

func (r *Reconciler) enqueue(ctx context.Context, msg domain.OutboxMessage, logger *log.Entry) {
	if r.outbox == nil || msg.Payload == nil {
		return
	}
	if _, err := r.outbox.Enqueue(ctx, msg); err != nil {
		logger.WithError(err).WithField("event", msg.EventType).Error("enqueue outbox message failed")
		return
	}
	r.metrics.RecordOutboxEvent()
}

func (r *Reconciler) appendTimeline(ctx context.Context, event domain.TimelineEvent, logger *log.Entry) {
	if r.timeline == nil || event.OrderID == "" {
		return
	}
	if err := r.timeline.Append(ctx, event); err != nil {
		logger.WithError(err).WithField("timeline_type", event.Type).Warn("append timeline event failed")
		return
	}
	r.metrics.RecordTimelineEvent()
}
