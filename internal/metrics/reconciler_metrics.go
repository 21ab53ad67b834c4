package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcilerMetrics содержит метрики обработки платёжных событий.
type ReconcilerMetrics struct {
	// Исходы обработки по типу события
	eventsTotal     *prometheus.CounterVec
	ledgerDecisions *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	captureCalls    *prometheus.CounterVec

	amountMismatch   prometheus.Counter
	reconcileFailed  prometheus.Counter
	versionConflicts prometheus.Counter
	unverified       prometheus.Counter

	// Сопутствующие записи
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewReconcilerMetrics регистрирует метрики в DefaultRegisterer.
// Повторный вызов возвращает уже зарегистрированные коллекторы.
func NewReconcilerMetrics() *ReconcilerMetrics {
	return NewReconcilerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReconcilerMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewReconcilerMetricsWithRegisterer(registerer prometheus.Registerer) *ReconcilerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReconcilerMetrics{
		eventsTotal: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "payrecon_reconciler_events_total",
			Help: "Total number of gateway events processed grouped by event type and outcome",
		}, []string{"event_type", "outcome"}),
		ledgerDecisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "payrecon_ledger_decisions_total",
			Help: "Total number of idempotency ledger decisions grouped by kind",
		}, []string{"decision"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "payrecon_payment_transitions_total",
			Help: "Total number of applied order payment-status transitions grouped by target status",
		}, []string{"status"}),
		captureCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "payrecon_gateway_capture_total",
			Help: "Total number of payment intent capture calls grouped by result",
		}, []string{"result"}),
		amountMismatch: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_payment_amount_mismatch_total",
			Help: "Total number of captured payments whose amount differs from the order total",
		}),
		reconcileFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_reconcile_failures_total",
			Help: "Total number of reconciliation attempts recorded as failed in the ledger",
		}),
		versionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_order_version_conflicts_total",
			Help: "Total number of optimistic version conflicts on order metadata updates",
		}),
		unverified: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_unverified_events_total",
			Help: "Total number of events processed in reduced-trust mode",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_timeline_events_total",
			Help: "Total number of payment timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "payrecon_outbox_enqueued_total",
			Help: "Total number of outbox messages enqueued by the reconciler",
		}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "payrecon_reconciler_duration_seconds",
			Help:    "Duration of gateway event processing in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"event_type"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "payrecon_reconciler_in_flight",
			Help: "Number of gateway events currently being processed",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// Все Record-методы безопасны для nil-получателя: reconciler без метрик просто их не пишет.

// RecordEvent учитывает итог обработки события и время обработки.
func (m *ReconcilerMetrics) RecordEvent(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.duration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordLedgerDecision учитывает решение ledger-а.
func (m *ReconcilerMetrics) RecordLedgerDecision(decision string) {
	if m == nil {
		return
	}
	m.ledgerDecisions.WithLabelValues(decision).Inc()
}

// RecordTransition учитывает применённый переход платёжного статуса.
func (m *ReconcilerMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordCapture учитывает вызов capture у шлюза.
func (m *ReconcilerMetrics) RecordCapture(result string) {
	if m == nil {
		return
	}
	m.captureCalls.WithLabelValues(result).Inc()
}

// RecordAmountMismatch увеличивает счётчик расхождений суммы.
func (m *ReconcilerMetrics) RecordAmountMismatch() {
	if m == nil {
		return
	}
	m.amountMismatch.Inc()
}

// RecordReconcileFailed увеличивает счётчик неудачных попыток.
func (m *ReconcilerMetrics) RecordReconcileFailed() {
	if m == nil {
		return
	}
	m.reconcileFailed.Inc()
}

// RecordVersionConflict увеличивает счётчик конфликтов версий заказа.
func (m *ReconcilerMetrics) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// RecordUnverified увеличивает счётчик событий пониженного доверия.
func (m *ReconcilerMetrics) RecordUnverified() {
	if m == nil {
		return
	}
	m.unverified.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *ReconcilerMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик сообщений outbox.
func (m *ReconcilerMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordInFlightStarted увеличивает число событий в обработке.
func (m *ReconcilerMetrics) RecordInFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RecordInFlightFinished уменьшает число событий в обработке.
func (m *ReconcilerMetrics) RecordInFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
