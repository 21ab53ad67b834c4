package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const defaultCleanupInterval = 10 * time.Minute

var (
	ledgerSweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_ledger_sweep_runs_total",
		Help: "Total number of ledger retention sweeps grouped by result.",
	}, []string{"result"})
	ledgerSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payrecon_ledger_sweep_deleted_total",
		Help: "Total number of ledger records removed by retention sweeps.",
	})
	ledgerSweepLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payrecon_ledger_sweep_last_deleted",
		Help: "Number of ledger records removed during the last sweep.",
	})
)

// Sweeper удаляет устаревшие записи ledger-а.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// CleanupOptions задаёт параметры воркера очистки ledger-а.
type CleanupOptions struct {
	Logger   *log.Entry
	Interval time.Duration
	Clock    func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между циклами очистки.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithCleanupClock подменяет источник времени.
func WithCleanupClock(clock func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Clock = clock
	}
}

// CleanupWorker периодически запускает Sweep независимо от обработки запросов.
type CleanupWorker struct {
	sweeper  Sweeper
	logger   *log.Entry
	interval time.Duration
	now      func() time.Time
}

// NewCleanupWorker создаёт воркер очистки ledger-а.
func NewCleanupWorker(sweeper Sweeper, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{Interval: defaultCleanupInterval}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "ledger-cleanup-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &CleanupWorker{
		sweeper:  sweeper,
		logger:   opts.Logger,
		interval: opts.Interval,
		now:      opts.Clock,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.sweeper == nil {
		w.logger.Warn("ledger cleanup worker is disabled: sweeper is nil")
		return
	}

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки и возвращает число удалённых записей.
func (w *CleanupWorker) RunOnce(ctx context.Context) int {
	deleted, err := w.sweeper.Sweep(ctx, w.now())
	if deleted > 0 {
		ledgerSweepDeletedTotal.Add(float64(deleted))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return deleted
		}
		ledgerSweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("ledger sweep failed")
		return deleted
	}

	ledgerSweepRunsTotal.WithLabelValues("ok").Inc()
	ledgerSweepLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("ledger sweep completed")
	}
	return deleted
}
