// Package app собирает payment-reconciler: хранилища, ledger, шлюз Stripe,
// reconciler, webhook ingress, фоновые воркеры и служебные серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	stripegw "github.com/vladislavdragonenkov/payrecon/internal/gateway/stripe"
	healthcheck "github.com/vladislavdragonenkov/payrecon/internal/health"
	"github.com/vladislavdragonenkov/payrecon/internal/metrics"
	"github.com/vladislavdragonenkov/payrecon/internal/service/idempotency"
	"github.com/vladislavdragonenkov/payrecon/internal/service/outbox"
	"github.com/vladislavdragonenkov/payrecon/internal/service/reconciler"
	"github.com/vladislavdragonenkov/payrecon/internal/transport/webhook"
	"github.com/vladislavdragonenkov/payrecon/internal/version"
)

// service - собранный граф компонентов без сетевых слушателей.
type service struct {
	deps       *runtimeDependencies
	ledger     *idempotency.Ledger
	reconciler *reconciler.Reconciler
	router     http.Handler
	health     *healthcheck.Handler
	cleanup    *idempotency.CleanupWorker
	outbox     *outbox.Worker
}

// buildService связывает компоненты поверх deps и publishers.
func buildService(cfg Config, deps *runtimeDependencies, events, dlq domain.OutboxPublisher, logger *log.Entry) *service {
	ledger := idempotency.NewLedger(deps.idempotencyRepo,
		idempotency.WithLedgerLogger(logger.WithField("component", "idempotency-ledger")),
		idempotency.WithMaxAttempts(cfg.LedgerMaxAttempts),
		idempotency.WithRetention(cfg.LedgerRetention),
		idempotency.WithStaleAfter(cfg.LedgerStaleAfter),
		idempotency.WithSweepBatchSize(cfg.LedgerCleanupBatchSize),
	)

	gateway := stripegw.New(cfg.StripeAPIKey,
		stripegw.WithLogger(logger.WithField("component", "stripe-gateway")),
		stripegw.WithTolerance(cfg.StripeSignatureTolerance),
	)

	rec := reconciler.New(deps.orderRepo, ledger, gateway,
		reconciler.WithLogger(logger.WithField("component", "reconciler")),
		reconciler.WithMetrics(metrics.NewReconcilerMetrics()),
		reconciler.WithTimeline(deps.timelineRepo),
		reconciler.WithOutbox(deps.outboxRepo),
		reconciler.WithAutoCapture(cfg.ReconcilerAutoCapture),
		reconciler.WithAmountTolerance(cfg.ReconcilerAmountTolerance),
	)

	handler := webhook.NewHandler(gateway, rec,
		webhook.WithLogger(logger.WithField("component", "webhook")),
		webhook.WithSecret(cfg.StripeWebhookSecret),
		webhook.WithAllowUnverified(cfg.WebhookAllowUnverified),
		webhook.WithMaxBodyBytes(cfg.WebhookMaxBodyBytes),
		webhook.WithProcessTimeout(cfg.WebhookProcessTimeout),
	)
	admin := webhook.NewAdmin(cfg.AdminToken, ledger, deps.orderRepo, deps.timelineRepo, rec,
		logger.WithField("component", "admin"))

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	return &service{
		deps:       deps,
		ledger:     ledger,
		reconciler: rec,
		router:     webhook.NewRouter(handler, admin, cfg.WebhookPaths),
		health:     healthHandler,
		cleanup: idempotency.NewCleanupWorker(ledger,
			idempotency.WithLogger(logger.WithField("component", "ledger-cleanup")),
			idempotency.WithInterval(cfg.LedgerCleanupInterval),
		),
		outbox: outbox.NewWorker(deps.outboxRepo, events,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		),
	}
}

// startWorkers запускает воркеры; возвращённая функция отменяет их и ждёт завершения.
func (s *service) startWorkers(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cleanup.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		s.outbox.Run(workerCtx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Run запускает сервис и блокируется до отмены ctx или отказа webhook-сервера.
// При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, warning := range cfg.warnings() {
		logger.Warn(warning)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}
	defer closeKafka(producer, logger)
	events, dlq := outboxPublishers(producer, cfg, logger.WithField("component", "outbox-publisher"))

	svc := buildService(cfg, deps, events, dlq, logger)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, svc.health)
	defer shutdownHTTP(metricsSrv, logger)

	grpcSrv, err := startGRPCHealth(cfg.GRPCHealthAddr, logger)
	if err != nil {
		return fmt.Errorf("start grpc health: %w", err)
	}
	defer grpcSrv.Stop()

	webhookSrv, errCh, err := startWebhookServer(cfg.HTTPAddr, svc.router, logger)
	if err != nil {
		return fmt.Errorf("start webhook server: %w", err)
	}

	stopWorkers := svc.startWorkers(ctx)

	logger.WithFields(log.Fields{
		"version":       version.GetVersion(),
		"webhook_paths": cfg.WebhookPaths,
		"kafka":         producer != nil,
	}).Info("payment reconciler started")

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем webhook ingress")
		shutdownHTTPWithTimeout(webhookSrv, cfg.ShutdownTimeout, logger)
		stopWorkers()
		if flushed := svc.flushOutbox(); flushed.Sent > 0 || flushed.Failed > 0 {
			logger.WithFields(log.Fields{"sent": flushed.Sent, "failed": flushed.Failed}).Info("outbox flushed on shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		stopWorkers()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server: %w", err)
	}
}

// flushOutbox публикует то, что reconciler успел поставить в outbox перед остановкой.
func (s *service) flushOutbox() outbox.BatchResult {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownHTTPTimeout)
	defer cancel()
	return s.outbox.ProcessOnce(ctx)
}
