package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/service/idempotency"
	"github.com/vladislavdragonenkov/payrecon/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, clock *fakeClock, opts ...idempotency.LedgerOption) (*idempotency.Ledger, domain.IdempotencyRepository) {
	t.Helper()
	repo := memory.NewIdempotencyRepository()
	opts = append([]idempotency.LedgerOption{idempotency.WithClock(clock.Now)}, opts...)
	return idempotency.NewLedger(repo, opts...), repo
}

func mustBegin(t *testing.T, ledger *idempotency.Ledger, eventID string) domain.Decision {
	t.Helper()
	decision, err := ledger.Begin(context.Background(), eventID, domain.EventTypePaymentSucceeded)
	if err != nil {
		t.Fatalf("Begin(%s) failed: %v", eventID, err)
	}
	return decision
}

func TestLedger_FirstSightProceeds(t *testing.T) {
	ledger, repo := newLedger(t, newFakeClock())

	decision := mustBegin(t, ledger, "evt_1")
	if decision.Kind != domain.DecisionProceed || decision.Attempt != 1 {
		t.Fatalf("expected Proceed/1, got %+v", decision)
	}

	record, err := repo.Get(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Status != domain.IdempotencyStatusProcessing || record.AttemptCount != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.EventType != domain.EventTypePaymentSucceeded {
		t.Fatalf("expected event type to be stored, got %q", record.EventType)
	}
}

func TestLedger_InFlightWhileProcessing(t *testing.T) {
	ledger, _ := newLedger(t, newFakeClock())

	mustBegin(t, ledger, "evt_1")
	if decision := mustBegin(t, ledger, "evt_1"); decision.Kind != domain.DecisionInFlight {
		t.Fatalf("expected InFlight, got %+v", decision)
	}
}

func TestLedger_CompletedShortCircuits(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newLedger(t, newFakeClock())

	mustBegin(t, ledger, "evt_1")
	if err := ledger.Complete(ctx, "evt_1", "ord_1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// Повторный Complete безопасен.
	if err := ledger.Complete(ctx, "evt_1", "ord_1"); err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}

	decision := mustBegin(t, ledger, "evt_1")
	if decision.Kind != domain.DecisionAlreadyDone || decision.OrderID != "ord_1" {
		t.Fatalf("expected AlreadyDone(ord_1), got %+v", decision)
	}

	if err := ledger.Fail(ctx, "evt_1", errors.New("late failure")); !errors.Is(err, domain.ErrIdempotencyRecordTerminal) {
		t.Fatalf("expected ErrIdempotencyRecordTerminal, got %v", err)
	}
}

func TestLedger_RetryBound(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newLedger(t, newFakeClock())

	for attempt := 1; attempt <= 3; attempt++ {
		decision := mustBegin(t, ledger, "evt_retry")
		if decision.Kind != domain.DecisionProceed || decision.Attempt != attempt {
			t.Fatalf("attempt %d: expected Proceed, got %+v", attempt, decision)
		}
		if err := ledger.Fail(ctx, "evt_retry", errors.New("store unavailable")); err != nil {
			t.Fatalf("attempt %d: Fail failed: %v", attempt, err)
		}
	}

	decision := mustBegin(t, ledger, "evt_retry")
	if decision.Kind != domain.DecisionGiveUp {
		t.Fatalf("expected GiveUp after 3 failures, got %+v", decision)
	}
	if decision.LastError != "store unavailable" {
		t.Fatalf("expected last error to be reported, got %q", decision.LastError)
	}

	record, err := repo.Get(ctx, "evt_retry")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.AttemptCount != 3 || record.Status != domain.IdempotencyStatusFailed {
		t.Fatalf("expected failed/3 to stay unchanged, got %+v", record)
	}
}

func TestLedger_FailForOrderKeepsOrderID(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newLedger(t, newFakeClock())

	mustBegin(t, ledger, "evt_1")
	if err := ledger.FailForOrder(ctx, "evt_1", "ord_9", errors.New("boom")); err != nil {
		t.Fatalf("FailForOrder failed: %v", err)
	}

	record, err := repo.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.OrderID != "ord_9" || record.LastError != "boom" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestLedger_StaleProcessingIsRetaken(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := newLedger(t, clock, idempotency.WithStaleAfter(2*time.Minute))

	mustBegin(t, ledger, "evt_stale")
	clock.Advance(time.Minute)
	if decision := mustBegin(t, ledger, "evt_stale"); decision.Kind != domain.DecisionInFlight {
		t.Fatalf("expected InFlight before timeout, got %+v", decision)
	}

	clock.Advance(2 * time.Minute)
	decision := mustBegin(t, ledger, "evt_stale")
	if decision.Kind != domain.DecisionProceed || decision.Attempt != 2 {
		t.Fatalf("expected Proceed/2 after stale timeout, got %+v", decision)
	}
}

func TestLedger_StaleAtCeilingGivesUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ledger, repo := newLedger(t, clock, idempotency.WithStaleAfter(time.Minute), idempotency.WithMaxAttempts(1))

	mustBegin(t, ledger, "evt_stuck")
	clock.Advance(5 * time.Minute)

	decision := mustBegin(t, ledger, "evt_stuck")
	if decision.Kind != domain.DecisionGiveUp {
		t.Fatalf("expected GiveUp, got %+v", decision)
	}

	record, err := repo.Get(ctx, "evt_stuck")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Status != domain.IdempotencyStatusFailed || record.LastError == "" {
		t.Fatalf("expected stale record to be marked failed, got %+v", record)
	}
}

func TestLedger_ConcurrentBeginSingleProceed(t *testing.T) {
	ledger, _ := newLedger(t, newFakeClock())

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		proceed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := ledger.Begin(context.Background(), "evt_race", domain.EventTypePaymentSucceeded)
			if err != nil {
				t.Errorf("Begin failed: %v", err)
				return
			}
			if decision.Kind == domain.DecisionProceed {
				mu.Lock()
				proceed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if proceed != 1 {
		t.Fatalf("expected exactly one Proceed, got %d", proceed)
	}
}

func TestLedger_SweepRemovesExpiredAndAllowsFreshStart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ledger, repo := newLedger(t, clock, idempotency.WithSweepBatchSize(1))

	mustBegin(t, ledger, "evt_old")
	if err := ledger.Complete(ctx, "evt_old", "ord_1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	mustBegin(t, ledger, "evt_old_2")

	clock.Advance(25 * time.Hour)
	mustBegin(t, ledger, "evt_fresh")

	deleted, err := ledger.Sweep(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 expired records removed, got %d", deleted)
	}
	if _, err := repo.Get(ctx, "evt_old"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected evt_old to be swept, got %v", err)
	}
	if _, err := repo.Get(ctx, "evt_fresh"); err != nil {
		t.Fatalf("expected fresh record to survive, got %v", err)
	}

	decision := mustBegin(t, ledger, "evt_old")
	if decision.Kind != domain.DecisionProceed || decision.Attempt != 1 {
		t.Fatalf("expected fresh Proceed after sweep, got %+v", decision)
	}
}

func TestLedger_Validation(t *testing.T) {
	ledger, _ := newLedger(t, newFakeClock())
	ctx := context.Background()

	if _, err := ledger.Begin(ctx, " ", domain.EventTypePaymentSucceeded); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
	if err := ledger.Complete(ctx, "evt_unknown", "ord"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
	if ledger.MaxAttempts() != idempotency.DefaultMaxAttempts || ledger.Retention() != idempotency.DefaultRetention {
		t.Fatal("unexpected defaults")
	}
}
