package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/storage/memory"
)

func processingRecord(eventID string) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		EventID:      eventID,
		EventType:    domain.EventTypePaymentSucceeded,
		Status:       domain.IdempotencyStatusProcessing,
		AttemptCount: 1,
	}
}

func TestIdempotencyRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	created, err := repo.Create(ctx, processingRecord("evt_1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ProcessedAt.IsZero() || created.CreatedAt.IsZero() {
		t.Fatalf("expected timestamps to be stamped, got %+v", created)
	}

	got, err := repo.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusProcessing || got.AttemptCount != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := repo.Create(ctx, processingRecord("evt_1")); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
	if _, err := repo.Get(ctx, "evt_missing"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
	if _, err := repo.Create(ctx, processingRecord("  ")); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
}

func TestIdempotencyRepository_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	created, err := repo.Create(ctx, processingRecord("evt_cas"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	next := created
	next.Status = domain.IdempotencyStatusFailed
	next.LastError = "db down"
	next.ProcessedAt = time.Time{}
	if err := repo.CompareAndSwap(ctx, created, next); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	// Устаревшее ожидаемое состояние должно быть отклонено.
	stale := created
	stale.Status = domain.IdempotencyStatusCompleted
	if err := repo.CompareAndSwap(ctx, created, stale); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}

	got, err := repo.Get(ctx, "evt_cas")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusFailed || got.LastError != "db down" {
		t.Fatalf("unexpected record after swap: %+v", got)
	}
	if got.ProcessedAt.IsZero() {
		t.Fatal("expected processed_at to be stamped on swap")
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("expected created_at to be preserved")
	}

	if err := repo.CompareAndSwap(ctx, processingRecord("evt_none"), processingRecord("evt_none")); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
}

func TestIdempotencyRepository_ConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Create(ctx, processingRecord("evt_race")); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		rec := processingRecord([]string{"evt_old", "evt_older", "evt_fresh"}[i])
		rec.ProcessedAt = now.Add(-age)
		if _, err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	removed, err := repo.DeleteExpired(ctx, now.Add(-24*time.Hour), 1)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed with limit, got %d", removed)
	}
	// Первым удаляется самая старая запись.
	if _, err := repo.Get(ctx, "evt_old"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected oldest record to be removed first, got %v", err)
	}

	removed, err = repo.DeleteExpired(ctx, now.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := repo.Get(ctx, "evt_fresh"); err != nil {
		t.Fatalf("expected fresh record to stay, got %v", err)
	}
}
