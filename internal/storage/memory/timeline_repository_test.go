package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/storage/memory"
)

func TestTimelineRepository_AppendSorted(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Now().UTC()

	events := []domain.TimelineEvent{
		{OrderID: "ord_1", EventID: "evt_2", Type: domain.TimelinePaymentCaptured, PaymentStatus: domain.PaymentStatusCaptured, Occurred: base.Add(2 * time.Second)},
		{OrderID: "ord_1", EventID: "evt_1", Type: domain.TimelinePaymentFailed, PaymentStatus: domain.PaymentStatusFailed, Occurred: base},
		{OrderID: "ord_2", EventID: "evt_3", Type: domain.TimelinePaymentCanceled, Occurred: base},
	}
	for _, evt := range events {
		if err := repo.Append(ctx, evt); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := repo.List(ctx, "ord_1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 || got[0].Type != domain.TimelinePaymentFailed || got[1].PaymentStatus != domain.PaymentStatusCaptured {
		t.Fatalf("expected chronological order, got %+v", got)
	}

	empty, err := repo.List(ctx, "ord_none")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v %v", empty, err)
	}
}

func TestTimelineRepository_Validation(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()

	if err := repo.Append(ctx, domain.TimelineEvent{Type: domain.TimelinePaymentCaptured}); !errors.Is(err, domain.ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}
	if err := repo.Append(ctx, domain.TimelineEvent{OrderID: "ord_1", Type: "payment.refunded"}); !errors.Is(err, domain.ErrTimelineEventInvalid) {
		t.Fatalf("expected ErrTimelineEventInvalid, got %v", err)
	}
}

func TestTimelineRepository_SameDeliveryRecordedOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Now().UTC()

	captured := domain.TimelineEvent{OrderID: "ord_1", EventID: "evt_1", Type: domain.TimelinePaymentCaptured, Occurred: base}
	for i := 0; i < 2; i++ {
		if err := repo.Append(ctx, captured); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	// Записи без event_id не сворачиваются.
	manual := domain.TimelineEvent{OrderID: "ord_1", Type: domain.TimelineTransitionSkipped, Occurred: base.Add(time.Second)}
	for i := 0; i < 2; i++ {
		if err := repo.Append(ctx, manual); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := repo.List(ctx, "ord_1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected redelivery to be recorded once, got %+v", got)
	}
}
