package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCleanupWorker_RunOnce(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sweeper := &stubSweeper{results: []int{7}}
	worker := NewCleanupWorker(sweeper, WithCleanupClock(func() time.Time { return fixed }))

	if deleted := worker.RunOnce(context.Background()); deleted != 7 {
		t.Fatalf("unexpected deleted total: got=%d want=7", deleted)
	}
	if got := sweeper.lastNow(); !got.Equal(fixed) {
		t.Fatalf("expected sweep at %v, got %v", fixed, got)
	}
}

func TestCleanupWorker_RunOnce_Error(t *testing.T) {
	t.Parallel()

	sweeper := &stubSweeper{errs: []error{errors.New("boom")}}
	worker := NewCleanupWorker(sweeper)

	if deleted := worker.RunOnce(context.Background()); deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
	if sweeper.calls() != 1 {
		t.Fatalf("expected one sweep call, got %d", sweeper.calls())
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	sweeper := &stubSweeper{}
	worker := NewCleanupWorker(sweeper, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if sweeper.calls() < 2 {
		t.Fatalf("expected initial and periodic sweeps, got %d", sweeper.calls())
	}
}

func TestCleanupWorker_NilSweeper(t *testing.T) {
	t.Parallel()

	worker := NewCleanupWorker(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without sweeper must return immediately")
	}
}

type stubSweeper struct {
	mu sync.Mutex

	results   []int
	errs      []error
	callCount int
	last      time.Time
}

func (s *stubSweeper) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.last = now

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

func (s *stubSweeper) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubSweeper) lastNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
