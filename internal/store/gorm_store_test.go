package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/values"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Store{
		Path:          filepath.Join(dir, "test.db"),
		BusyTimeout:   5 * time.Second,
		CachePages:    -2000,
		MmapSizeBytes: 0,
	}
	db, err := OpenSQLite(cfg, nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return NewGormStore(db, "sqlite")
}

func TestEnqueueDedupsOnIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := EnqueueInput{Queue: "render", Type: "render", Payload: values.Mapping(nil), IdempotencyKey: "k1"}

	first, deduped, err := s.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if deduped {
		t.Fatalf("expected first enqueue to not be deduplicated")
	}

	second, deduped, err := s.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if !deduped {
		t.Fatalf("expected second enqueue with same idempotency key to be deduplicated")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job id, got %s and %s", first.ID, second.ID)
	}
}

func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "render", Type: "render", Payload: values.Mapping(nil)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, "worker", 30*time.Second)
			if err != nil {
				t.Errorf("claim next: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected exactly 1 worker to claim the single job, got %d", claimed)
	}
}

func TestClaimNextPrefersHigherPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "q", Type: "t", Payload: values.Mapping(nil), Priority: PriorityLow})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	_ = low
	urgent, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "q", Type: "t", Payload: values.Mapping(nil), Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}

	job, err := s.ClaimNext(ctx, "worker", 30*time.Second)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if job == nil || job.ID != urgent.ID {
		t.Fatalf("expected urgent job claimed first, got %#v", job)
	}
}

func TestCancelOnlyAffectsPendingOrScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "q", Type: "t", Payload: values.Mapping(nil)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimNext(ctx, "worker", 30*time.Second)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim the enqueued job")
	}

	ok, err := s.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatalf("expected cancel to fail once job is processing")
	}
}

func TestPromoteToDeadLetterCreatesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "q", Type: "t", Payload: values.Mapping(nil), MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "worker", 30*time.Second); err != nil {
		t.Fatalf("claim next: %v", err)
	}

	dlq, err := s.PromoteToDeadLetter(ctx, job.ID, "boom")
	if err != nil {
		t.Fatalf("promote to dead letter: %v", err)
	}
	if dlq.OriginalJobID != job.ID {
		t.Fatalf("expected dlq record to reference original job id")
	}

	reloaded, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != StatusDeadLetter {
		t.Fatalf("expected job status dead_letter, got %s", reloaded.Status)
	}
}

func TestListQueueNamesAndRecomputeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "render", Type: "render", Payload: values.Mapping(nil)}); err != nil {
		t.Fatalf("enqueue render: %v", err)
	}
	if _, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "notify", Type: "notify", Payload: values.Mapping(nil)}); err != nil {
		t.Fatalf("enqueue notify: %v", err)
	}

	names, err := s.ListQueueNames(ctx)
	if err != nil {
		t.Fatalf("list queue names: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 distinct queue names, got %v", names)
	}

	stats, err := s.RecomputeStats(ctx, "render")
	if err != nil {
		t.Fatalf("recompute stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending job in render queue stats, got %d", stats.Pending)
	}
}

func TestHeartbeatExtendsLeaseOnlyWhileProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.Enqueue(ctx, EnqueueInput{Queue: "q", Type: "t", Payload: values.Mapping(nil)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.Heartbeat(ctx, job.ID, 30*time.Second); err == nil {
		t.Fatalf("expected heartbeat on a pending (not yet claimed) job to fail")
	}

	claimed, err := s.ClaimNext(ctx, "worker", 30*time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim next: job=%v err=%v", claimed, err)
	}
	firstTimeout := claimed.TimeoutAt

	time.Sleep(5 * time.Millisecond)
	if err := s.Heartbeat(ctx, job.ID, 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	reloaded, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.TimeoutAt == nil || firstTimeout == nil || !reloaded.TimeoutAt.After(*firstTimeout) {
		t.Fatalf("expected heartbeat to push timeout_at forward")
	}
}
