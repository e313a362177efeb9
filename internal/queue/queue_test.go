package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/render-automation/queue-core/internal/events"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

func newTestQueue(t *testing.T, cfg config.Queue) (*Queue, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	storeCfg := config.Store{Path: filepath.Join(dir, "test.db"), BusyTimeout: 5 * time.Second}
	db, err := store.OpenSQLite(storeCfg, nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	st := store.NewGormStore(db, "sqlite")
	bus := events.NewBus()
	return New(st, bus, nil, cfg), bus
}

func defaultTestQueueConfig() config.Queue {
	return config.Queue{
		MaxAttempts:          2,
		BackoffStrategy:      config.BackoffFixed,
		BaseDelay:            1 * time.Millisecond,
		MaxDelay:             10 * time.Millisecond,
		JobTimeout:           time.Second,
		StalledCheckInterval: time.Second,
		BatchSize:            10,
		Concurrency:          1,
		PollInterval:         10 * time.Millisecond,
	}
}

func TestReportFailureRetriesUntilAttemptsExhaustedThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, bus := newTestQueue(t, defaultTestQueueConfig())

	var deadLettered bool
	bus.Subscribe(events.JobDeadLetter, func(ev events.Event) { deadLettered = true })
	var retryCount int
	bus.Subscribe(events.JobRetrying, func(ev events.Event) { retryCount++ })

	job, err := q.Enqueue(ctx, "render", "render", values.Mapping(nil), EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.ClaimNext(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("claim next: job=%v err=%v", claimed, err)
	}
	if err := q.ReportFailure(ctx, claimed, errors.New("boom"), store.JobMetrics{}); err != nil {
		t.Fatalf("report failure 1: %v", err)
	}
	if retryCount != 1 {
		t.Fatalf("expected 1 retry event after first failure, got %d", retryCount)
	}

	claimed, err = q.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim next after retry scheduling: %v", err)
	}
	if claimed == nil {
		// Retry was scheduled slightly in the future; wait it out.
		time.Sleep(20 * time.Millisecond)
		claimed, err = q.ClaimNext(ctx, "worker-1")
		if err != nil || claimed == nil {
			t.Fatalf("expected to reclaim retried job: job=%v err=%v", claimed, err)
		}
	}
	if claimed.ID != job.ID {
		t.Fatalf("expected to reclaim the same job")
	}

	if err := q.ReportFailure(ctx, claimed, errors.New("boom again"), store.JobMetrics{}); err != nil {
		t.Fatalf("report failure 2: %v", err)
	}

	if !deadLettered {
		t.Fatalf("expected job to be dead-lettered after exhausting attempts")
	}

	reloaded, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != store.StatusDeadLetter {
		t.Fatalf("expected status dead_letter, got %s", reloaded.Status)
	}
}

func TestCancelPublishesEventOnlyWhenItTakesEffect(t *testing.T) {
	ctx := context.Background()
	q, bus := newTestQueue(t, defaultTestQueueConfig())

	var cancelled int
	bus.Subscribe(events.JobCancelled, func(ev events.Event) { cancelled++ })

	job, err := q.Enqueue(ctx, "render", "render", values.Mapping(nil), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := q.Cancel(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed on pending job: ok=%v err=%v", ok, err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled event, got %d", cancelled)
	}

	ok, err = q.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if ok {
		t.Fatalf("expected second cancel on already-cancelled job to be a no-op")
	}
	if cancelled != 1 {
		t.Fatalf("expected no additional cancelled event, got %d total", cancelled)
	}
}
