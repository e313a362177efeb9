package worker

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/render-automation/queue-core/internal/events"
	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/queue"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

type countingHandler struct {
	jobType string
	calls   int32
	panics  int32 // number of leading calls that panic before succeeding
}

func (h *countingHandler) Type() string { return h.jobType }

func (h *countingHandler) Run(ctx *handler.Context, stepName string) error {
	n := atomic.AddInt32(&h.calls, 1)
	if n <= h.panics {
		panic("simulated handler panic")
	}
	return ctx.SetStepState("ran", values.Bool(true))
}

// blockingHandler never returns until release is closed, simulating a hung
// handler whose process is still alive (and still being heartbeated) but
// whose step never completes.
type blockingHandler struct {
	jobType string
	release chan struct{}
}

func (h *blockingHandler) Type() string { return h.jobType }

func (h *blockingHandler) Run(ctx *handler.Context, stepName string) error {
	<-h.release
	return nil
}

func newTestPool(t *testing.T, cfg config.Queue, h handler.Handler) (*Pool, *queue.Queue, store.Store, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenSQLite(config.Store{Path: filepath.Join(dir, "t.db"), BusyTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.NewGormStore(db, "sqlite")
	bus := events.NewBus()
	q := queue.New(st, bus, nil, cfg)
	reg := handler.NewRegistry()
	reg.Register(h)
	pool := New(q, reg, nil, cfg, "worker-test")
	return pool, q, st, bus
}

func fastPoolConfig() config.Queue {
	return config.Queue{
		MaxAttempts:          2,
		BackoffStrategy:      config.BackoffFixed,
		BaseDelay:            1 * time.Millisecond,
		MaxDelay:             5 * time.Millisecond,
		JobTimeout:           200 * time.Millisecond,
		StalledCheckInterval: 20 * time.Millisecond,
		BatchSize:            5,
		Concurrency:          2,
		PollInterval:         5 * time.Millisecond,
	}
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want store.JobStatus, timeout time.Duration) *store.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s within %s", jobID, want, timeout)
	return nil
}

func TestPoolProcessesJobToCompletion(t *testing.T) {
	h := &countingHandler{jobType: "widget"}
	pool, q, st, _ := newTestPool(t, fastPoolConfig(), h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, "widgets", "widget", values.Mapping(nil), queue.EnqueueOptions{Steps: []string{"run"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForStatus(t, st, job.ID, store.StatusCompleted, time.Second)
	if atomic.LoadInt32(&h.calls) != 1 {
		t.Fatalf("expected handler to be called exactly once, got %d", h.calls)
	}
}

func TestPoolRecoversFromHandlerPanicAndRetries(t *testing.T) {
	h := &countingHandler{jobType: "widget", panics: 1}
	pool, q, st, bus := newTestPool(t, fastPoolConfig(), h)

	var retried int32
	bus.Subscribe(events.JobRetrying, func(ev events.Event) { atomic.AddInt32(&retried, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, "widgets", "widget", values.Mapping(nil), queue.EnqueueOptions{Steps: []string{"run"}, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForStatus(t, st, job.ID, store.StatusCompleted, 2*time.Second)
	if atomic.LoadInt32(&retried) < 1 {
		t.Fatalf("expected at least one retry event after the panic, got %d", retried)
	}
}

// TestAutomaticHeartbeatDoesNotPreventStalledRecovery proves the fix for the
// heartbeat/lease conflation: a handler that hangs well past JobTimeout must
// still show up as stalled, even though the pool's automatic per-job
// heartbeat keeps ticking the whole time. Mirrors spec.md's concrete
// scenario 4 (stalled recovery despite a live, heartbeating worker process).
func TestAutomaticHeartbeatDoesNotPreventStalledRecovery(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &blockingHandler{jobType: "widget", release: release}

	cfg := config.Queue{
		MaxAttempts:          2,
		BackoffStrategy:      config.BackoffFixed,
		BaseDelay:            1 * time.Millisecond,
		MaxDelay:             5 * time.Millisecond,
		JobTimeout:           60 * time.Millisecond,
		StalledCheckInterval: 20 * time.Millisecond,
		BatchSize:            5,
		Concurrency:          1,
		PollInterval:         5 * time.Millisecond,
	}
	pool, q, _, _ := newTestPool(t, cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	_, err := q.Enqueue(ctx, "widgets", "widget", values.Mapping(nil), queue.EnqueueOptions{Steps: []string{"run"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Let the lease expire and several automatic heartbeat ticks
	// (JobTimeout/3 ≈ 20ms) fire while the handler is still blocked.
	deadline := time.Now().Add(time.Second)
	for {
		count, err := q.GetStalledJobsCount(ctx)
		if err != nil {
			t.Fatalf("get stalled jobs count: %v", err)
		}
		if count > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the job's lease to expire despite automatic heartbeats, but it never went stalled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestCompletedJobMetricsCarryForwardRetryCount exercises spec.md's concrete
// scenario 2: a job that fails twice before succeeding must report its
// accumulated retry count on the success metrics, not zero.
func TestCompletedJobMetricsCarryForwardRetryCount(t *testing.T) {
	h := &countingHandler{jobType: "widget", panics: 2}
	pool, q, st, _ := newTestPool(t, fastPoolConfig(), h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, "widgets", "widget", values.Mapping(nil), queue.EnqueueOptions{Steps: []string{"run"}, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	completed := waitForStatus(t, st, job.ID, store.StatusCompleted, 2*time.Second)
	metrics, err := completed.DecodeMetrics()
	if err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	// panics:2 means the handler fails on attempts 1 and 2 before
	// succeeding on attempt 3, so job.Attempts == 3 at success time.
	if metrics.RetryCount != 3 {
		t.Fatalf("expected completed job metrics.retry_count == 3, got %d", metrics.RetryCount)
	}
}

func TestPoolStartupRecoveryResetsJobsOwnedByThisWorkerID(t *testing.T) {
	h := &countingHandler{jobType: "widget"}
	cfg := fastPoolConfig()
	dir := t.TempDir()
	db, err := store.OpenSQLite(config.Store{Path: filepath.Join(dir, "t.db"), BusyTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.NewGormStore(db, "sqlite")
	bus := events.NewBus()
	q := queue.New(st, bus, nil, cfg)
	reg := handler.NewRegistry()
	reg.Register(h)

	ctx := context.Background()
	job, err := q.Enqueue(ctx, "widgets", "widget", values.Mapping(nil), queue.EnqueueOptions{Steps: []string{"run"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, "worker-stale")
	if err != nil || claimed == nil {
		t.Fatalf("claim next: job=%v err=%v", claimed, err)
	}
	if claimed.Status != store.StatusProcessing {
		t.Fatalf("expected claimed job to be processing, got %s", claimed.Status)
	}

	pool := New(q, reg, nil, cfg, "worker-stale")
	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	go func() { _ = pool.Run(runCtx) }()

	waitForStatus(t, st, job.ID, store.StatusCompleted, time.Second)
}
