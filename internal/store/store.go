package store

import (
	"context"
	"time"

	"github.com/render-automation/queue-core/internal/values"
)

// EnqueueInput is everything a caller supplies to create one job
// (spec.md §6.2 enqueue).
type EnqueueInput struct {
	Queue          string
	Type           string
	Payload        values.Value
	Priority       Priority
	MaxAttempts    int
	IdempotencyKey string
	DelayMs        int64
	Steps          []string
	Tags           []string
}

// Store is the durable persistence contract the queue package depends on.
// Two implementations exist: the embedded SQLite-backed gormStore (default,
// OpenSQLite) and the Postgres-backed gormStore (OpenPostgres) — both built
// on the same gormStore type, differing only in how ClaimNext selects its
// candidate row.
type Store interface {
	Enqueue(ctx context.Context, in EnqueueInput) (job *Job, deduplicated bool, err error)
	EnqueueBatch(ctx context.Context, ins []EnqueueInput) (jobs []*Job, deduplicated []bool, err error)

	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	ClaimNext(ctx context.Context, workerID string, jobTimeout time.Duration) (*Job, error)
	// TouchHeartbeat records last_heartbeat_at only, conditional on the job
	// still being processing. The worker pool's automatic per-job
	// heartbeat uses this, never Heartbeat, so a hung handler's lease
	// still expires on schedule (spec.md §5).
	TouchHeartbeat(ctx context.Context, jobID string) error
	// Heartbeat extends a claimed job's lease: it bumps last_heartbeat_at
	// and pushes timeout_at forward by jobTimeout, conditional on the job
	// still being processing. Grounded on internal/repos/job_run.go's
	// Heartbeat. Only handler-initiated (handler.Context.Heartbeat) calls
	// should use this.
	Heartbeat(ctx context.Context, jobID string, jobTimeout time.Duration) error

	SaveSteps(ctx context.Context, jobID string, steps []StepRecord, stepState map[string]values.Value) error
	GetStepState(ctx context.Context, jobID string) (map[string]values.Value, error)

	CompleteJob(ctx context.Context, jobID string, metrics JobMetrics) error
	ScheduleRetry(ctx context.Context, jobID string, nextAt time.Time, lastErr string, metrics JobMetrics) error
	PromoteToDeadLetter(ctx context.Context, jobID string, finalErr string) (*DeadLetterJob, error)
	RetryDeadLetter(ctx context.Context, dlqID string) (*Job, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)

	ListStalled(ctx context.Context, now time.Time) ([]*Job, error)
	ListDeadLetter(ctx context.Context, queue string, limit int) ([]*DeadLetterJob, error)

	// ListQueueNames returns every distinct queue name with at least one job
	// row, for the periodic all-queues stats refresh (spec.md §4.2).
	ListQueueNames(ctx context.Context) ([]string, error)

	RecomputeStats(ctx context.Context, queue string) (*QueueStats, error)
	GetStats(ctx context.Context, queue string) (*QueueStats, error)
	GetAllStats(ctx context.Context) ([]*QueueStats, error)

	AppendMetricsHistory(ctx context.Context, h JobMetricsHistory) error

	ResetWorkerJobs(ctx context.Context, workerID string) (int, error)
	ResetStaleAcrossGenerations(ctx context.Context, olderThan time.Duration) (int, error)
}
