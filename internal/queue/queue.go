// Package queue is the durable work-queue core (spec.md §4.2): enqueue with
// idempotency dedup, claim-next leasing, retry/backoff, stalled-lease
// recovery, and dead-letter promotion, all layered over a store.Store.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/render-automation/queue-core/internal/events"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

// Queue wires a Store to the retry/backoff policy and the event bus. It is
// the only thing producers (Enqueue) and the worker pool (ClaimNext,
// ReportSuccess, ReportFailure) talk to.
type Queue struct {
	store store.Store
	bus   *events.Bus
	log   *logger.Logger
	cfg   config.Queue
}

// New builds a Queue over st, publishing to bus and logging via log.
func New(st store.Store, bus *events.Bus, log *logger.Logger, cfg config.Queue) *Queue {
	return &Queue{store: st, bus: bus, log: log, cfg: cfg}
}

// EnqueueOptions mirrors spec.md §6.2 enqueue's optional parameters.
type EnqueueOptions struct {
	Priority       store.Priority
	MaxAttempts    int
	IdempotencyKey string
	DelayMs        int64
	Steps          []string
	Tags           []string
}

// Enqueue creates one job on queueName. If opts.IdempotencyKey matches an
// existing job, that job is returned unchanged and a job:deduplicated event
// is published instead of job:created.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobType string, payload values.Value, opts EnqueueOptions) (*store.Job, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	in := store.EnqueueInput{
		Queue:          queueName,
		Type:           jobType,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: opts.IdempotencyKey,
		DelayMs:        opts.DelayMs,
		Steps:          opts.Steps,
		Tags:           opts.Tags,
	}
	job, deduped, err := q.store.Enqueue(ctx, in)
	if err != nil {
		return nil, err
	}
	if deduped {
		q.publish(events.JobDeduplicated, job)
	} else {
		q.publish(events.JobCreated, job)
	}
	return job, nil
}

// EnqueueBatch creates every job in one transaction and publishes a single
// job:batch_created event alongside the per-job created/deduplicated events.
func (q *Queue) EnqueueBatch(ctx context.Context, queueName, jobType string, payloads []values.Value, opts EnqueueOptions) ([]*store.Job, error) {
	ins := make([]store.EnqueueInput, 0, len(payloads))
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	for _, p := range payloads {
		ins = append(ins, store.EnqueueInput{
			Queue:          queueName,
			Type:           jobType,
			Payload:        p,
			Priority:       opts.Priority,
			MaxAttempts:    maxAttempts,
			IdempotencyKey: opts.IdempotencyKey,
			DelayMs:        opts.DelayMs,
			Steps:          opts.Steps,
			Tags:           opts.Tags,
		})
	}
	jobs, deduped, err := q.store.EnqueueBatch(ctx, ins)
	if err != nil {
		return nil, err
	}
	for i, job := range jobs {
		if deduped[i] {
			q.publish(events.JobDeduplicated, job)
		} else {
			q.publish(events.JobCreated, job)
		}
	}
	q.bus.Publish(events.Event{Name: events.JobBatchCreated, Queue: queueName, Payload: map[string]interface{}{"count": len(jobs)}})
	return jobs, nil
}

// ClaimNext leases the next runnable job for workerID, honoring the
// configured job_timeout_ms.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*store.Job, error) {
	job, err := q.store.ClaimNext(ctx, workerID, q.cfg.JobTimeout)
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.publish(events.JobStarted, job)
	}
	return job, nil
}

// GetJob returns one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return q.store.GetJob(ctx, id)
}

// GetJobByIdempotencyKey returns one job by its idempotency key.
func (q *Queue) GetJobByIdempotencyKey(ctx context.Context, key string) (*store.Job, error) {
	return q.store.GetJobByIdempotencyKey(ctx, key)
}

// Cancel cancels a pending/scheduled job. It returns false (no error) if the
// job is already processing or terminal — cancellation never interrupts an
// in-flight handler (spec.md §5).
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		q.bus.Publish(events.Event{Name: events.JobCancelled, JobID: jobID})
	}
	return ok, nil
}

// ReportSuccess marks job completed and records its metrics history.
func (q *Queue) ReportSuccess(ctx context.Context, job *store.Job, metrics store.JobMetrics) error {
	if err := q.store.CompleteJob(ctx, job.ID, metrics); err != nil {
		return err
	}
	q.recordHistory(ctx, job, metrics, "completed")
	q.publish(events.JobCompleted, job)
	return nil
}

// ReportFailure handles one failed attempt: if attempts have been exhausted,
// the job is promoted to the dead-letter queue; otherwise it is rescheduled
// after delay(strategy, attempt).
func (q *Queue) ReportFailure(ctx context.Context, job *store.Job, cause error, metrics store.JobMetrics) error {
	metrics.RetryCount = job.Attempts
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		if _, err := q.store.PromoteToDeadLetter(ctx, job.ID, errMsg); err != nil {
			return err
		}
		q.recordHistory(ctx, job, metrics, "dead_letter")
		q.publish(events.JobDeadLetter, job)
		return nil
	}

	wait := delay(q.cfg.BackoffStrategy, q.cfg.BaseDelay, q.cfg.MaxDelay, job.Attempts)
	nextAt := time.Now().UTC().Add(wait)
	if err := q.store.ScheduleRetry(ctx, job.ID, nextAt, errMsg, metrics); err != nil {
		return err
	}
	q.recordHistory(ctx, job, metrics, "retrying")
	q.bus.Publish(events.Event{
		Name:  events.JobRetrying,
		JobID: job.ID,
		Queue: job.Queue,
		Payload: map[string]interface{}{
			"attempt":     job.Attempts,
			"max_attempts": job.MaxAttempts,
			"next_at":     nextAt,
			"error":       errMsg,
		},
	})
	return nil
}

// RecoverStalled scans for processing jobs whose lease has expired and
// routes each one through ReportFailure as if its handler had errored with a
// timeout — the same retry/DLQ policy applies to a stalled lease as to an
// explicit failure (spec.md §4.2 "stalled-lease timeout").
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stalled, err := q.store.ListStalled(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, job := range stalled {
		q.publish(events.JobStalled, job)
		if err := q.ReportFailure(ctx, job, fmt.Errorf("job lease expired (worker %s did not complete within timeout)", valueOr(job.WorkerID, "unknown")), store.JobMetrics{}); err != nil {
			if q.log != nil {
				q.log.Error("failed to recover stalled job", "job_id", job.ID, "error", err)
			}
		}
	}
	return len(stalled), nil
}

// GetStalledJobsCount reports how many processing jobs currently have an
// expired lease, without running the recovery pass that RecoverStalled does.
func (q *Queue) GetStalledJobsCount(ctx context.Context) (int, error) {
	stalled, err := q.store.ListStalled(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(stalled), nil
}

// GetDeadLetterJobs lists dead-letter records, optionally filtered by queue.
func (q *Queue) GetDeadLetterJobs(ctx context.Context, queueName string, limit int) ([]*store.DeadLetterJob, error) {
	return q.store.ListDeadLetter(ctx, queueName, limit)
}

// RetryDeadLetter re-enqueues a dead-letter record as a fresh job.
func (q *Queue) RetryDeadLetter(ctx context.Context, dlqID string) (*store.Job, error) {
	job, err := q.store.RetryDeadLetter(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	q.publish(events.JobCreated, job)
	return job, nil
}

// GetQueueStats returns the cached stats row for queueName, recomputing it
// if none exists yet.
func (q *Queue) GetQueueStats(ctx context.Context, queueName string) (*store.QueueStats, error) {
	return q.store.GetStats(ctx, queueName)
}

// GetAllQueueStats returns every stored stats snapshot row. A queue appears
// only once its snapshot has been computed (RefreshStats, GetQueueStats, or
// StartStatsRefreshLoop).
func (q *Queue) GetAllQueueStats(ctx context.Context) ([]*store.QueueStats, error) {
	return q.store.GetAllStats(ctx)
}

// RefreshStats recomputes the stats snapshot for queueName.
func (q *Queue) RefreshStats(ctx context.Context, queueName string) (*store.QueueStats, error) {
	return q.store.RecomputeStats(ctx, queueName)
}

// UpdateStepState writes one step_state key for jobID, for collaborators
// (e.g. the automation runner) that need to update a job's progress outside
// of a running Handler.Run call.
func (q *Queue) UpdateStepState(ctx context.Context, jobID, key string, v values.Value) error {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	steps, err := job.DecodeSteps()
	if err != nil {
		return err
	}
	state, err := job.DecodeStepState()
	if err != nil {
		return err
	}
	state[key] = v
	return q.store.SaveSteps(ctx, jobID, steps, state)
}

// GetStepState reads jobID's full step_state map.
func (q *Queue) GetStepState(ctx context.Context, jobID string) (map[string]values.Value, error) {
	return q.store.GetStepState(ctx, jobID)
}

// On subscribes fn to every event named name, the Queue-level equivalent of
// spec.md §6.2's subscribe/on(event_name, listener).
func (q *Queue) On(name events.Name, fn events.Listener) {
	q.bus.Subscribe(name, fn)
}

// StartStatsRefreshLoop recomputes every known queue's stats snapshot once
// per interval until ctx is cancelled (spec.md §4.2: "every 60s, recompute
// per-queue stats"). Callers typically run this as its own goroutine.
func (q *Queue) StartStatsRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			names, err := q.store.ListQueueNames(ctx)
			if err != nil {
				if q.log != nil {
					q.log.Error("stats refresh: failed to list queue names", "error", err)
				}
				continue
			}
			for _, name := range names {
				if _, err := q.store.RecomputeStats(ctx, name); err != nil && q.log != nil {
					q.log.Error("stats refresh failed", "queue", name, "error", err)
				}
			}
		}
	}
}

// Store exposes the underlying Store for callers that need direct access
// (crash-recovery at worker startup, handler contexts, and the worker
// pool's background heartbeat).
func (q *Queue) Store() store.Store { return q.store }

// Bus exposes the event bus for subscribers.
func (q *Queue) Bus() *events.Bus { return q.bus }

// Config exposes the queue's resolved configuration.
func (q *Queue) Config() config.Queue { return q.cfg }

func (q *Queue) publish(name events.Name, job *store.Job) {
	q.bus.Publish(events.Event{Name: name, JobID: job.ID, Queue: job.Queue})
}

func (q *Queue) recordHistory(ctx context.Context, job *store.Job, metrics store.JobMetrics, outcome string) {
	if err := q.store.AppendMetricsHistory(ctx, store.JobMetricsHistory{
		JobID:        job.ID,
		Queue:        job.Queue,
		WaitMs:       metrics.WaitMs,
		ProcessingMs: metrics.ProcessingMs,
		TotalMs:      metrics.TotalMs,
		Attempts:     job.Attempts,
		Outcome:      outcome,
	}); err != nil && q.log != nil {
		q.log.Warn("failed to append metrics history", "job_id", job.ID, "error", err)
	}
}

func valueOr(p *string, fallback string) string {
	if p == nil || *p == "" {
		return fallback
	}
	return *p
}
