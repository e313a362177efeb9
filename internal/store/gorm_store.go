package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/render-automation/queue-core/internal/values"
)

// gormStore implements Store over a *gorm.DB. Behavior is identical across
// SQLite and Postgres except for how ClaimNext picks its candidate row: on
// Postgres, many worker processes contend for the same table, so the
// candidate SELECT takes `FOR UPDATE SKIP LOCKED` (grounded on
// internal/repos/coursegenerationrun.go ClaimNextRunnable); on SQLite a
// single file accepts one writer transaction at a time, so ordinary
// row-locking has no meaning and is skipped — the surrounding transaction
// already serializes writers.
type gormStore struct {
	db      *gorm.DB
	dialect string
}

// NewGormStore wraps an opened *gorm.DB (see OpenSQLite/OpenPostgres) as a
// Store. dialect is "sqlite" or "postgres".
func NewGormStore(db *gorm.DB, dialect string) Store {
	return &gormStore{db: db, dialect: dialect}
}

func (s *gormStore) Enqueue(ctx context.Context, in EnqueueInput) (*Job, bool, error) {
	if in.Queue == "" {
		return nil, false, &ValidationError{Field: "queue", Reason: "must not be empty"}
	}
	if in.Type == "" {
		return nil, false, &ValidationError{Field: "type", Reason: "must not be empty"}
	}

	if in.IdempotencyKey != "" {
		existing, err := s.GetJobByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, false, &StoreError{Op: "enqueue: check idempotency key", Err: err}
		}
	}

	now := nowUTC(ctx)
	scheduledAt := now
	status := StatusPending
	if in.DelayMs > 0 {
		scheduledAt = now.Add(time.Duration(in.DelayMs) * time.Millisecond)
		status = StatusScheduled
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	job := &Job{
		ID:          NewJobID(),
		Queue:       in.Queue,
		Type:        in.Type,
		Status:      status,
		Priority:    NormalizePriority(in.Priority),
		Attempts:    0,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		job.IdempotencyKey = &key
	}
	payloadJSON, err := in.Payload.MarshalJSON()
	if err != nil {
		return nil, false, &StoreError{Op: "enqueue: marshal payload", Err: err}
	}
	job.Payload = payloadJSON

	steps := make([]StepRecord, 0, len(in.Steps))
	for _, name := range in.Steps {
		steps = append(steps, StepRecord{Name: name, Status: StepPending})
	}
	if err := job.EncodeSteps(steps); err != nil {
		return nil, false, &StoreError{Op: "enqueue: encode steps", Err: err}
	}
	if err := job.EncodeStepState(map[string]values.Value{}); err != nil {
		return nil, false, &StoreError{Op: "enqueue: encode step state", Err: err}
	}
	if err := job.EncodeMetrics(JobMetrics{}); err != nil {
		return nil, false, &StoreError{Op: "enqueue: encode metrics", Err: err}
	}
	if err := job.EncodeTags(in.Tags); err != nil {
		return nil, false, &StoreError{Op: "enqueue: encode tags", Err: err}
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		// A racing duplicate insert on the same idempotency key loses the
		// unique-index race; the winner's row is what we return.
		if in.IdempotencyKey != "" {
			if existing, gerr := s.GetJobByIdempotencyKey(ctx, in.IdempotencyKey); gerr == nil {
				return existing, true, nil
			}
		}
		return nil, false, &StoreError{Op: "enqueue: insert", Err: err}
	}
	return job, false, nil
}

func (s *gormStore) EnqueueBatch(ctx context.Context, ins []EnqueueInput) ([]*Job, []bool, error) {
	jobs := make([]*Job, 0, len(ins))
	deduped := make([]bool, 0, len(ins))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := &gormStore{db: tx, dialect: s.dialect}
		for _, in := range ins {
			job, d, err := scoped.Enqueue(ctx, in)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			deduped = append(deduped, d)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, deduped, nil
}

func (s *gormStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "job", ID: id}
		}
		return nil, &StoreError{Op: "get job", Err: err}
	}
	return &job, nil
}

func (s *gormStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "idempotency_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "job", ID: key}
		}
		return nil, &StoreError{Op: "get job by idempotency key", Err: err}
	}
	return &job, nil
}

// ClaimNext implements spec.md §6.2 claim_next: pick the oldest runnable job
// (urgent > high > normal > low, then scheduled_at, then created_at) and, in
// the same atomic step, set status=processing/worker_id/started_at/timeout_at
// conditional on the row still being in a claimable state. If the conditional
// update affects zero rows (another worker won the race), it returns
// (nil, nil) rather than retrying against a different row.
func (s *gormStore) ClaimNext(ctx context.Context, workerID string, jobTimeout time.Duration) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidateID, err := s.selectCandidate(tx, ctx)
		if err != nil {
			return err
		}
		if candidateID == "" {
			return nil
		}

		now := nowUTC(ctx)
		timeoutAt := now.Add(jobTimeout)
		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", candidateID, []JobStatus{StatusPending, StatusScheduled}).
			Updates(map[string]interface{}{
				"status":            StatusProcessing,
				"worker_id":         workerID,
				"started_at":        now,
				"timeout_at":        timeoutAt,
				"last_heartbeat_at": now,
				"attempts":          gorm.Expr("attempts + 1"),
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimer; do not retry with a
			// different row this call.
			return nil
		}
		var job Job
		if err := tx.First(&job, "id = ?", candidateID).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "claim next", Err: err}
	}
	return claimed, nil
}

// selectCandidate picks the single highest-priority, oldest runnable job id
// within tx. On Postgres it locks the row FOR UPDATE SKIP LOCKED so
// concurrent claimers fan out across distinct candidates instead of queueing
// behind each other; on SQLite the surrounding write transaction already
// serializes all callers, so a plain SELECT is sufficient and SKIP LOCKED
// has no SQLite equivalent.
func (s *gormStore) selectCandidate(tx *gorm.DB, ctx context.Context) (string, error) {
	now := nowUTC(ctx)
	q := tx.Model(&Job{}).
		Select("id").
		Where("status IN ? AND scheduled_at <= ?", []JobStatus{StatusPending, StatusScheduled}, now).
		Order("CASE priority " +
			"WHEN 'urgent' THEN 0 " +
			"WHEN 'high' THEN 1 " +
			"WHEN 'normal' THEN 2 " +
			"WHEN 'low' THEN 3 " +
			"ELSE 2 END ASC").
		Order("scheduled_at ASC").
		Order("created_at ASC").
		Limit(1)

	if s.dialect == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var id string
	row := q.Limit(1).Row()
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || err.Error() == "sql: no rows in result set" {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// TouchHeartbeat records that jobID's worker is still alive, without
// extending its lease. This is what the worker pool's automatic background
// heartbeat calls for every claimed job — it must never push timeout_at
// forward, or a hung handler's lease would never expire and
// RecoverStalled would never see it (spec.md §5 stalled-lease timeout).
func (s *gormStore) TouchHeartbeat(ctx context.Context, jobID string) error {
	now := nowUTC(ctx)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusProcessing).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return &StoreError{Op: "touch heartbeat", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "job", ID: jobID}
	}
	return nil
}

// Heartbeat extends jobID's lease by jobTimeout in addition to recording
// liveness. Only a handler that explicitly opts in via
// handler.Context.Heartbeat should call this — the worker pool's own
// background heartbeat must not, since that would make a stalled lease
// unrecoverable for as long as the worker process stays up.
func (s *gormStore) Heartbeat(ctx context.Context, jobID string, jobTimeout time.Duration) error {
	now := nowUTC(ctx)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusProcessing).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"timeout_at":        now.Add(jobTimeout),
			"updated_at":        now,
		})
	if res.Error != nil {
		return &StoreError{Op: "heartbeat", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "job", ID: jobID}
	}
	return nil
}

func (s *gormStore) SaveSteps(ctx context.Context, jobID string, steps []StepRecord, stepState map[string]values.Value) error {
	job := &Job{}
	if err := job.EncodeSteps(steps); err != nil {
		return &StoreError{Op: "save steps: encode steps", Err: err}
	}
	if err := job.EncodeStepState(stepState); err != nil {
		return &StoreError{Op: "save steps: encode step state", Err: err}
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"steps":      job.Steps,
			"step_state": job.StepState,
			"updated_at": nowUTC(ctx),
		})
	if res.Error != nil {
		return &StoreError{Op: "save steps", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "job", ID: jobID}
	}
	return nil
}

func (s *gormStore) GetStepState(ctx context.Context, jobID string) (map[string]values.Value, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.DecodeStepState()
}

func (s *gormStore) CompleteJob(ctx context.Context, jobID string, metrics JobMetrics) error {
	job := &Job{}
	if err := job.EncodeMetrics(metrics); err != nil {
		return &StoreError{Op: "complete job: encode metrics", Err: err}
	}
	now := nowUTC(ctx)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusProcessing).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"completed_at": now,
			"metrics":      job.Metrics,
			"worker_id":    nil,
			"timeout_at":   nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return &StoreError{Op: "complete job", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "job", ID: jobID}
	}
	return nil
}

func (s *gormStore) ScheduleRetry(ctx context.Context, jobID string, nextAt time.Time, lastErr string, metrics JobMetrics) error {
	job := &Job{}
	if err := job.EncodeMetrics(metrics); err != nil {
		return &StoreError{Op: "schedule retry: encode metrics", Err: err}
	}
	now := nowUTC(ctx)
	errCopy := lastErr
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusProcessing).
		Updates(map[string]interface{}{
			"status":       StatusScheduled,
			"scheduled_at": nextAt,
			"error":        &errCopy,
			"metrics":      job.Metrics,
			"worker_id":    nil,
			"timeout_at":   nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return &StoreError{Op: "schedule retry", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "job", ID: jobID}
	}
	return nil
}

func (s *gormStore) PromoteToDeadLetter(ctx context.Context, jobID string, finalErr string) (*DeadLetterJob, error) {
	var dlq *DeadLetterJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Entity: "job", ID: jobID}
			}
			return err
		}

		now := nowUTC(ctx)
		errCopy := finalErr
		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", jobID, []JobStatus{StatusProcessing, StatusScheduled}).
			Updates(map[string]interface{}{
				"status":       StatusDeadLetter,
				"error":        &errCopy,
				"worker_id":    nil,
				"timeout_at":   nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &NotFoundError{Entity: "job", ID: jobID}
		}

		record := &DeadLetterJob{
			ID:            NewDeadLetterID(),
			OriginalJobID: job.ID,
			Queue:         job.Queue,
			Type:          job.Type,
			Payload:       job.Payload,
			FinalError:    finalErr,
			Attempts:      job.Attempts,
			StepState:     job.StepState,
			Metrics:       job.Metrics,
			Tags:          job.Tags,
			MovedAt:       now,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		dlq = record
		return nil
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, &StoreError{Op: "promote to dead letter", Err: err}
	}
	return dlq, nil
}

func (s *gormStore) RetryDeadLetter(ctx context.Context, dlqID string) (*Job, error) {
	var record DeadLetterJob
	if err := s.db.WithContext(ctx).First(&record, "id = ?", dlqID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "dead_letter_job", ID: dlqID}
		}
		return nil, &StoreError{Op: "retry dead letter: lookup", Err: err}
	}

	now := nowUTC(ctx)
	job := &Job{
		ID:          NewJobID(),
		Queue:       record.Queue,
		Type:        record.Type,
		Payload:     record.Payload,
		Status:      StatusPending,
		Priority:    PriorityNormal,
		Attempts:    0,
		MaxAttempts: 3,
		StepState:   record.StepState,
		Tags:        record.Tags,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := job.EncodeMetrics(JobMetrics{}); err != nil {
		return nil, &StoreError{Op: "retry dead letter: encode metrics", Err: err}
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, &StoreError{Op: "retry dead letter: insert", Err: err}
	}
	return job, nil
}

func (s *gormStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{StatusPending, StatusScheduled}).
		Updates(map[string]interface{}{
			"status":     StatusCancelled,
			"updated_at": nowUTC(ctx),
		})
	if res.Error != nil {
		return false, &StoreError{Op: "cancel job", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) ListStalled(ctx context.Context, now time.Time) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at IS NOT NULL AND timeout_at < ?", StatusProcessing, now).
		Order("timeout_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, &StoreError{Op: "list stalled", Err: err}
	}
	return jobs, nil
}

func (s *gormStore) ListDeadLetter(ctx context.Context, queue string, limit int) ([]*DeadLetterJob, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("moved_at DESC").Limit(limit)
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	var records []*DeadLetterJob
	if err := q.Find(&records).Error; err != nil {
		return nil, &StoreError{Op: "list dead letter", Err: err}
	}
	return records, nil
}

func (s *gormStore) ListQueueNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Distinct().
		Order("queue ASC").
		Pluck("queue", &names).Error; err != nil {
		return nil, &StoreError{Op: "list queue names", Err: err}
	}
	return names, nil
}

func (s *gormStore) RecomputeStats(ctx context.Context, queue string) (*QueueStats, error) {
	type row struct {
		Status JobStatus
		Count  int
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as count").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, &StoreError{Op: "recompute stats: counts", Err: err}
	}

	stats := &QueueStats{Queue: queue, UpdatedAt: nowUTC(ctx)}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Pending = r.Count
		case StatusScheduled:
			stats.Scheduled = r.Count
		case StatusProcessing:
			stats.Processing = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		case StatusDeadLetter:
			stats.DeadLetter = r.Count
		}
	}

	var avg struct {
		AvgWait       float64
		AvgProcessing float64
	}
	if err := s.db.WithContext(ctx).Model(&JobMetricsHistory{}).
		Select("coalesce(avg(wait_ms), 0) as avg_wait, coalesce(avg(processing_ms), 0) as avg_processing").
		Where("queue = ?", queue).
		Scan(&avg).Error; err != nil {
		return nil, &StoreError{Op: "recompute stats: averages", Err: err}
	}
	stats.AvgWaitMs = avg.AvgWait
	stats.AvgProcessingMs = avg.AvgProcessing

	if err := s.db.WithContext(ctx).Save(stats).Error; err != nil {
		return nil, &StoreError{Op: "recompute stats: save", Err: err}
	}
	return stats, nil
}

func (s *gormStore) GetStats(ctx context.Context, queue string) (*QueueStats, error) {
	var stats QueueStats
	if err := s.db.WithContext(ctx).First(&stats, "queue = ?", queue).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.RecomputeStats(ctx, queue)
		}
		return nil, &StoreError{Op: "get stats", Err: err}
	}
	return &stats, nil
}

func (s *gormStore) GetAllStats(ctx context.Context) ([]*QueueStats, error) {
	var stats []*QueueStats
	if err := s.db.WithContext(ctx).Order("queue ASC").Find(&stats).Error; err != nil {
		return nil, &StoreError{Op: "get all stats", Err: err}
	}
	return stats, nil
}

func (s *gormStore) AppendMetricsHistory(ctx context.Context, h JobMetricsHistory) error {
	if h.RecordedAt.IsZero() {
		h.RecordedAt = nowUTC(ctx)
	}
	if err := s.db.WithContext(ctx).Create(&h).Error; err != nil {
		return &StoreError{Op: "append metrics history", Err: err}
	}
	return nil
}

// ResetWorkerJobs implements crash recovery for a worker process restarting
// under the same worker id: any job this identity still holds as
// "processing" is handed back to pending so it is reclaimed on the next
// poll, without touching attempts (the attempt that crashed was already
// counted at claim time).
func (s *gormStore) ResetWorkerJobs(ctx context.Context, workerID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND worker_id = ?", StatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"worker_id":  nil,
			"timeout_at": nil,
			"updated_at": nowUTC(ctx),
		})
	if res.Error != nil {
		return 0, &StoreError{Op: "reset worker jobs", Err: res.Error}
	}
	return int(res.RowsAffected), nil
}

// ResetStaleAcrossGenerations releases jobs abandoned by a worker identity
// that will never restart (heartbeat older than olderThan), independent of
// which worker id holds them.
func (s *gormStore) ResetStaleAcrossGenerations(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := nowUTC(ctx).Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"worker_id":  nil,
			"timeout_at": nil,
			"updated_at": nowUTC(ctx),
		})
	if res.Error != nil {
		return 0, &StoreError{Op: "reset stale across generations", Err: res.Error}
	}
	return int(res.RowsAffected), nil
}

// nowUTC is the store's single time source, kept as a function (rather than
// a bare time.Now() call) so tests can substitute a fixed clock via context
// if ever needed.
func nowUTC(_ context.Context) time.Time {
	return time.Now().UTC()
}
