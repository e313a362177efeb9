// Package store is the durable persistence layer (spec.md §4.1/§6.1): jobs,
// dead-letter records, queue-stats snapshots, and append-only metrics
// history, backed by gorm over an embedded SQLite database (default) or
// Postgres (alternate backend, see postgres.go).
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/render-automation/queue-core/internal/values"
)

// JobStatus is one of the seven lifecycle states from spec.md §3.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusScheduled  JobStatus = "scheduled"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusDeadLetter JobStatus = "dead_letter"
)

// IsTerminal reports whether status admits no further transitions (invariant c).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Priority is urgent > high > normal > low (claim-order rank, lower wins).
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the claim-order rank: smaller claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

// StepStatus is the per-step lifecycle (spec.md §3 invariant d).
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is one named unit in a job's ordered step sequence.
type StepRecord struct {
	Name        string       `json:"name"`
	Status      StepStatus   `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DurationMs  int64        `json:"duration_ms,omitempty"`
	Output      *values.Value `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// JobMetrics is the {wait_ms, processing_ms, total_ms, retry_count} snapshot.
type JobMetrics struct {
	WaitMs       int64 `json:"wait_ms"`
	ProcessingMs int64 `json:"processing_ms"`
	TotalMs      int64 `json:"total_ms"`
	RetryCount   int   `json:"retry_count"`
}

// Job is the primary entity (spec.md §3).
type Job struct {
	ID              string         `gorm:"primaryKey;size:64"`
	Queue           string         `gorm:"size:200;index:idx_jobs_queue_status_priority;not null"`
	Type            string         `gorm:"size:200;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	Status          JobStatus      `gorm:"size:32;index:idx_jobs_queue_status_priority;index:idx_jobs_status_scheduled;index:idx_jobs_status_timeout;not null"`
	Priority        Priority       `gorm:"size:16;index:idx_jobs_queue_status_priority;not null"`
	Attempts        int            `gorm:"not null;default:0"`
	MaxAttempts     int            `gorm:"not null;default:3"`
	IdempotencyKey  *string        `gorm:"size:300;uniqueIndex:idx_jobs_idempotency_key"`
	Steps           datatypes.JSON `gorm:"type:jsonb"`
	StepState       datatypes.JSON `gorm:"type:jsonb"`
	Error           *string        `gorm:"type:text"`
	Metrics         datatypes.JSON `gorm:"type:jsonb"`
	Tags            datatypes.JSON `gorm:"type:jsonb"`
	ScheduledAt     time.Time      `gorm:"index:idx_jobs_status_scheduled;not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	TimeoutAt       *time.Time `gorm:"index:idx_jobs_status_timeout"`
	WorkerID        *string    `gorm:"size:128;index:idx_jobs_worker_id"`
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time `gorm:"index:idx_jobs_created_at;not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

// NewJobID mints an opaque, type-prefixed job id.
func NewJobID() string { return "job_" + uuid.New().String() }

func (j *Job) DecodePayload() (values.Value, error) {
	return values.ParseJSON(j.Payload)
}

func (j *Job) DecodeSteps() ([]StepRecord, error) {
	if len(j.Steps) == 0 {
		return nil, nil
	}
	var out []StepRecord
	if err := json.Unmarshal(j.Steps, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Job) EncodeSteps(steps []StepRecord) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	j.Steps = datatypes.JSON(raw)
	return nil
}

func (j *Job) DecodeStepState() (map[string]values.Value, error) {
	if len(j.StepState) == 0 {
		return map[string]values.Value{}, nil
	}
	v, err := values.ParseJSON(j.StepState)
	if err != nil {
		return nil, err
	}
	m, _ := v.MappingValue()
	if m == nil {
		m = map[string]values.Value{}
	}
	return m, nil
}

func (j *Job) EncodeStepState(m map[string]values.Value) error {
	raw, err := json.Marshal(values.Mapping(m))
	if err != nil {
		return err
	}
	j.StepState = datatypes.JSON(raw)
	return nil
}

func (j *Job) DecodeMetrics() (JobMetrics, error) {
	var m JobMetrics
	if len(j.Metrics) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(j.Metrics, &m); err != nil {
		return m, err
	}
	return m, nil
}

func (j *Job) EncodeMetrics(m JobMetrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	j.Metrics = datatypes.JSON(raw)
	return nil
}

func (j *Job) DecodeTags() ([]string, error) {
	if len(j.Tags) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(j.Tags, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Job) EncodeTags(tags []string) error {
	raw, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	j.Tags = datatypes.JSON(raw)
	return nil
}

// DeadLetterJob is the terminal-failure record created on DLQ promotion.
type DeadLetterJob struct {
	ID            string         `gorm:"primaryKey;size:64"`
	OriginalJobID string         `gorm:"size:64;index:idx_dlq_original_job_id"`
	Queue         string         `gorm:"size:200;index:idx_dlq_queue_moved_at"`
	Type          string         `gorm:"size:200"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	FinalError    string         `gorm:"type:text"`
	Attempts      int
	StepState     datatypes.JSON `gorm:"type:jsonb"`
	Metrics       datatypes.JSON `gorm:"type:jsonb"`
	Tags          datatypes.JSON `gorm:"type:jsonb"`
	MovedAt       time.Time      `gorm:"index:idx_dlq_queue_moved_at"`
}

func (DeadLetterJob) TableName() string { return "dead_letter_jobs" }

func NewDeadLetterID() string { return "dlq_" + uuid.New().String() }

// QueueStats is the per-queue snapshot row, recomputed periodically.
type QueueStats struct {
	Queue           string `gorm:"primaryKey;size:200"`
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	DeadLetter      int
	Scheduled       int
	AvgWaitMs       float64
	AvgProcessingMs float64
	UpdatedAt       time.Time
}

func (QueueStats) TableName() string { return "queue_stats" }

// JobMetricsHistory is an append-only row written on every completion, retry,
// and dead-letter promotion (spec.md §6.1); cancellation writes no row.
type JobMetricsHistory struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	JobID        string    `gorm:"size:64;index:idx_metrics_history_job_id"`
	Queue        string    `gorm:"size:200;index:idx_metrics_history_queue"`
	RecordedAt   time.Time `gorm:"index:idx_metrics_history_recorded_at"`
	WaitMs       int64
	ProcessingMs int64
	TotalMs      int64
	Attempts     int
	Outcome      string `gorm:"size:32"`
}

func (JobMetricsHistory) TableName() string { return "job_metrics_history" }

// AutoMigrateAll creates/updates every table this store owns.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(&Job{}, &DeadLetterJob{}, &QueueStats{}, &JobMetricsHistory{})
}
