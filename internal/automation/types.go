// Package automation implements the declarative trigger runner described in
// spec.md §4.3: automations compile into ordered action jobs on the queue,
// and their runtime progress is tracked in a bounded in-memory execution map
// (the queue jobs remain the durable truth).
package automation

import (
	"time"

	"github.com/google/uuid"

	"github.com/render-automation/queue-core/internal/values"
)

// TriggerKind is the tagged variant of how an Automation fires.
type TriggerKind string

const (
	TriggerWebhook     TriggerKind = "webhook"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerAssetUpload TriggerKind = "asset_upload"
)

// Trigger describes when an Automation fires. Only the fields relevant to
// Kind are meaningful.
type Trigger struct {
	Kind       TriggerKind
	Cron       string   // TriggerSchedule
	Timezone   string   // TriggerSchedule
	AssetTypes []string // TriggerAssetUpload
}

// ActionKind is the tagged variant of one step an Automation performs.
type ActionKind string

const (
	ActionRender ActionKind = "render"
	ActionNotify ActionKind = "notify"
)

// Action describes one step of an Automation's ordered action list.
type Action struct {
	Kind ActionKind

	// ActionRender
	CompositionID      string
	InputPropsTemplate values.Value
	OutputOverrides    values.Value

	// ActionNotify
	Channel  string
	Target   string
	Template values.Value
}

// Automation is a declarative trigger-to-actions definition (spec.md
// "Automation & Execution").
type Automation struct {
	ID              string
	ProjectID       string
	Name            string
	Enabled         bool
	Trigger         Trigger
	Actions         []Action
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time
	TriggerCount    int
}

// NewAutomationID mints an opaque, type-prefixed automation id.
func NewAutomationID() string { return "auto_" + uuid.New().String() }

// ExecutionStatus is the runtime state of one Execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepResult records the outcome of one action within an Execution.
type StepResult struct {
	Index      int
	Type       string
	Status     string // "success" | "failed"
	JobID      string
	Error      string
	DurationMs int64
}

// Execution is the runtime record produced by one trigger (spec.md
// "Automation & Execution"). It is observational: the durable truth is the
// set of queue jobs it spawned.
type Execution struct {
	ID               string
	AutomationID     string
	TriggerPayload   values.Value
	Status           ExecutionStatus
	CurrentStepIndex int
	Results          []StepResult
	Error            string
	JobID            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// NewExecutionID mints an opaque, type-prefixed execution id.
func NewExecutionID() string { return "exec_" + uuid.New().String() }
