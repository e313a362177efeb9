package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/render-automation/queue-core/internal/events"
	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/queue"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

// Runner owns automation definitions and, registered as the queue's
// "automation" Handler, drives the composite job (steps: validate,
// execute_actions, cleanup) that a trigger produces. It has no direct
// teacher analogue; its state-transition discipline follows the same
// guarded-update pattern the queue itself uses, and composite-job submission
// goes through the Queue's own Enqueue like any other collaborator.
type Runner struct {
	mu          sync.RWMutex
	automations map[string]*Automation

	executions *executionStore
	queue      *queue.Queue
	log        *logger.Logger
	cfg        config.Automation
}

// NewRunner builds a Runner over q. Register it with a handler.Registry
// under the "automation" type so claimed composite jobs route to it.
func NewRunner(q *queue.Queue, log *logger.Logger, cfg config.Automation) *Runner {
	return &Runner{
		automations: make(map[string]*Automation),
		executions:  newExecutionStore(cfg.MaxExecutions, cfg.TTL),
		queue:       q,
		log:         log,
		cfg:         cfg,
	}
}

// Type implements handler.Handler.
func (r *Runner) Type() string { return "automation" }

// Define registers or replaces an Automation definition.
func (r *Runner) Define(a *Automation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.automations[a.ID] = a
}

// GetAutomation returns one Automation by id.
func (r *Runner) GetAutomation(id string) (*Automation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.automations[id]
	return a, ok
}

// TriggerOptions mirrors spec.md §6.2 trigger's optional parameter.
type TriggerOptions struct {
	IdempotencyKey string
}

// Trigger converts one firing of automationID into a running Execution and a
// composite "automation" job on the queue (spec.md §4.3). The canonical
// idempotency key is automation_id:now_unix, override-able via opts.
func (r *Runner) Trigger(ctx context.Context, automationID string, payload values.Value, opts TriggerOptions) (executionID, jobID string, err error) {
	auto, ok := r.GetAutomation(automationID)
	if !ok {
		return "", "", fmt.Errorf("automation: unknown automation %q", automationID)
	}
	if !auto.Enabled {
		return "", "", fmt.Errorf("automation: %q is disabled", automationID)
	}

	now := time.Now().UTC()
	executionID = NewExecutionID()
	exec := &Execution{
		ID:             executionID,
		AutomationID:   automationID,
		TriggerPayload: payload,
		Status:         ExecutionRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.executions.put(exec)

	idempotencyKey := opts.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%d", automationID, now.Unix())
	}

	jobPayload := values.Mapping(map[string]values.Value{
		"automation_id":   values.String(automationID),
		"execution_id":    values.String(executionID),
		"trigger_payload": payload,
	})

	job, err := r.queue.Enqueue(ctx, "automation", "automation", jobPayload, queue.EnqueueOptions{
		Priority:       store.PriorityHigh,
		IdempotencyKey: idempotencyKey,
		Steps:          []string{"validate", "execute_actions", "cleanup"},
	})
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
		exec.UpdatedAt = time.Now().UTC()
		r.executions.put(exec)
		return executionID, "", err
	}

	exec.JobID = job.ID
	exec.UpdatedAt = time.Now().UTC()
	r.executions.put(exec)

	r.mu.Lock()
	triggeredAt := time.Now().UTC()
	auto.LastTriggeredAt = &triggeredAt
	auto.TriggerCount++
	r.mu.Unlock()

	r.queue.Bus().Publish(events.Event{
		Name:  events.AutomationFired,
		JobID: job.ID,
		Payload: map[string]interface{}{
			"automation_id": automationID,
			"execution_id":  executionID,
		},
	})

	return executionID, job.ID, nil
}

// GetExecution returns one Execution by id.
func (r *Runner) GetExecution(id string) (*Execution, bool) { return r.executions.get(id) }

// GetExecutionsByAutomation returns every retained Execution for automationID.
func (r *Runner) GetExecutionsByAutomation(automationID string) []*Execution {
	return r.executions.byAutomation(automationID)
}

// GetRecentExecutions returns up to limit of the most recently touched
// Executions.
func (r *Runner) GetRecentExecutions(limit int) []*Execution {
	return r.executions.recent(limit)
}

// StartCleanup runs the bounded-LRU TTL sweep every cfg.CleanupInterval
// until ctx is cancelled.
func (r *Runner) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := r.executions.sweepExpired()
				if n > 0 && r.log != nil {
					r.log.Debug("evicted expired executions", "count", n)
				}
			}
		}
	}()
}

// Run implements handler.Handler: it dispatches to the step matching
// stepName, the same three-step sequence every automation job declares.
func (r *Runner) Run(hctx *handler.Context, stepName string) error {
	payload := hctx.Payload()
	automationID, _ := payload.Get("automation_id").StringValue()
	executionID, _ := payload.Get("execution_id").StringValue()
	triggerPayload := payload.Get("trigger_payload")

	switch stepName {
	case "validate":
		return r.stepValidate(automationID)
	case "execute_actions":
		return r.stepExecuteActions(hctx, automationID, executionID, triggerPayload)
	case "cleanup":
		return r.stepCleanup(executionID)
	default:
		return fmt.Errorf("automation: unknown step %q", stepName)
	}
}

func (r *Runner) stepValidate(automationID string) error {
	auto, ok := r.GetAutomation(automationID)
	if !ok {
		return fmt.Errorf("automation: unknown automation %q", automationID)
	}
	if !auto.Enabled {
		return fmt.Errorf("automation: %q is disabled", automationID)
	}
	// An empty Actions list is not an error: execute_actions naturally
	// no-ops and cleanup marks the execution completed with zero results.
	return nil
}

// stepExecuteActions iterates the automation's action list in declared
// order. Each action's outcome is recorded in step_state before the next
// action starts, so a retried attempt skips actions already recorded as
// succeeded (spec.md §4.3: "the whole composite is retried, including
// already-enqueued child jobs — handlers must be idempotent; children are
// enqueued with idempotency keys derived from execution_id + action_index to
// absorb duplicates").
func (r *Runner) stepExecuteActions(hctx *handler.Context, automationID, executionID string, triggerPayload values.Value) error {
	auto, ok := r.GetAutomation(automationID)
	if !ok {
		return fmt.Errorf("automation: unknown automation %q", automationID)
	}
	exec, _ := r.executions.get(executionID)

	for i, action := range auto.Actions {
		resultKey := fmt.Sprintf("action_%d_result", i)
		if prior, ok := hctx.StepState(resultKey); ok {
			if status, _ := prior.Get("status").StringValue(); status == "success" {
				continue
			}
		}

		start := time.Now()
		childPayload, err := renderActionPayload(action, triggerPayload)
		var childJob *store.Job
		if err == nil {
			childJob, err = r.enqueueAction(hctx.Ctx, action, executionID, i, childPayload)
		}
		durationMs := time.Since(start).Milliseconds()

		if err != nil {
			_ = hctx.SetStepState(resultKey, values.Mapping(map[string]values.Value{
				"index":       values.Number(float64(i)),
				"type":        values.String(string(action.Kind)),
				"status":      values.String("failed"),
				"error":       values.String(err.Error()),
				"duration_ms": values.Number(float64(durationMs)),
			}))
			r.markExecutionFailed(exec, err)
			return fmt.Errorf("automation: action %d (%s) failed: %w", i, action.Kind, err)
		}

		_ = hctx.SetStepState(resultKey, values.Mapping(map[string]values.Value{
			"index":       values.Number(float64(i)),
			"type":        values.String(string(action.Kind)),
			"status":      values.String("success"),
			"job_id":      values.String(childJob.ID),
			"duration_ms": values.Number(float64(durationMs)),
		}))
		r.recordExecutionProgress(exec, i, action, childJob.ID)
	}
	return nil
}

func (r *Runner) enqueueAction(ctx context.Context, action Action, executionID string, index int, payload values.Value) (*store.Job, error) {
	idempotencyKey := fmt.Sprintf("%s:%d", executionID, index)
	switch action.Kind {
	case ActionRender:
		return r.queue.Enqueue(ctx, "render", "render", payload, queue.EnqueueOptions{
			Priority:       store.PriorityNormal,
			IdempotencyKey: idempotencyKey,
			Steps:          []string{"prepare", "render", "upload"},
		})
	case ActionNotify:
		return r.queue.Enqueue(ctx, "notify", "notify", payload, queue.EnqueueOptions{
			Priority:       store.PriorityNormal,
			IdempotencyKey: idempotencyKey,
			Steps:          []string{"send"},
		})
	default:
		return nil, fmt.Errorf("automation: unknown action kind %q", action.Kind)
	}
}

func renderActionPayload(action Action, triggerPayload values.Value) (values.Value, error) {
	switch action.Kind {
	case ActionRender:
		m := map[string]values.Value{
			"composition_id": values.String(action.CompositionID),
			"input_props":    Render(action.InputPropsTemplate, triggerPayload),
		}
		if !action.OutputOverrides.IsNull() {
			m["output_overrides"] = Render(action.OutputOverrides, triggerPayload)
		}
		return values.Mapping(m), nil
	case ActionNotify:
		m := map[string]values.Value{
			"channel": values.String(action.Channel),
			"target":  values.String(action.Target),
		}
		if !action.Template.IsNull() {
			m["message"] = Render(action.Template, triggerPayload)
		}
		return values.Mapping(m), nil
	default:
		return values.Null(), fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (r *Runner) recordExecutionProgress(exec *Execution, index int, action Action, jobID string) {
	if exec == nil {
		return
	}
	exec.CurrentStepIndex = index + 1
	exec.Results = append(exec.Results, StepResult{Index: index, Type: string(action.Kind), Status: "success", JobID: jobID})
	exec.UpdatedAt = time.Now().UTC()
	r.executions.put(exec)
}

func (r *Runner) markExecutionFailed(exec *Execution, err error) {
	if exec == nil {
		return
	}
	exec.Status = ExecutionFailed
	exec.Error = err.Error()
	exec.UpdatedAt = time.Now().UTC()
	r.executions.put(exec)

	r.queue.Bus().Publish(events.Event{
		Name:  events.AutomationFailed,
		JobID: exec.JobID,
		Payload: map[string]interface{}{
			"automation_id": exec.AutomationID,
			"execution_id":  exec.ID,
			"error":         err.Error(),
		},
	})
}

func (r *Runner) stepCleanup(executionID string) error {
	exec, ok := r.executions.get(executionID)
	if !ok {
		return nil
	}
	if exec.Status == ExecutionRunning {
		exec.Status = ExecutionCompleted
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	r.executions.put(exec)
	return nil
}
