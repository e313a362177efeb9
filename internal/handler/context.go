package handler

import (
	"context"
	"time"

	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

// Context is the capability object a Handler receives for one step of one
// claimed job. It owns the job's decoded payload, step list, and step_state
// map, and is the only way a handler may mutate durable per-step progress —
// every mutation is flushed to the store immediately so a crash mid-step
// loses at most the in-flight step, never previously completed ones
// (spec.md §3 invariant d, §4.4).
type Context struct {
	Ctx   context.Context
	Job   *store.Job
	Log   *logger.Logger
	store store.Store

	payload   values.Value
	steps     []store.StepRecord
	stepState map[string]values.Value
}

// NewContext decodes job's payload, steps, and step_state and returns a
// Context ready to drive one run of the job.
func NewContext(ctx context.Context, job *store.Job, st store.Store, log *logger.Logger) (*Context, error) {
	payload, err := job.DecodePayload()
	if err != nil {
		return nil, err
	}
	steps, err := job.DecodeSteps()
	if err != nil {
		return nil, err
	}
	stepState, err := job.DecodeStepState()
	if err != nil {
		return nil, err
	}
	return &Context{
		Ctx:       ctx,
		Job:       job,
		Log:       log,
		store:     st,
		payload:   payload,
		steps:     steps,
		stepState: stepState,
	}, nil
}

// Payload returns the job's input payload.
func (c *Context) Payload() values.Value { return c.payload }

// JobID returns the id of the job this Context drives.
func (c *Context) JobID() string { return c.Job.ID }

// Steps returns the job's ordered step records.
func (c *Context) Steps() []store.StepRecord {
	out := make([]store.StepRecord, len(c.steps))
	copy(out, c.steps)
	return out
}

// FirstIncompleteStep returns the index of the first step whose status is
// neither completed nor skipped, or -1 if every step is done.
func (c *Context) FirstIncompleteStep() int {
	for i, s := range c.steps {
		if s.Status != store.StepCompleted && s.Status != store.StepSkipped {
			return i
		}
	}
	return -1
}

// StepState reads one key from the job's resumable step_state map.
func (c *Context) StepState(key string) (values.Value, bool) {
	v, ok := c.stepState[key]
	return v, ok
}

// SetStepState writes one key into step_state and flushes it durably
// alongside the current step records.
func (c *Context) SetStepState(key string, v values.Value) error {
	if c.stepState == nil {
		c.stepState = map[string]values.Value{}
	}
	c.stepState[key] = v
	return c.flush()
}

// MarkStepRunning records that stepIndex has started.
func (c *Context) MarkStepRunning(stepIndex int) error {
	if stepIndex < 0 || stepIndex >= len(c.steps) {
		return nil
	}
	now := time.Now().UTC()
	c.steps[stepIndex].Status = store.StepRunning
	c.steps[stepIndex].StartedAt = &now
	return c.flush()
}

// MarkStepCompleted records stepIndex as completed with the given output.
func (c *Context) MarkStepCompleted(stepIndex int, output values.Value) error {
	if stepIndex < 0 || stepIndex >= len(c.steps) {
		return nil
	}
	now := time.Now().UTC()
	step := &c.steps[stepIndex]
	step.Status = store.StepCompleted
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMs = now.Sub(*step.StartedAt).Milliseconds()
	}
	out := output
	step.Output = &out
	return c.flush()
}

// MarkStepFailed records stepIndex as failed with err's message. The step is
// left in place (not removed) so a subsequent retry attempt can see it was
// attempted.
func (c *Context) MarkStepFailed(stepIndex int, err error) error {
	if stepIndex < 0 || stepIndex >= len(c.steps) {
		return nil
	}
	now := time.Now().UTC()
	step := &c.steps[stepIndex]
	step.Status = store.StepFailed
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMs = now.Sub(*step.StartedAt).Milliseconds()
	}
	if err != nil {
		step.Error = err.Error()
	}
	return c.flush()
}

// Heartbeat lets a handler extend the job's lease between suspension points
// on a long-running step: it refreshes last_heartbeat_at and pushes
// timeout_at forward by jobTimeout, unlike the worker pool's own background
// heartbeat ticker, which never moves timeout_at. It only touches
// last_heartbeat_at/timeout_at, never step state, and has no bearing on
// whether the step itself is considered complete.
func (c *Context) Heartbeat(jobTimeout time.Duration) error {
	return c.store.Heartbeat(c.Ctx, c.Job.ID, jobTimeout)
}

// MarkStepSkipped records stepIndex as skipped without running it.
func (c *Context) MarkStepSkipped(stepIndex int) error {
	if stepIndex < 0 || stepIndex >= len(c.steps) {
		return nil
	}
	c.steps[stepIndex].Status = store.StepSkipped
	return c.flush()
}

func (c *Context) flush() error {
	return c.store.SaveSteps(c.Ctx, c.Job.ID, c.steps, c.stepState)
}
