// Package handler is the pluggable per-job-type execution surface
// (spec.md §4.4 "Handler registry"): a Handler runs one step of one job type,
// and a Context is the capability object it receives.
package handler

import (
	"fmt"
	"sync"
)

// Handler executes a single named step of a job type. Run is called once per
// step per attempt; it must be idempotent with respect to its own side
// effects whenever practical, since a retried attempt re-runs every step
// from the first incomplete one.
type Handler interface {
	// Type is the job type this handler answers for (e.g. "render",
	// "notify").
	Type() string
	// Run executes one step. stepName identifies which step of the job's
	// ordered sequence is being executed.
	Run(ctx *Context, stepName string) error
}

// Registry is a concurrency-safe map of job type to Handler, looked up once
// per claimed job by the worker pool.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under h.Type(). Registering the same type twice is a
// programmer error and panics, the same as double-registering an HTTP route
// would — this only ever happens at process wiring time, never at request
// time.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := h.Type()
	if _, exists := r.handlers[t]; exists {
		panic(fmt.Sprintf("handler: job type %q already registered", t))
	}
	r.handlers[t] = h
}

// Get returns the handler for jobType, or a *MissingHandlerError if none was
// registered.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &MissingHandlerError{JobType: jobType}
	}
	return h, nil
}

// MissingHandlerError is returned when a claimed job's type has no
// registered Handler; the worker pool treats this as a normal failure that
// still goes through the retry/backoff/DLQ path (spec.md §4.4 edge case).
type MissingHandlerError struct {
	JobType string
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("No handler registered for job type: %s", e.JobType)
}
