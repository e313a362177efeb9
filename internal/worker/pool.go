// Package worker is the in-process leasing pool (spec.md §4.2 "worker
// leasing", §4.4): a fixed number of goroutines each loop claim → run
// ordered steps → report outcome, with heartbeats and panic recovery.
// Grounded on internal/jobs/worker/worker.go's Start/runLoop shape.
package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/queue"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

// Pool runs cfg.Concurrency independent claim loops against q, dispatching
// each claimed job's steps to registry.
type Pool struct {
	queue    *queue.Queue
	registry *handler.Registry
	log      *logger.Logger
	cfg      config.Queue
	workerID string
}

// New builds a Pool identified by workerID (used for lease ownership and
// crash-recovery on restart).
func New(q *queue.Queue, registry *handler.Registry, log *logger.Logger, cfg config.Queue, workerID string) *Pool {
	return &Pool{queue: q, registry: registry, log: log, cfg: cfg, workerID: workerID}
}

// Run starts cfg.Concurrency claim loops and a stalled-lease recovery
// ticker, blocking until ctx is cancelled or a loop returns a non-context
// error.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.recoverOnStartup(ctx); err != nil {
		return fmt.Errorf("worker startup recovery: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.claimLoop(gctx, slot)
		})
	}
	g.Go(func() error {
		return p.stalledLoop(gctx)
	})

	return g.Wait()
}

// recoverOnStartup implements crash recovery: jobs this worker identity
// still holds as "processing" from a previous run are handed back to
// pending immediately (grounded on the same worker-id reuse pattern the
// teacher's worker assumes when it restarts under a stable identity).
// Claim loops lease under per-slot ids (slotID), so both the bare worker id
// and every slot id of the current concurrency are released.
func (p *Pool) recoverOnStartup(ctx context.Context) error {
	n, err := p.queue.Store().ResetWorkerJobs(ctx, p.workerID)
	if err != nil {
		return err
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		m, err := p.queue.Store().ResetWorkerJobs(ctx, p.slotID(i))
		if err != nil {
			return err
		}
		n += m
	}
	if n > 0 && p.log != nil {
		p.log.Info("reclaimed jobs from previous run under this worker id", "worker_id", p.workerID, "count", n)
	}
	return nil
}

func (p *Pool) claimLoop(ctx context.Context, slot int) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := 0; i < p.cfg.BatchSize; i++ {
				job, err := p.queue.ClaimNext(ctx, p.slotID(slot))
				if err != nil {
					if p.log != nil {
						p.log.Error("claim failed", "error", err)
					}
					break
				}
				if job == nil {
					break
				}
				p.process(ctx, job, slot)
			}
		}
	}
}

func (p *Pool) slotID(slot int) string {
	return fmt.Sprintf("%s-%d", p.workerID, slot)
}

func (p *Pool) stalledLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.StalledCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.queue.RecoverStalled(ctx)
			if err != nil && p.log != nil {
				p.log.Error("stalled recovery scan failed", "error", err)
				continue
			}
			if n > 0 && p.log != nil {
				p.log.Info("recovered stalled jobs", "count", n)
			}
		}
	}
}

// process runs every incomplete step of job in order, reporting success or
// failure to the Queue. Panics from a handler are recovered and converted
// into an ordinary step failure, the same as the teacher's runLoop does.
func (p *Pool) process(ctx context.Context, job *store.Job, slot int) {
	start := time.Now()
	hctx, err := handler.NewContext(ctx, job, p.queue.Store(), p.log)
	if err != nil {
		p.failJob(ctx, job, start, fmt.Errorf("decode job state: %w", err))
		return
	}

	stopHeartbeat := p.startHeartbeat(ctx, job, slot)
	defer stopHeartbeat()

	h, err := p.registry.Get(job.Type)
	if err != nil {
		p.failJob(ctx, job, start, err)
		return
	}

	runErr := p.runSteps(ctx, hctx, h)
	if runErr != nil {
		p.failJob(ctx, job, start, runErr)
		return
	}

	metrics := store.JobMetrics{
		ProcessingMs: time.Since(start).Milliseconds(),
		TotalMs:      time.Since(job.CreatedAt).Milliseconds(),
		RetryCount:   job.Attempts,
	}
	if job.StartedAt != nil {
		metrics.WaitMs = job.StartedAt.Sub(job.CreatedAt).Milliseconds()
	}
	if err := p.queue.ReportSuccess(ctx, job, metrics); err != nil && p.log != nil {
		p.log.Error("failed to report job success", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) runSteps(ctx context.Context, hctx *handler.Context, h handler.Handler) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	for {
		idx := hctx.FirstIncompleteStep()
		if idx < 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		steps := hctx.Steps()
		step := steps[idx]
		if err := hctx.MarkStepRunning(idx); err != nil {
			return err
		}
		if err := h.Run(hctx, step.Name); err != nil {
			_ = hctx.MarkStepFailed(idx, err)
			return err
		}
		if err := hctx.MarkStepCompleted(idx, values.Null()); err != nil {
			return err
		}
	}
}

func (p *Pool) failJob(ctx context.Context, job *store.Job, start time.Time, cause error) {
	metrics := store.JobMetrics{ProcessingMs: time.Since(start).Milliseconds()}
	if err := p.queue.ReportFailure(ctx, job, cause, metrics); err != nil && p.log != nil {
		p.log.Error("failed to report job failure", "job_id", job.ID, "error", err)
	}
}

// startHeartbeat starts a goroutine that periodically records job's
// last_heartbeat_at as a liveness signal. It deliberately never extends
// timeout_at — the lease still expires on schedule even if the handler
// hangs, so queue.RecoverStalled can reclaim it (spec.md §5). A handler
// that wants its lease extended must opt in via handler.Context.Heartbeat.
// It returns a stop function.
func (p *Pool) startHeartbeat(ctx context.Context, job *store.Job, slot int) func() {
	stop := make(chan struct{})
	interval := p.cfg.JobTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Store().TouchHeartbeat(ctx, job.ID); err != nil && p.log != nil {
					p.log.Debug("heartbeat touch skipped", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() { close(stop) }
}
