// Package render is the default "render" Handler (spec.md §4.4): a
// simulated preparation/render/upload progression that updates step_state
// with framesTotal, framesRendered, and uploadUrl as it advances. Real
// render backends are supplied by the collaborating service; this exists so
// the queue is independently runnable and testable.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/values"
)

const defaultFrameCount = 24

// Handler is the default render job-type implementation.
type Handler struct {
	// StepDuration bounds how long each simulated step sleeps. Kept short
	// and deterministic for tests; defaults to 20ms when zero.
	StepDuration time.Duration
}

func (h *Handler) Type() string { return "render" }

func (h *Handler) Run(ctx *handler.Context, stepName string) error {
	switch stepName {
	case "prepare":
		return h.prepare(ctx)
	case "render":
		return h.render(ctx)
	case "upload":
		return h.upload(ctx)
	default:
		return fmt.Errorf("render: unknown step %q", stepName)
	}
}

func (h *Handler) prepare(ctx *handler.Context) error {
	if _, ok := ctx.StepState("framesTotal"); ok {
		return nil
	}
	if err := h.sleep(ctx.Ctx); err != nil {
		return err
	}
	return ctx.SetStepState("framesTotal", values.Number(defaultFrameCount))
}

func (h *Handler) render(ctx *handler.Context) error {
	total := defaultFrameCount
	if v, ok := ctx.StepState("framesTotal"); ok {
		if n, ok := v.NumberValue(); ok {
			total = int(n)
		}
	}

	rendered := 0
	if v, ok := ctx.StepState("framesRendered"); ok {
		if n, ok := v.NumberValue(); ok {
			rendered = int(n)
		}
	}

	for rendered < total {
		if err := h.sleep(ctx.Ctx); err != nil {
			return err
		}
		rendered++
		if err := ctx.SetStepState("framesRendered", values.Number(float64(rendered))); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) upload(ctx *handler.Context) error {
	if _, ok := ctx.StepState("uploadUrl"); ok {
		return nil
	}
	if err := h.sleep(ctx.Ctx); err != nil {
		return err
	}
	url := fmt.Sprintf("https://renders.example/%s.mp4", ctx.JobID())
	return ctx.SetStepState("uploadUrl", values.String(url))
}

func (h *Handler) sleep(ctx context.Context) error {
	d := h.StepDuration
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
