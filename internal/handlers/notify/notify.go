// Package notify is the default "notify" Handler (spec.md §4.4): records a
// log entry and a sentAt timestamp. Real delivery (email, webhook, chat) is
// supplied by the collaborating service.
package notify

import (
	"fmt"
	"time"

	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/values"
)

// Handler is the default notify job-type implementation.
type Handler struct {
	Log *logger.Logger
}

func (h *Handler) Type() string { return "notify" }

func (h *Handler) Run(ctx *handler.Context, stepName string) error {
	if stepName != "send" {
		return fmt.Errorf("notify: unknown step %q", stepName)
	}
	if _, ok := ctx.StepState("sentAt"); ok {
		return nil
	}

	payload := ctx.Payload()
	channel, _ := payload.Get("channel").StringValue()
	target, _ := payload.Get("target").StringValue()
	message, _ := payload.Get("message").StringValue()

	if h.Log != nil {
		h.Log.Info("notification sent",
			"job_id", ctx.JobID(),
			"channel", channel,
			"target", target,
			"message", message,
		)
	}

	return ctx.SetStepState("sentAt", values.String(time.Now().UTC().Format(time.RFC3339)))
}
