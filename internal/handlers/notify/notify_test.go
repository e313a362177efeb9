package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	handlerpkg "github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/values"
)

func newTestContext(t *testing.T, payload values.Value) *handlerpkg.Context {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.OpenSQLite(config.Store{Path: filepath.Join(dir, "t.db"), BusyTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.NewGormStore(db, "sqlite")
	job, _, err := st.Enqueue(ctx, store.EnqueueInput{Queue: "notify", Type: "notify", Payload: payload, Steps: []string{"send"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	hctx, err := handlerpkg.NewContext(ctx, job, st, nil)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return hctx
}

func TestNotifySendRecordsSentAt(t *testing.T) {
	payload := values.Mapping(map[string]values.Value{
		"channel": values.String("email"),
		"target":  values.String("u@x"),
		"message": values.String("done"),
	})
	hctx := newTestContext(t, payload)
	h := &Handler{}

	if err := h.Run(hctx, "send"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := hctx.StepState("sentAt"); !ok {
		t.Fatalf("expected sentAt to be set")
	}
}

func TestNotifySendIsIdempotentOnReplay(t *testing.T) {
	hctx := newTestContext(t, values.Mapping(nil))
	h := &Handler{}

	if err := h.Run(hctx, "send"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := hctx.StepState("sentAt")

	if err := h.Run(hctx, "send"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := hctx.StepState("sentAt")

	if first.String() != second.String() {
		t.Fatalf("expected sentAt to remain stable on replay: first=%v second=%v", first, second)
	}
}

func TestNotifyRejectsUnknownStep(t *testing.T) {
	hctx := newTestContext(t, values.Mapping(nil))
	h := &Handler{}
	if err := h.Run(hctx, "bogus"); err == nil {
		t.Fatalf("expected error for unknown step name")
	}
}
