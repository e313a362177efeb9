package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/render-automation/queue-core/internal/automation"
	"github.com/render-automation/queue-core/internal/events"
	"github.com/render-automation/queue-core/internal/handler"
	"github.com/render-automation/queue-core/internal/handlers/notify"
	"github.com/render-automation/queue-core/internal/handlers/render"
	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/platform/logger"
	"github.com/render-automation/queue-core/internal/queue"
	"github.com/render-automation/queue-core/internal/store"
	"github.com/render-automation/queue-core/internal/worker"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	log, err := logger.New(envOr("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	queueCfg, automationCfg, storeCfg := config.Load(log)

	var st store.Store
	if envTrue("USE_POSTGRES", false) {
		db, err := store.OpenPostgres(log)
		if err != nil {
			log.Fatal("failed to open postgres store", "error", err)
		}
		st = store.NewGormStore(db, "postgres")
	} else {
		db, err := store.OpenSQLite(storeCfg, log)
		if err != nil {
			log.Fatal("failed to open sqlite store", "error", err)
		}
		st = store.NewGormStore(db, "sqlite")
	}

	bus := events.NewBus()
	bus.Subscribe(events.JobDeadLetter, func(ev events.Event) {
		log.Warn("job moved to dead letter queue", "job_id", ev.JobID, "queue", ev.Queue)
	})

	q := queue.New(st, bus, log, queueCfg)

	registry := handler.NewRegistry()
	runner := automation.NewRunner(q, log, automationCfg)
	registry.Register(runner)
	registry.Register(&render.Handler{})
	registry.Register(&notify.Handler{Log: log})

	workerID := envOr("WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid()))
	pool := worker.New(q, registry, log, queueCfg, workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner.StartCleanup(ctx)
	go q.StartStatsRefreshLoop(ctx, 60*time.Second)

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		relay, err := events.NewRedisRelay(bus, log)
		if err != nil {
			log.Warn("redis event relay disabled", "error", err)
		} else {
			defer relay.Close()
			if err := relay.StartForwarder(ctx); err != nil {
				log.Warn("redis event relay forwarder failed to start", "error", err)
			}
			bus.Subscribe(events.JobCompleted, func(ev events.Event) {
				_ = relay.Publish(ctx, ev)
			})
			bus.Subscribe(events.JobDeadLetter, func(ev events.Event) {
				_ = relay.Publish(ctx, ev)
			})
		}
	}

	bus.Publish(events.Event{Name: events.WorkerStarted, Payload: map[string]interface{}{"worker_id": workerID}})
	log.Info("queue worker started", "worker_id", workerID, "concurrency", queueCfg.Concurrency)

	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker pool exited with error", "error", err)
	}

	bus.Publish(events.Event{Name: events.WorkerStopped, Payload: map[string]interface{}{"worker_id": workerID}})
	log.Info("queue worker stopped", "worker_id", workerID)
	time.Sleep(50 * time.Millisecond) // let the logger flush the shutdown line
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
