package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/render-automation/queue-core/internal/platform/logger"
)

// RedisRelay sends each Event handed to its Publish method to a Redis
// pub/sub channel, and forwards every message received on that channel back
// into the local Bus — letting multiple queue-core processes observe one
// another's events. It does not subscribe to the Bus itself; the caller
// chooses which events to pass to Publish. Grounded directly on
// internal/realtime/bus/redis_bus.go's NewRedisBus/Publish/StartForwarder
// shape.
type RedisRelay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	bus     *Bus
}

// NewRedisRelay connects to REDIS_ADDR and relays through REDIS_CHANNEL
// (default "queue-core-events"). It is optional: callers that never call
// this still get full in-process fan-out through Bus alone.
func NewRedisRelay(bus *Bus, log *logger.Logger) (*RedisRelay, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if channel == "" {
		channel = "queue-core-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		log:     log,
		rdb:     rdb,
		channel: channel,
		bus:     bus,
	}, nil
}

// Publish marshals ev and publishes it on the relay's channel.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis relay not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// StartForwarder subscribes to the relay's channel and republishes every
// received Event on the local Bus, until ctx is cancelled.
func (r *RedisRelay) StartForwarder(ctx context.Context) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis relay not initialized")
	}
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					if r.log != nil {
						r.log.Warn("bad redis event payload", "error", err)
					}
					continue
				}
				r.bus.Publish(ev)
			}
		}
	}()
	return nil
}

// Close releases the underlying Redis connection.
func (r *RedisRelay) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
