// Package config loads the queue, worker, and automation-runner settings
// recognized in spec.md §6.4 from the process environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/render-automation/queue-core/internal/platform/logger"
)

// BackoffStrategy selects how Queue.delay(n) is computed on retry.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Queue holds the recognized Queue configuration options from §6.4.
type Queue struct {
	MaxAttempts             int
	BackoffStrategy         BackoffStrategy
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	JobTimeout               time.Duration
	StalledCheckInterval     time.Duration
	BatchSize               int
	Concurrency              int
	PollInterval             time.Duration
}

// Automation holds the recognized Automation runner configuration from §6.4.
type Automation struct {
	MaxExecutions   int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// Store holds embedded-store connection settings.
type Store struct {
	Path              string
	BusyTimeout       time.Duration
	CachePages        int
	MmapSizeBytes     int64
}

// Load reads every recognized environment variable, falling back to the
// documented defaults (spec.md §4.2 "Defaults", §4.3 executions defaults)
// when unset or unparsable, logging each fallback the way the teacher's
// utils.GetEnv/GetEnvAsInt do.
func Load(log *logger.Logger) (Queue, Automation, Store) {
	q := Queue{
		MaxAttempts:          getInt("QUEUE_MAX_ATTEMPTS", 3, log),
		BackoffStrategy:      BackoffStrategy(getString("QUEUE_BACKOFF_STRATEGY", string(BackoffExponential), log)),
		BaseDelay:            time.Duration(getInt("QUEUE_BASE_DELAY_MS", 1000, log)) * time.Millisecond,
		MaxDelay:             time.Duration(getInt("QUEUE_MAX_DELAY_MS", 5*60*1000, log)) * time.Millisecond,
		JobTimeout:           time.Duration(getInt("QUEUE_JOB_TIMEOUT_MS", 30*1000, log)) * time.Millisecond,
		StalledCheckInterval: time.Duration(getInt("QUEUE_STALLED_CHECK_INTERVAL_MS", 30*1000, log)) * time.Millisecond,
		BatchSize:            getInt("QUEUE_BATCH_SIZE", 10, log),
		Concurrency:          getInt("QUEUE_CONCURRENCY", 4, log),
		PollInterval:         time.Duration(getInt("QUEUE_POLL_INTERVAL_MS", 500, log)) * time.Millisecond,
	}
	a := Automation{
		MaxExecutions:   getInt("AUTOMATION_MAX_EXECUTIONS", 10000, log),
		TTL:             time.Duration(getInt("AUTOMATION_TTL_MS", 24*60*60*1000, log)) * time.Millisecond,
		CleanupInterval: time.Duration(getInt("AUTOMATION_CLEANUP_INTERVAL_MS", 5*60*1000, log)) * time.Millisecond,
	}
	s := Store{
		Path:          getString("STORE_PATH", "renderowl-queue.db", log),
		BusyTimeout:   time.Duration(getInt("STORE_BUSY_TIMEOUT_MS", 5000, log)) * time.Millisecond,
		CachePages:    getInt("STORE_CACHE_SIZE_PAGES", -20000, log),
		MmapSizeBytes: int64(getInt("STORE_MMAP_SIZE_BYTES", 268435456, log)),
	}
	return q, a, s
}

func getString(key, defaultVal string, log *logger.Logger) string {
	var scoped *logger.Logger
	if log != nil {
		scoped = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if scoped != nil {
			scoped.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func getInt(key string, defaultVal int, log *logger.Logger) int {
	var scoped *logger.Logger
	if log != nil {
		scoped = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(valStr) == "" {
		if scoped != nil {
			scoped.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if scoped != nil {
			scoped.Debug("environment variable could not be parsed as int, using default", "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return i
}
