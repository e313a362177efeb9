package automation

import (
	"fmt"
	"time"

	"github.com/robfig/cron"
)

// CronTick reports whether standard 5-field cron expr (minute hour
// day-of-month month day-of-week) is due at t. The automation runner treats
// the cron clock as an external collaborator (spec.md §4.3: "scheduled
// firing driven by an external cron engine that calls trigger on cue") — it
// only needs this is-it-due predicate, not a scheduling loop, so parsing and
// next-occurrence math is delegated to robfig/cron rather than hand-rolled:
// t is due iff the schedule's next occurrence strictly after the preceding
// second lands exactly on t's minute boundary.
func CronTick(expr string, t time.Time) (bool, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return false, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	minute := t.Truncate(time.Minute)
	next := schedule.Next(minute.Add(-time.Second))
	return next.Equal(minute), nil
}
