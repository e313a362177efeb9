package automation

import (
	"testing"
	"time"
)

func TestCronTickMatchesWildcard(t *testing.T) {
	ok, err := CronTick("* * * * *", time.Now())
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if !ok {
		t.Fatalf("expected wildcard expression to match any time")
	}
}

func TestCronTickMatchesExactMinuteHour(t *testing.T) {
	at := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	ok, err := CronTick("30 9 * * *", at)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if !ok {
		t.Fatalf("expected 30 9 * * * to match 09:30")
	}

	ok, err = CronTick("31 9 * * *", at)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if ok {
		t.Fatalf("expected 31 9 * * * to not match 09:30")
	}
}

func TestCronTickStepExpression(t *testing.T) {
	at := time.Date(2026, 1, 15, 9, 15, 0, 0, time.UTC)
	ok, err := CronTick("*/15 * * * *", at)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if !ok {
		t.Fatalf("expected */15 to match minute 15")
	}

	at = at.Add(1 * time.Minute)
	ok, err = CronTick("*/15 * * * *", at)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if ok {
		t.Fatalf("expected */15 to not match minute 16")
	}
}

func TestCronTickRejectsMalformedExpression(t *testing.T) {
	if _, err := CronTick("not a cron", time.Now()); err == nil {
		t.Fatalf("expected error for malformed cron expression")
	}
}
