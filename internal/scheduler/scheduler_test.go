package scheduler

import (
	"testing"
	"time"

	"github.com/kvlt/pail/internal/domain"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestNextOccurrenceAt(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	after := time.Date(2026, 3, 1, 7, 0, 0, 0, loc)
	spec := domain.ScheduleSpec{Kind: domain.ScheduleAt, Raw: "at:08:00,17:00"}

	next, err := NextOccurrence(spec, after)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextOccurrenceAtRollsToNextDay(t *testing.T) {
	loc := mustLoc(t, "UTC")
	after := time.Date(2026, 3, 1, 18, 0, 0, 0, loc)
	spec := domain.ScheduleSpec{Kind: domain.ScheduleAt, Raw: "at:08:00,17:00"}

	next, err := NextOccurrence(spec, after)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextOccurrenceWeekly(t *testing.T) {
	loc := mustLoc(t, "UTC")
	// 2026-03-01 is a Sunday.
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)
	spec := domain.ScheduleSpec{Kind: domain.ScheduleWeekly, Raw: "weekly:monday,09:00"}

	next, err := NextOccurrence(spec, after)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

// TestNextOccurrenceCronIgnoresConfiguredTimezone pins the deliberately
// preserved inconsistency (DESIGN.md "Open Question decisions"):
// cron: always evaluates in UTC even when after is expressed in another
// zone.
func TestNextOccurrenceCronIgnoresConfiguredTimezone(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, loc) // 05:00 UTC
	spec := domain.ScheduleSpec{Kind: domain.ScheduleCron, CronExpr: "0 12 * * *"}

	next, err := NextOccurrence(spec, after)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	if next.Location() != time.UTC {
		t.Fatalf("expected cron schedule to evaluate in UTC, got %v", next.Location())
	}
	if next.Hour() != 12 {
		t.Fatalf("expected 12:00 UTC, got %v", next)
	}
}

func TestIsDueWaitsForFirstOccurrenceAfterFirstSeen(t *testing.T) {
	loc := mustLoc(t, "UTC")
	spec := domain.ScheduleSpec{Kind: domain.ScheduleAt, Raw: "at:12:00"}
	ch := domain.OutputChannel{Schedule: &spec}

	// firstSeen is 12:00:10 today, ten seconds after the scheduled time
	// already passed: with no LastGenerated watermark, the channel
	// must wait for tomorrow's 12:00, not fire on the very next check.
	firstSeen := time.Date(2026, 3, 1, 12, 0, 10, 0, loc)
	now := firstSeen.Add(20 * time.Second)

	due, err := isDue(ch, now, firstSeen)
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if due {
		t.Fatalf("a freshly observed channel fired immediately instead of waiting for its next occurrence")
	}
}

func TestIsDueFiresOnceFirstOccurrenceAfterFirstSeenArrives(t *testing.T) {
	loc := mustLoc(t, "UTC")
	spec := domain.ScheduleSpec{Kind: domain.ScheduleAt, Raw: "at:12:00"}
	ch := domain.OutputChannel{Schedule: &spec}

	firstSeen := time.Date(2026, 3, 1, 12, 0, 10, 0, loc)
	now := firstSeen.AddDate(0, 0, 1)

	due, err := isDue(ch, now, firstSeen)
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Fatalf("expected the channel to be due once its next at: occurrence arrived")
	}
}

func TestValidWallClockDetectsDSTGap(t *testing.T) {
	// America/New_York springs forward at 2026-03-08 02:00 -> 03:00.
	loc := mustLoc(t, "America/New_York")
	gapTime := time.Date(2026, 3, 8, 2, 30, 0, 0, loc)
	if validWallClock(gapTime, domain.ClockTime{Hour: 2, Minute: 30}) {
		t.Fatalf("expected 02:30 on the spring-forward day to be detected as an invalid wall clock time")
	}
}
