// Package scheduler computes when each output channel is next due and
// dispatches its generation run, per spec §4.1. Three schedule
// grammars share one dispatch loop: at:HH:MM[,HH:MM...] and
// weekly:DAY,HH:MM walk forward in the configured timezone by hand
// (mirroring the teacher's own HH:MM validation style in
// internal/infra/config), while cron:<expr> defers to robfig/cron in
// UTC — a deliberately preserved inconsistency, see DESIGN.md.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

// wakeInterval is how often the loop checks every channel for due-ness.
const wakeInterval = 30 * time.Second

// Runner invokes a single output channel's generation pipeline. It must
// be safe to call concurrently for different channels.
type Runner func(ctx context.Context, channel domain.OutputChannel) error

// ChannelSource supplies the current set of enabled output channels on
// every tick, so config/db changes are picked up without a restart.
type ChannelSource func(ctx context.Context) ([]domain.OutputChannel, error)

// Scheduler owns the dispatch loop.
type Scheduler struct {
	channels      ChannelSource
	run           Runner
	maxConcurrent int

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool
	// firstSeen records, per channel, the wall-clock time checkAll
	// first observed it. A channel that has never generated is due at
	// its first schedule occurrence after that moment, not after
	// now-wakeInterval (spec §4.1) — otherwise a freshly-added channel
	// whose at: time happens to fall within the last wakeInterval
	// fires immediately instead of waiting for its next tick.
	firstSeen map[uuid.UUID]time.Time

	sem chan struct{}
}

// New builds a Scheduler. maxConcurrent bounds how many generation runs
// can be in flight at once (spec §5 max_concurrent_generations); 0 or
// negative is treated as 1.
func New(channels ChannelSource, run Runner, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		channels:      channels,
		run:           run,
		maxConcurrent: maxConcurrent,
		inFlight:      map[uuid.UUID]bool{},
		firstSeen:     map[uuid.UUID]time.Time{},
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Run blocks, waking every wakeInterval to check due channels, until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	channels, err := s.channels(ctx)
	if err != nil {
		logger.Error("scheduler: failed to list output channels", zap.Error(err))
		return
	}

	now := clock.Now()
	for _, ch := range channels {
		if !ch.Enabled || ch.Schedule == nil {
			continue
		}
		due, err := isDue(ch, now, s.firstSeenAt(ch.ID, now))
		if err != nil {
			logger.Warn("scheduler: schedule evaluation failed, channel treated as never due",
				zap.String("channel", ch.Slug), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		s.dispatch(ctx, ch)
	}
}

// firstSeenAt returns the wall-clock time checkAll first observed
// channel id, recording now as that time on the first call.
func (s *Scheduler) firstSeenAt(id uuid.UUID, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.firstSeen[id]
	if !ok {
		s.firstSeen[id] = now
		return now
	}
	return t
}

// dispatch starts a generation run for ch if it isn't already in
// flight, respecting the bounded concurrency semaphore. Missed ticks
// are not coalesced: if a run is still in flight when the next check
// finds the channel due again, that tick is simply skipped (spec §4.1
// "no queueing — a still-running generation absorbs any ticks that
// land while it's in flight").
func (s *Scheduler) dispatch(ctx context.Context, ch domain.OutputChannel) {
	s.mu.Lock()
	if s.inFlight[ch.ID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[ch.ID] = true
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	default:
		logger.Debug("scheduler: max_concurrent_generations reached, deferring",
			zap.String("channel", ch.Slug))
		s.mu.Lock()
		s.inFlight[ch.ID] = false
		s.mu.Unlock()
		return
	}

	go func() {
		defer func() {
			<-s.sem
			s.mu.Lock()
			s.inFlight[ch.ID] = false
			s.mu.Unlock()
		}()

		logger.Info("generation run starting", zap.String("channel", ch.Slug))
		if err := s.run(ctx, ch); err != nil {
			logger.Error("generation run failed", zap.String("channel", ch.Slug), zap.Error(err))
		}
	}()
}

// isDue evaluates whether ch's schedule fired between its last
// generated watermark and now. A channel that has never generated
// uses firstSeen — the wall-clock time the scheduler first observed
// it — so it waits for its next real occurrence instead of firing on
// whichever tick happens to see it first.
func isDue(ch domain.OutputChannel, now, firstSeen time.Time) (bool, error) {
	since := ch.LastGenerated
	var sinceTime time.Time
	if since != nil {
		sinceTime = *since
	} else {
		sinceTime = firstSeen
	}

	next, err := NextOccurrence(*ch.Schedule, sinceTime)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// NextOccurrence returns the first scheduled time strictly after
// after, per the channel's schedule grammar.
func NextOccurrence(spec domain.ScheduleSpec, after time.Time) (time.Time, error) {
	switch spec.Kind {
	case domain.ScheduleAt:
		return nextAt(spec, after)
	case domain.ScheduleWeekly:
		return nextWeekly(spec, after)
	case domain.ScheduleCron:
		return nextCron(spec, after)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
}

// nextAt walks forward, probing today and the following three days,
// in the channel's configured timezone. A candidate that would fall in
// a DST spring-forward gap is silently skipped — the search simply
// advances to the next day's candidate (spec §4.1, §7 DST edge case).
func nextAt(spec domain.ScheduleSpec, after time.Time) (time.Time, error) {
	times, err := parseAtTimes(spec.Raw)
	if err != nil {
		return time.Time{}, err
	}
	loc := after.Location()
	for dayOffset := 0; dayOffset <= 3; dayOffset++ {
		base := after.AddDate(0, 0, dayOffset)
		for _, t := range times {
			candidate := time.Date(base.Year(), base.Month(), base.Day(), t.Hour, t.Minute, 0, 0, loc)
			if !validWallClock(candidate, t) {
				continue // DST gap swallowed this wall-clock time; try the next candidate
			}
			if candidate.After(after) {
				return candidate, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no at: occurrence found within 3 days (clock skew?)")
}

// nextWeekly walks forward by whole weeks from the target weekday. If
// the computed instant lands in a DST gap, it's pushed exactly one
// week later rather than probed day-by-day (spec §7: "for weekly:, a
// DST-gap occurrence is deferred to the following week's occurrence,
// not the next day").
func nextWeekly(spec domain.ScheduleSpec, after time.Time) (time.Time, error) {
	weekday, at, err := parseWeekly(spec.Raw)
	if err != nil {
		return time.Time{}, err
	}
	loc := after.Location()
	daysUntil := (int(weekday) - int(after.Weekday()) + 7) % 7
	base := after.AddDate(0, 0, daysUntil)
	candidate := time.Date(base.Year(), base.Month(), base.Day(), at.Hour, at.Minute, 0, 0, loc)

	for !candidate.After(after) || !validWallClock(candidate, at) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate, nil
}

func parseWeekly(raw string) (time.Weekday, domain.ClockTime, error) {
	body := strings.TrimPrefix(raw, "weekly:")
	dayStr, timeStr, ok := strings.Cut(body, ",")
	if !ok {
		return 0, domain.ClockTime{}, fmt.Errorf("invalid weekly: schedule %q", raw)
	}
	weekday, ok := weekdayNames[strings.ToLower(strings.TrimSpace(dayStr))]
	if !ok {
		return 0, domain.ClockTime{}, fmt.Errorf("unknown weekday %q", dayStr)
	}
	at, err := parseClockTime(timeStr)
	if err != nil {
		return 0, domain.ClockTime{}, err
	}
	return weekday, at, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// validWallClock reports whether constructing time.Date with the given
// hour/minute actually produced that wall-clock time — it won't have,
// if the zone offset changed underneath it (a DST spring-forward gap).
func validWallClock(t time.Time, want domain.ClockTime) bool {
	return t.Hour() == want.Hour && t.Minute() == want.Minute
}

func nextCron(spec domain.ScheduleSpec, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(spec.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec.CronExpr, err)
	}
	// cron: always evaluates in UTC regardless of pail.timezone.
	return schedule.Next(after.UTC()), nil
}

func parseAtTimes(raw string) ([]domain.ClockTime, error) {
	body := strings.TrimPrefix(raw, "at:")
	parts := strings.Split(body, ",")
	out := make([]domain.ClockTime, 0, len(parts))
	for _, p := range parts {
		t, err := parseClockTime(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseClockTime(s string) (domain.ClockTime, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return domain.ClockTime{}, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return domain.ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return domain.ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return domain.ClockTime{Hour: h, Minute: m}, nil
}
