// Package clock provides the daemon's single notion of "now", honoring
// the operator-configured timezone, plus a cancellation-aware jittered
// sleep used to throttle between ingestion sources.
package clock

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

var location atomic.Pointer[time.Location]

func init() {
	location.Store(time.UTC)
}

// SetLocation installs the process-wide timezone used by Now. Call once
// during startup after the configuration has been validated.
func SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	location.Store(loc)
}

// Location returns the currently configured timezone.
func Location() *time.Location {
	return location.Load()
}

// Now returns the current time in the configured timezone.
func Now() time.Time {
	return time.Now().In(location.Load())
}

// SleepJitter blocks for a random duration in [min, max), returning early
// if ctx is cancelled. Used to space out per-source network calls (spec
// §4.5's ~500ms inter-source throttle during chat history backfill).
func SleepJitter(ctx context.Context, min, max time.Duration) {
	if max <= min {
		max = min + time.Millisecond
	}
	delta := min + time.Duration(rand.Int64N(int64(max-min)))
	timer := time.NewTimer(delta)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
}
