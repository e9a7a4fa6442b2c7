// Package retention wakes hourly and purges content items older than
// the configured retention window (spec §4.4). It is purely additive
// bookkeeping: a failed sweep is logged and retried on the next wake,
// never fatal to the daemon.
package retention

import (
	"context"
	"time"

	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const wakeInterval = time.Hour

// defaultRetention is used whenever the configured duration fails to
// parse, per spec §4.4 "default 7 days on parse failure".
const defaultRetention = 7 * 24 * time.Hour

// Store is the narrow slice of persistence the cleaner needs.
type Store interface {
	DeleteContentItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner periodically purges expired content items.
type Cleaner struct {
	store     Store
	retention time.Duration
}

// New builds a Cleaner. retention is the already-parsed duration from
// config; callers that failed to parse pail.retention should pass 0 and
// let New substitute the default, matching the spec's documented
// fallback rather than failing config load over it.
func New(store Store, retention time.Duration) *Cleaner {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Cleaner{store: store, retention: retention}
}

// Run blocks, sweeping every wakeInterval, until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	c.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	cutoff := clock.Now().Add(-c.retention)
	n, err := c.store.DeleteContentItemsBefore(ctx, cutoff)
	if err != nil {
		logger.Warn("retention: sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("retention: purged expired content items", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
}
