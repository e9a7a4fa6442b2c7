package retention

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	calls  []time.Time
	delete int64
	err    error
}

func (f *fakeStore) DeleteContentItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls = append(f.calls, cutoff)
	return f.delete, f.err
}

func TestNewSubstitutesDefaultOnInvalidRetention(t *testing.T) {
	c := New(&fakeStore{}, 0)
	if c.retention != defaultRetention {
		t.Fatalf("retention = %v, want default %v", c.retention, defaultRetention)
	}
}

func TestSweepUsesCutoffRelativeToNow(t *testing.T) {
	store := &fakeStore{delete: 3}
	c := New(store, 48*time.Hour)
	before := time.Now()
	c.sweep(context.Background())
	after := time.Now()

	if len(store.calls) != 1 {
		t.Fatalf("expected 1 sweep call, got %d", len(store.calls))
	}
	cutoff := store.calls[0]
	if cutoff.After(before.Add(-48*time.Hour + time.Second)) == false {
		t.Fatalf("cutoff too early: %v", cutoff)
	}
	if cutoff.After(after.Add(-48 * time.Hour)) {
		t.Fatalf("cutoff too late: %v", cutoff)
	}
}

func TestSweepToleratesStoreError(t *testing.T) {
	store := &fakeStore{err: context.DeadlineExceeded}
	c := New(store, time.Hour)
	c.sweep(context.Background())
	if len(store.calls) != 1 {
		t.Fatalf("expected sweep to still attempt the call, got %d calls", len(store.calls))
	}
}
