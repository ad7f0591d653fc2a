package coordinator

import (
	"testing"
	"time"
)

func newTestTracker(minInterval time.Duration) (*elevationTracker, *time.Time) {
	tr := newElevationTracker(minInterval)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestElevationFetchWhenUnresolved(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Minute)
	if !tr.ShouldFetch(1, 48.1, 11.5, false) {
		t.Error("device without elevation must always fetch")
	}
}

func TestElevationTimeGuardWins(t *testing.T) {
	tr, now := newTestTracker(5 * time.Minute)
	tr.Record(1, 48.1, 11.5)

	// Large movement, but inside the interval: no fetch.
	*now = now.Add(time.Minute)
	if tr.ShouldFetch(1, 49.0, 12.0, true) {
		t.Error("fetched inside the minimum interval despite movement")
	}
}

func TestElevationMovementAfterInterval(t *testing.T) {
	tr, now := newTestTracker(5 * time.Minute)
	tr.Record(1, 48.1, 11.5)
	*now = now.Add(6 * time.Minute)

	// Stationary: interval elapsed but no movement.
	if tr.ShouldFetch(1, 48.1, 11.5, true) {
		t.Error("fetched without movement")
	}
	// Moved under the threshold on both axes.
	if tr.ShouldFetch(1, 48.1+0.004, 11.5+0.004, true) {
		t.Error("fetched for sub-threshold movement")
	}
	// One axis at the threshold is enough.
	if !tr.ShouldFetch(1, 48.1, 11.5+0.0045, true) {
		t.Error("did not fetch after threshold movement")
	}
}

func TestElevationRollbackRestoresState(t *testing.T) {
	tr, now := newTestTracker(5 * time.Minute)
	tr.Record(1, 48.1, 11.5)
	*now = now.Add(6 * time.Minute)

	rollback := tr.Record(1, 48.2, 11.6)
	// After recording, the fresh timestamp suppresses fetches again.
	if tr.ShouldFetch(1, 49.0, 12.0, true) {
		t.Error("fetch allowed immediately after Record")
	}

	rollback()
	// Rolled back to the old position and timestamp: the movement to
	// 48.2 is once again fetch-worthy.
	if !tr.ShouldFetch(1, 48.2, 11.6, true) {
		t.Error("rollback did not restore previous bookkeeping")
	}
}

func TestElevationRollbackOnFirstRecord(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Minute)

	rollback := tr.Record(1, 48.1, 11.5)
	rollback()

	// With the first record undone the device has no bookkeeping, so
	// even a resolved device fetches.
	if !tr.ShouldFetch(1, 48.1, 11.5, true) {
		t.Error("rollback of first record left bookkeeping behind")
	}
}

func TestElevationDevicesIndependent(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Minute)
	tr.Record(1, 48.1, 11.5)

	if !tr.ShouldFetch(2, 48.1, 11.5, false) {
		t.Error("device 2 gated by device 1's bookkeeping")
	}
}
