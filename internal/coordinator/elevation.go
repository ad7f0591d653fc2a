package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/nugget/pajbridge/internal/elevation"
)

const (
	// defaultMinElevationInterval is the minimum time between elevation
	// fetches for one device. The terrain does not change; refetching is
	// only worthwhile after the device has moved.
	defaultMinElevationInterval = 5 * time.Minute

	// elevationMoveDelta is the coordinate change, in degrees on either
	// axis, that counts as movement worth a new elevation lookup. Around
	// 500 m at the equator.
	elevationMoveDelta = 0.0045
)

// elevationTracker decides when a device's position has changed enough,
// and enough time has passed, to justify another elevation lookup.
type elevationTracker struct {
	minInterval time.Duration

	mu        sync.Mutex
	lastFetch map[int]time.Time
	lastPos   map[int][2]float64
	now       func() time.Time
}

func newElevationTracker(minInterval time.Duration) *elevationTracker {
	if minInterval <= 0 {
		minInterval = defaultMinElevationInterval
	}
	return &elevationTracker{
		minInterval: minInterval,
		lastFetch:   make(map[int]time.Time),
		lastPos:     make(map[int][2]float64),
		now:         time.Now,
	}
}

// ShouldFetch reports whether an elevation lookup is due for the device
// at the given position. resolved says whether the device already has an
// elevation in the current snapshot.
//
// A device with no elevation yet always fetches. Otherwise the time
// guard applies first: within minInterval of the last fetch, never
// fetch, regardless of movement. Past the interval, fetch only if the
// device has moved at least elevationMoveDelta on either axis since the
// last recorded fetch position.
func (t *elevationTracker) ShouldFetch(deviceID int, lat, lng float64, resolved bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !resolved {
		return true
	}
	last, fetched := t.lastFetch[deviceID]
	if !fetched {
		return true
	}
	if t.now().Sub(last) < t.minInterval {
		return false
	}
	pos, ok := t.lastPos[deviceID]
	if !ok {
		return true
	}
	return math.Abs(lat-pos[0]) >= elevationMoveDelta ||
		math.Abs(lng-pos[1]) >= elevationMoveDelta
}

// Record marks a fetch as started for the device at the given position
// and returns a rollback that undoes the bookkeeping. Callers invoke
// the rollback when the fetch fails, so a failed lookup does not
// suppress the retry on the next position update.
func (t *elevationTracker) Record(deviceID int, lat, lng float64) (rollback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevFetch, hadFetch := t.lastFetch[deviceID]
	prevPos, hadPos := t.lastPos[deviceID]

	t.lastFetch[deviceID] = t.now()
	t.lastPos[deviceID] = [2]float64{elevation.RoundCoord(lat), elevation.RoundCoord(lng)}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if hadFetch {
			t.lastFetch[deviceID] = prevFetch
		} else {
			delete(t.lastFetch, deviceID)
		}
		if hadPos {
			t.lastPos[deviceID] = prevPos
		} else {
			delete(t.lastPos, deviceID)
		}
	}
}
