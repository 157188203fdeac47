package pose

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

// DefaultTimeout is how long a pose stays detected after its last update.
const DefaultTimeout = 300 * time.Millisecond

// Record is the cached state for one marker.
type Record struct {
	Pose       Pose
	LastUpdate time.Time
}

// Cache stores the latest pose per configured marker and reports a marker
// as detected only while its last update is younger than the timeout.
//
// The set of ids is fixed at construction. Writes come from one tracking
// engine; reads come from any number of consumers.
type Cache struct {
	mu      sync.RWMutex
	clock   timeutil.Clock
	timeout time.Duration
	records map[MarkerID]Record
}

// NewCache creates a cache holding an identity record for each id. A zero
// timeout selects DefaultTimeout and a nil clock selects the real clock.
func NewCache(clock timeutil.Clock, timeout time.Duration, ids ...MarkerID) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	records := make(map[MarkerID]Record, len(ids))
	for _, id := range ids {
		records[id] = Record{Pose: Identity()}
	}
	return &Cache{clock: clock, timeout: timeout, records: records}
}

// Timeout returns the staleness timeout.
func (c *Cache) Timeout() time.Duration { return c.timeout }

// Update stores p for id stamped with the current clock time. It returns
// false when id was not configured or p's rotation is not a unit
// quaternion; the record is left untouched in both cases.
func (c *Cache) Update(id MarkerID, p Pose) bool {
	rot, err := NormalizeRotation(p.Rotation)
	if err != nil {
		monitoring.Debugf("[PoseCache] rejected pose for marker %d: %v", id, err)
		return false
	}
	p.Rotation = rot
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return false
	}
	c.records[id] = Record{Pose: p, LastUpdate: now}
	return true
}

// lookup returns the record for id if it is registered and fresh.
func (c *Cache) lookup(id MarkerID) (Record, bool) {
	now := c.clock.Now()
	c.mu.RLock()
	rec, ok := c.records[id]
	c.mu.RUnlock()
	if !ok || rec.LastUpdate.IsZero() {
		return Record{}, false
	}
	return rec, now.Sub(rec.LastUpdate) < c.timeout
}

// IsDetected reports whether id was updated less than the timeout ago.
func (c *Cache) IsDetected(id MarkerID) bool {
	_, fresh := c.lookup(id)
	return fresh
}

// Position returns the cached position, or the origin when id is not
// detected.
func (c *Cache) Position(id MarkerID) r3.Vec {
	if rec, fresh := c.lookup(id); fresh {
		return rec.Pose.Position
	}
	return r3.Vec{}
}

// Rotation returns the cached rotation, or identity when id is not
// detected.
func (c *Cache) Rotation(id MarkerID) quat.Number {
	if rec, fresh := c.lookup(id); fresh {
		return rec.Pose.Rotation
	}
	return IdentityRotation()
}

// Snapshot returns the stored pose and update time regardless of
// staleness. ok is false for ids that were never configured.
func (c *Cache) Snapshot(id MarkerID) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// IDs returns the configured marker ids in ascending order.
func (c *Cache) IDs() []MarkerID {
	c.mu.RLock()
	ids := make([]MarkerID, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
