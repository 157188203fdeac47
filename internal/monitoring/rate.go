package monitoring

import (
	"sync"
	"time"

	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

// RateMeter tracks how often an event happens over the last N ticks.
// Tracking engines tick it once per processed frame or applied response so
// operators can compare video, tracking and render rates.
type RateMeter struct {
	mu    sync.Mutex
	clock timeutil.Clock
	ticks []time.Time
	next  int
	count int
}

// NewRateMeter keeps a ring of the last window tick times.
func NewRateMeter(clock timeutil.Clock, window int) *RateMeter {
	if window < 2 {
		window = 2
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RateMeter{clock: clock, ticks: make([]time.Time, window)}
}

// Tick records one event at the current clock time.
func (r *RateMeter) Tick() {
	now := r.clock.Now()
	r.mu.Lock()
	r.ticks[r.next] = now
	r.next = (r.next + 1) % len(r.ticks)
	if r.count < len(r.ticks) {
		r.count++
	}
	r.mu.Unlock()
}

// Hz returns the average event rate between the oldest retained tick and
// now. Zero means fewer than two events have been seen.
func (r *RateMeter) Hz() float64 {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < 2 {
		return 0
	}
	oldest := r.ticks[(r.next-r.count+len(r.ticks))%len(r.ticks)]
	elapsed := now.Sub(oldest).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.count-1) / elapsed
}
