// Package framesync pairs frames from two independent sensor streams by
// capture timestamp.
//
// Each side holds at most one pending frame. A pair is emitted only when
// the two pending frames are within the skew tolerance; otherwise the older
// frame is dropped and the newer one waits for a partner.
package framesync

import (
	"context"
	"sync"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
)

// Slot selects one side of the pair.
type Slot int

const (
	Left Slot = iota
	Right
)

func (s Slot) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// DefaultMaxSkewTicks is 10 ms in capture ticks.
const DefaultMaxSkewTicks = 10 * camera.TicksPerMillisecond

// Pair is a synchronised stereo sample.
type Pair struct {
	Left  camera.Frame
	Right camera.Frame
	// Skew is |Left.Timestamp - Right.Timestamp| in ticks.
	Skew int64
}

// Stats are lifetime counters for observability.
type Stats struct {
	Submitted [2]uint64
	Replaced  [2]uint64 // pending frames overwritten before pairing
	Paired    uint64
	Discarded uint64
}

// Synchronizer holds the two pending slots. It is safe for concurrent use
// by two producers and one consumer.
type Synchronizer struct {
	maxSkew int64

	mu        sync.Mutex
	pending   [2]camera.Frame
	occupied  [2]bool
	discarded int // consecutive discards since the last pair
	stats     Stats
}

// New creates a synchronizer. maxSkewTicks <= 0 selects
// DefaultMaxSkewTicks.
func New(maxSkewTicks int64) *Synchronizer {
	if maxSkewTicks <= 0 {
		maxSkewTicks = DefaultMaxSkewTicks
	}
	return &Synchronizer{maxSkew: maxSkewTicks}
}

// MaxSkew returns the tolerance in ticks.
func (s *Synchronizer) MaxSkew() int64 { return s.maxSkew }

// Submit stores f in slot, replacing any frame not yet paired.
func (s *Synchronizer) Submit(slot Slot, f camera.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.occupied[slot] {
		s.stats.Replaced[slot]++
	}
	s.pending[slot] = f
	s.occupied[slot] = true
	s.stats.Submitted[slot]++
}

// TryPair makes one synchronisation attempt. With both slots filled and
// the skew within tolerance it returns the pair and clears both slots.
// With the skew out of tolerance it drops the older frame, counts the
// discard and returns false. With fewer than two frames it does nothing.
func (s *Synchronizer) TryPair() (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.occupied[Left] || !s.occupied[Right] {
		return Pair{}, false
	}
	l, r := s.pending[Left], s.pending[Right]
	skew := l.Timestamp - r.Timestamp
	if skew < 0 {
		skew = -skew
	}

	if skew > s.maxSkew {
		older := Left
		if r.Timestamp < l.Timestamp {
			older = Right
		}
		s.clear(older)
		s.discarded++
		s.stats.Discarded++
		monitoring.Debugf("[FrameSync] Discarding %s frame (skew: %d ticks, consecutive: %d)", older, skew, s.discarded)
		return Pair{}, false
	}

	s.clear(Left)
	s.clear(Right)
	s.discarded = 0
	s.stats.Paired++
	return Pair{Left: l, Right: r, Skew: skew}, true
}

func (s *Synchronizer) clear(slot Slot) {
	s.pending[slot] = camera.Frame{}
	s.occupied[slot] = false
}

// Pending returns the frame waiting in slot, if any.
func (s *Synchronizer) Pending(slot Slot) (camera.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[slot], s.occupied[slot]
}

// Discarded returns the number of discards since the last emitted pair.
func (s *Synchronizer) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Stats returns a copy of the lifetime counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset empties both slots and the discard counter.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(Left)
	s.clear(Right)
	s.discarded = 0
}

// Feed submits every frame from frames into slot until the channel closes
// or ctx is done.
func (s *Synchronizer) Feed(ctx context.Context, slot Slot, frames <-chan camera.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.Submit(slot, f)
		}
	}
}
