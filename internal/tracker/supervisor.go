package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
	"github.com/banshee-data/marker.tracker/internal/tracker/sidecar"
)

// DefaultRetryInterval is the pause before restarting a failed tracker.
const DefaultRetryInterval = 2 * time.Second

// SupervisorStats are supervisor counters.
type SupervisorStats struct {
	Starts        uint64
	StartFailures uint64
	StreamLosses  uint64
}

// Supervisor keeps a tracker running. When a remote tracker loses its
// stream, or fails to start, the supervisor waits RetryInterval and starts
// it again. The pose cache survives restarts so consumers keep reading
// through the same tracker.
type Supervisor struct {
	tracker MarkerTracker
	retry   time.Duration
	clock   timeutil.Clock

	starts   atomic.Uint64
	failures atomic.Uint64
	losses   atomic.Uint64
}

// NewSupervisor wraps t. A non-positive retry selects DefaultRetryInterval
// and a nil clock the real clock.
func NewSupervisor(t MarkerTracker, retry time.Duration, clock timeutil.Clock) *Supervisor {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Supervisor{tracker: t, retry: retry, clock: clock}
}

// Tracker returns the supervised tracker.
func (s *Supervisor) Tracker() MarkerTracker { return s.tracker }

// Cache returns the supervised tracker's pose cache.
func (s *Supervisor) Cache() *pose.Cache { return s.tracker.Cache() }

// Run starts the tracker and restarts it after failures until ctx is
// cancelled. The tracker is stopped before Run returns. A sidecar that sets
// up a different device is not retried: Run returns the error.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.tracker.Stop()
	lost := StreamLost(s.tracker)

	for {
		if err := s.tracker.Start(); err != nil {
			s.failures.Add(1)
			if errors.Is(err, sidecar.ErrDeviceMismatch) {
				monitoring.Logf("[Supervisor] Tracker cannot start: %v; check device_id", err)
				return fmt.Errorf("tracker start: %w", err)
			}
			monitoring.Logf("[Supervisor] Tracker failed to start: %v; retrying in %v", err, s.retry)
		} else {
			s.starts.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-lost:
				s.losses.Add(1)
				monitoring.Logf("[Supervisor] Tracker lost its stream; restarting in %v", s.retry)
			}
		}
		if err := timeutil.Sleep(ctx, s.clock, s.retry); err != nil {
			return nil
		}
	}
}

// Stats returns supervisor counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Starts:        s.starts.Load(),
		StartFailures: s.failures.Load(),
		StreamLosses:  s.losses.Load(),
	}
}
