package posehistory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

// Source supplies the pose cache to sample. Both tracking engines satisfy
// it.
type Source interface {
	Cache() *pose.Cache
}

// RecorderConfig controls sampling.
type RecorderConfig struct {
	// SampleRate is samples per second per marker.
	SampleRate float64
	// BatchSize is how many samples are buffered before a write.
	BatchSize int
	// Mode and DeviceID label the session.
	Mode     string
	DeviceID string
}

// RecorderStats are recorder counters.
type RecorderStats struct {
	Samples       uint64
	Flushes       uint64
	WriteFailures uint64
}

// Recorder samples every marker of a Source at a fixed rate and writes the
// samples to a Store in batches.
type Recorder struct {
	store  *Store
	source Source
	clock  timeutil.Clock
	config RecorderConfig

	mu      sync.Mutex
	session string
	pending []Sample

	samples  atomic.Uint64
	flushes  atomic.Uint64
	failures atomic.Uint64
}

// NewRecorder creates a recorder. A nil clock selects the real clock.
func NewRecorder(store *Store, src Source, clock timeutil.Clock, cfg RecorderConfig) (*Recorder, error) {
	if store == nil || src == nil {
		return nil, errors.New("recorder needs a store and a pose source")
	}
	if !(cfg.SampleRate > 0) {
		return nil, fmt.Errorf("sample rate must be positive, got %v", cfg.SampleRate)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{store: store, source: src, clock: clock, config: cfg}, nil
}

// Interval is the time between samples.
func (r *Recorder) Interval() time.Duration {
	return time.Duration(float64(time.Second) / r.config.SampleRate)
}

// Begin opens a new session. Run calls it when no session is open.
func (r *Recorder) Begin(ctx context.Context) (string, error) {
	id, err := r.store.StartSession(ctx, r.config.Mode, r.config.DeviceID, r.clock.Now())
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.session = id
	r.pending = r.pending[:0]
	r.mu.Unlock()
	monitoring.Logf("[PoseHistory] Session %s started (%s, %.1f Hz)", id, r.config.Mode, r.config.SampleRate)
	return id, nil
}

// SessionID returns the open session, or "" before Begin.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Sample records the current state of every marker. It writes a batch once
// BatchSize samples are pending.
func (r *Recorder) Sample(ctx context.Context) error {
	cache := r.source.Cache()
	now := r.clock.Now()

	r.mu.Lock()
	if r.session == "" {
		r.mu.Unlock()
		return errors.New("no recording session")
	}
	for _, id := range cache.IDs() {
		rec, _ := cache.Snapshot(id)
		detected := !rec.LastUpdate.IsZero() && now.Sub(rec.LastUpdate) < cache.Timeout()
		r.pending = append(r.pending, Sample{
			SessionID:  r.session,
			MarkerID:   id,
			SampledAt:  now,
			Detected:   detected,
			Pose:       rec.Pose,
			LastUpdate: rec.LastUpdate,
		})
		r.samples.Add(1)
	}
	full := len(r.pending) >= r.config.BatchSize
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes pending samples. Samples that fail to write are dropped.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := r.store.InsertSamples(ctx, batch); err != nil {
		r.failures.Add(1)
		return err
	}
	r.flushes.Add(1)
	return nil
}

// End flushes and closes the open session.
func (r *Recorder) End(ctx context.Context) error {
	flushErr := r.Flush(ctx)
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()
	if id == "" {
		return flushErr
	}
	if err := r.store.EndSession(ctx, id, r.clock.Now()); err != nil {
		return errors.Join(flushErr, err)
	}
	monitoring.Logf("[PoseHistory] Session %s ended after %d samples", id, r.samples.Load())
	return flushErr
}

// Run samples at the configured rate until ctx is cancelled, then ends the
// session.
func (r *Recorder) Run(ctx context.Context) error {
	if r.SessionID() == "" {
		if _, err := r.Begin(ctx); err != nil {
			return err
		}
	}
	ticker := r.clock.NewTicker(r.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.End(context.Background())
		case <-ticker.C():
			if err := r.Sample(ctx); err != nil {
				monitoring.Logf("[PoseHistory] write failed: %v", err)
			}
		}
	}
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Samples:       r.samples.Load(),
		Flushes:       r.flushes.Load(),
		WriteFailures: r.failures.Load(),
	}
}
