// Package local implements on-device marker tracking: detect fiducial
// patterns in each camera frame, solve each board's pose iteratively, and
// publish world-space poses to the pose cache.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/detect"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

// Config holds configuration for the local engine.
type Config struct {
	// Boards are the rigid bodies to track, usually probe and instrument.
	Boards []*board.Layout

	// Solve bounds the iterative pose refinement.
	Solve pnp.Options

	// Intrinsics is used for frames that do not carry calibration.
	Intrinsics camera.Intrinsics

	// Timeout is how long a pose stays detected without updates.
	Timeout time.Duration

	// QueueSize is the capacity of the frame hand-off channel. Frames
	// arriving while it is full are dropped.
	QueueSize int

	// Stream is the rig stream consumed when the engine owns a rig.
	Stream camera.StreamID
}

// DefaultConfig returns a configuration for the default probe and
// instrument boards.
func DefaultConfig() Config {
	probe, _ := board.New(board.DefaultProbe())
	inst, _ := board.New(board.DefaultInstrument())
	return Config{
		Boards:     []*board.Layout{probe, inst},
		Solve:      pnp.DefaultOptions(),
		Intrinsics: camera.DefaultIntrinsics(),
		Timeout:    pose.DefaultTimeout,
		QueueSize:  4,
		Stream:     camera.StreamPhotoVideo,
	}
}

// Stats are engine counters.
type Stats struct {
	FramesProcessed uint64
	FramesDropped   uint64
	PosesSolved     uint64
	NotConverged    uint64
	SolveFailures   uint64
	TrackingHz      float64
	Running         bool
}

// Engine is the local tracking engine.
type Engine struct {
	config   Config
	cache    *pose.Cache
	detector detect.Detector
	solver   pnp.Solver
	rig      *camera.Rig

	frames chan camera.Frame

	// Stats
	processed    atomic.Uint64
	dropped      atomic.Uint64
	solved       atomic.Uint64
	notConverged atomic.Uint64
	failures     atomic.Uint64
	rate         *monitoring.RateMeter

	// Lifecycle
	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped engine. rig may be nil, in which case frames are
// delivered with Submit.
func New(cfg Config, det detect.Detector, solver pnp.Solver, rig *camera.Rig, clock timeutil.Clock) (*Engine, error) {
	if det == nil {
		return nil, errors.New("local tracker needs a marker detector")
	}
	if solver == nil {
		solver = pnp.NewLM()
	}
	if len(cfg.Boards) == 0 {
		return nil, errors.New("local tracker needs at least one board")
	}
	if err := cfg.Solve.Validate(); err != nil {
		return nil, fmt.Errorf("solver options: %w", err)
	}
	if err := cfg.Intrinsics.Validate(); err != nil {
		return nil, fmt.Errorf("fallback intrinsics: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	if cfg.Stream == "" {
		cfg.Stream = camera.StreamPhotoVideo
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ids := make([]pose.MarkerID, 0, len(cfg.Boards))
	seen := make(map[pose.MarkerID]bool)
	for _, b := range cfg.Boards {
		if seen[b.MarkerID] {
			return nil, fmt.Errorf("marker id %d used by more than one board", b.MarkerID)
		}
		seen[b.MarkerID] = true
		ids = append(ids, b.MarkerID)
	}

	return &Engine{
		config:   cfg,
		cache:    pose.NewCache(clock, cfg.Timeout, ids...),
		detector: det,
		solver:   solver,
		rig:      rig,
		frames:   make(chan camera.Frame, cfg.QueueSize),
		rate:     monitoring.NewRateMeter(clock, 30),
	}, nil
}

// Cache exposes the pose cache for recorders.
func (e *Engine) Cache() *pose.Cache { return e.cache }

// Start launches the worker and, when a rig is configured, attaches the
// camera stream. It is a no-op if already running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}
	monitoring.Logf("[LocalTracker] Starting marker tracker...")

	ctx, cancel := context.WithCancel(context.Background())
	var source <-chan camera.Frame
	if e.rig != nil {
		ch, err := e.rig.Attach(ctx, e.config.Stream)
		if err != nil {
			cancel()
			return fmt.Errorf("attach camera: %w", err)
		}
		source = ch
	}

	// drop frames left over from a previous run
	for len(e.frames) > 0 {
		<-e.frames
	}

	e.cancel = cancel
	e.running.Store(true)

	e.wg.Add(1)
	go e.run(ctx)
	if source != nil {
		e.wg.Add(1)
		go e.pump(ctx, source)
	}
	return nil
}

// Stop cancels the worker and waits for the frame in flight to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	monitoring.Logf("[LocalTracker] Stopping marker tracker...")
	e.running.Store(false)
	e.cancel()
	if e.rig != nil {
		e.rig.Detach(e.config.Stream)
	}
	e.wg.Wait()
	monitoring.Logf("[LocalTracker] Marker tracker stopped.")
}

// IsRunning reports whether the engine accepts frames.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Submit hands a frame to the worker without blocking. It returns false if
// the engine is stopped or the queue is full.
func (e *Engine) Submit(f camera.Frame) bool {
	if !e.running.Load() {
		return false
	}
	select {
	case e.frames <- f:
		return true
	default:
		dropped := e.dropped.Add(1)
		monitoring.Debugf("[LocalTracker] DROPPED frame ts=%d (total dropped: %d), queue full", f.Timestamp, dropped)
		return false
	}
}

// GetWorldPosition returns the cached position of id.
func (e *Engine) GetWorldPosition(id pose.MarkerID) r3.Vec { return e.cache.Position(id) }

// GetWorldRotation returns the cached rotation of id.
func (e *Engine) GetWorldRotation(id pose.MarkerID) quat.Number { return e.cache.Rotation(id) }

// IsDetected reports whether id was seen within the timeout.
func (e *Engine) IsDetected(id pose.MarkerID) bool { return e.cache.IsDetected(id) }

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesProcessed: e.processed.Load(),
		FramesDropped:   e.dropped.Load(),
		PosesSolved:     e.solved.Load(),
		NotConverged:    e.notConverged.Load(),
		SolveFailures:   e.failures.Load(),
		TrackingHz:      e.rate.Hz(),
		Running:         e.running.Load(),
	}
}

func (e *Engine) pump(ctx context.Context, source <-chan camera.Frame) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-source:
			if !ok {
				return
			}
			e.Submit(f)
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.frames:
			if ctx.Err() != nil {
				return
			}
			e.processFrame(f)
		}
	}
}

// processFrame runs detection and solves every board seen in f. A panic
// from the detector or solver is contained to this frame.
func (e *Engine) processFrame(f camera.Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			monitoring.Logf("[LocalTracker] Recovered from panic on frame ts=%d: %v", f.Timestamp, r)
		}
	}()

	res, err := e.detector.Detect(f)
	if err != nil {
		monitoring.Logf("[LocalTracker] Detection failed on frame ts=%d: %v", f.Timestamp, err)
		return
	}
	e.processed.Add(1)
	e.rate.Tick()
	if len(res.Detections) == 0 {
		return
	}

	intr := e.config.Intrinsics
	if f.Intrinsics != nil {
		intr = *f.Intrinsics
	}

	rejected := res.Rejected
	for _, b := range e.config.Boards {
		found := b.Filter(res.Detections)
		if len(found) == 0 {
			continue
		}
		found, rejected = e.detector.Refine(b, found, rejected, intr)
		object, image := b.Correspondences(found)

		result, err := pnp.SolveIterative(e.solver, object, image, intr, e.config.Solve)
		if err != nil {
			e.failures.Add(1)
			monitoring.Debugf("[LocalTracker] Solve failed for %s (%d patterns): %v", b.Name, len(found), err)
			continue
		}
		if result.Converged {
			monitoring.Debugf("[LocalTracker] %s converged after %d iterations (error %.2e px)", b.Name, result.Iterations, result.Error)
		} else {
			e.notConverged.Add(1)
			monitoring.Debugf("[LocalTracker] %s did not converge in %d iterations (error %.2e px), using last estimate", b.Name, result.Iterations, result.Error)
		}

		world := pose.ToWorld(result.Pose(), f.CameraToWorld)
		if e.cache.Update(b.MarkerID, world) {
			e.solved.Add(1)
		}
	}
}
