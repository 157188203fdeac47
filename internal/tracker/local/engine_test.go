package local

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/detect"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

const (
	probeID      = pose.MarkerID(board.ProbeMarkerID)
	instrumentID = pose.MarkerID(board.InstrumentMarkerID)
)

// sceneDetector is a synthetic detector whose scene can be swapped between
// frames.
type sceneDetector struct {
	*detect.Synthetic
	mu    sync.Mutex
	poses map[pose.MarkerID]pnp.Estimate
}

func newSceneDetector(cfg Config) *sceneDetector {
	d := &sceneDetector{}
	d.Synthetic = detect.NewSynthetic(func(int64) map[pose.MarkerID]pnp.Estimate {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.poses
	}, cfg.Boards...)
	return d
}

func (d *sceneDetector) show(poses map[pose.MarkerID]pnp.Estimate) {
	d.mu.Lock()
	d.poses = poses
	d.mu.Unlock()
}

func facing(x, y, z float64) pnp.Estimate {
	return pnp.Estimate{Rvec: r3.Vec{X: 3.0, Y: 0.1}, Tvec: r3.Vec{X: x, Y: y, Z: z}}
}

func testFrame(ts int64) camera.Frame {
	c2w := pose.Scale4(1, 1, -1)
	c2w[7] = 1.6
	return camera.Frame{Timestamp: ts, CameraToWorld: c2w}
}

func newTestEngine(t *testing.T) (*Engine, *sceneDetector, *timeutil.MockClock) {
	t.Helper()
	cfg := DefaultConfig()
	det := newSceneDetector(cfg)
	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	e, err := New(cfg, det, pnp.NewLM(), nil, clock)
	require.NoError(t, err)
	return e, det, clock
}

func TestProcessFrame_WritesWorldPose(t *testing.T) {
	e, det, _ := newTestEngine(t)
	truth := facing(0.05, -0.02, 0.45)
	det.show(map[pose.MarkerID]pnp.Estimate{probeID: truth})

	f := testFrame(1)
	e.processFrame(f)

	require.True(t, e.IsDetected(probeID))
	assert.False(t, e.IsDetected(instrumentID))

	want := pose.ToWorld(truth.Pose(), f.CameraToWorld)
	got := e.GetWorldPosition(probeID)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want.Position, got)), 1e-5, "want %v got %v", want.Position, got)
	assert.InDelta(t, 0, pose.AngleBetween(want.Rotation, e.GetWorldRotation(probeID)), 1e-5)

	st := e.Stats()
	assert.Equal(t, uint64(1), st.FramesProcessed)
	assert.Equal(t, uint64(1), st.PosesSolved)
}

func TestProcessFrame_UnseenBoardUntouched(t *testing.T) {
	e, det, clock := newTestEngine(t)

	det.show(map[pose.MarkerID]pnp.Estimate{
		probeID:      facing(-0.1, 0, 0.5),
		instrumentID: facing(0.1, 0, 0.5),
	})
	e.processFrame(testFrame(1))
	before, ok := e.Cache().Snapshot(instrumentID)
	require.True(t, ok)
	require.False(t, before.LastUpdate.IsZero())

	clock.Advance(50 * time.Millisecond)
	det.show(map[pose.MarkerID]pnp.Estimate{probeID: facing(-0.1, 0, 0.5)})
	e.processFrame(testFrame(2))

	after, _ := e.Cache().Snapshot(instrumentID)
	assert.Equal(t, before, after, "instrument record must not change")
	probe, _ := e.Cache().Snapshot(probeID)
	assert.Equal(t, clock.Now(), probe.LastUpdate)

	clock.Advance(e.Cache().Timeout())
	assert.False(t, e.IsDetected(instrumentID))
}

func TestProcessFrame_RecoversHiddenPatterns(t *testing.T) {
	e, det, _ := newTestEngine(t)
	det.Hidden = map[int]bool{4: true, 47: true}
	det.show(map[pose.MarkerID]pnp.Estimate{probeID: facing(0, 0, 0.4)})
	e.processFrame(testFrame(1))
	assert.True(t, e.IsDetected(probeID))
}

type stubDetector struct {
	detect.Refiner
	result detect.Result
	err    error
	panic  bool
	gate   chan struct{}
	calls  chan struct{}
}

func (s *stubDetector) Detect(camera.Frame) (detect.Result, error) {
	if s.calls != nil {
		s.calls <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.panic {
		panic("detector exploded")
	}
	return s.result, s.err
}

func TestProcessFrame_FailuresAreContained(t *testing.T) {
	cfg := DefaultConfig()
	degenerate := board.Detection{ID: 0} // all four corners at the same pixel
	tests := []struct {
		name         string
		det          *stubDetector
		wantFailures uint64
	}{
		{"detector error", &stubDetector{err: errors.New("bad image")}, 0},
		{"detector panic", &stubDetector{panic: true}, 1},
		{"degenerate corners", &stubDetector{result: detect.Result{Detections: []board.Detection{degenerate}}}, 1},
		{"no detections", &stubDetector{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(cfg, tt.det, nil, nil, timeutil.NewMockClock(time.Unix(1, 0)))
			require.NoError(t, err)
			assert.NotPanics(t, func() { e.processFrame(testFrame(1)) })
			assert.False(t, e.IsDetected(probeID))
			assert.Equal(t, tt.wantFailures, e.Stats().SolveFailures)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	det := &stubDetector{}

	_, err := New(cfg, nil, nil, nil, nil)
	assert.Error(t, err)

	bad := cfg
	bad.Boards = nil
	_, err = New(bad, det, nil, nil, nil)
	assert.Error(t, err)

	bad = cfg
	bad.Solve.MaxIterations = 0
	_, err = New(bad, det, nil, nil, nil)
	assert.Error(t, err)

	bad = cfg
	bad.Boards = []*board.Layout{cfg.Boards[0], cfg.Boards[0]}
	_, err = New(bad, det, nil, nil, nil)
	assert.Error(t, err)
}

func TestEngine_SubmitLifecycle(t *testing.T) {
	e, det, _ := newTestEngine(t)
	det.show(map[pose.MarkerID]pnp.Estimate{probeID: facing(0, 0, 0.5)})

	assert.False(t, e.Submit(testFrame(1)), "stopped engine must refuse frames")

	require.NoError(t, e.Start())
	require.NoError(t, e.Start(), "second Start is a no-op")
	assert.True(t, e.IsRunning())

	require.True(t, e.Submit(testFrame(2)))
	require.Eventually(t, func() bool { return e.IsDetected(probeID) }, time.Second, time.Millisecond)

	e.Stop()
	e.Stop()
	assert.False(t, e.IsRunning())
	assert.False(t, e.Submit(testFrame(3)))
}

func TestEngine_DropsWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	det := &stubDetector{gate: make(chan struct{}), calls: make(chan struct{}, 16)}
	e, err := New(cfg, det, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	require.True(t, e.Submit(testFrame(1)))
	<-det.calls // worker is now blocked inside Detect

	assert.True(t, e.Submit(testFrame(2)))
	assert.True(t, e.Submit(testFrame(3)))
	assert.False(t, e.Submit(testFrame(4)))
	assert.Equal(t, uint64(1), e.Stats().FramesDropped)

	close(det.gate)
	e.Stop()
}

type pushDriver struct {
	ch chan camera.Frame
}

func (d *pushDriver) Open() error  { return nil }
func (d *pushDriver) Close() error { return nil }
func (d *pushDriver) Stream(ctx context.Context, id camera.StreamID) (<-chan camera.Frame, error) {
	out := make(chan camera.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-d.ch:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func TestEngine_ConsumesRigStream(t *testing.T) {
	cfg := DefaultConfig()
	det := newSceneDetector(cfg)
	det.show(map[pose.MarkerID]pnp.Estimate{instrumentID: facing(0, 0.02, 0.5)})
	drv := &pushDriver{ch: make(chan camera.Frame)}
	rig := camera.NewRig(drv)
	defer rig.Close()

	e, err := New(cfg, det, nil, rig, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	assert.True(t, rig.Attached(camera.StreamPhotoVideo))

	drv.ch <- testFrame(10)
	require.Eventually(t, func() bool { return e.IsDetected(instrumentID) }, time.Second, time.Millisecond)

	e.Stop()
	assert.False(t, rig.Attached(camera.StreamPhotoVideo))
}

func TestEngine_StartFailsWhenStreamTaken(t *testing.T) {
	rig := camera.NewRig(&pushDriver{ch: make(chan camera.Frame)})
	defer rig.Close()
	_, err := rig.Attach(context.Background(), camera.StreamPhotoVideo)
	require.NoError(t, err)

	e, err := New(DefaultConfig(), &stubDetector{}, nil, rig, nil)
	require.NoError(t, err)
	err = e.Start()
	assert.ErrorIs(t, err, camera.ErrStreamAttached)
	assert.False(t, e.IsRunning())
}
