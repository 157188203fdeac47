package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/framesync"
	"github.com/banshee-data/marker.tracker/internal/imagecodec"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/sidecar/sim"
	"github.com/banshee-data/marker.tracker/internal/tracker/sidecar"
)

// fakeTracker fails its first failStarts starts and exposes a loss channel.
type fakeTracker struct {
	cache *pose.Cache
	lost  chan struct{}

	mu         sync.Mutex
	failStarts int
	startErr   error
	starts     int
	stops      int
	running    bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{cache: pose.NewCache(nil, 0, 7), lost: make(chan struct{}, 1)}
}

func (f *fakeTracker) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failStarts > 0 {
		f.failStarts--
		if f.startErr != nil {
			return f.startErr
		}
		return errors.New("sidecar unreachable")
	}
	f.running = true
	return nil
}

func (f *fakeTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeTracker) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTracker) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeTracker) GetWorldPosition(id pose.MarkerID) r3.Vec      { return f.cache.Position(id) }
func (f *fakeTracker) GetWorldRotation(id pose.MarkerID) quat.Number { return f.cache.Rotation(id) }
func (f *fakeTracker) IsDetected(id pose.MarkerID) bool              { return f.cache.IsDetected(id) }
func (f *fakeTracker) Cache() *pose.Cache                            { return f.cache }
func (f *fakeTracker) StreamLost() <-chan struct{}                   { return f.lost }

func runSupervisor(t *testing.T, s *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return cancel
}

func TestSupervisor_RetriesFailedStarts(t *testing.T) {
	f := newFakeTracker()
	f.failStarts = 2
	s := NewSupervisor(f, 5*time.Millisecond, nil)
	runSupervisor(t, s)

	require.Eventually(t, f.IsRunning, 2*time.Second, time.Millisecond)
	st := s.Stats()
	assert.Equal(t, uint64(2), st.StartFailures)
	assert.Equal(t, uint64(1), st.Starts)
	starts, _ := f.counts()
	assert.Equal(t, 3, starts)
}

func TestSupervisor_RestartsAfterStreamLoss(t *testing.T) {
	f := newFakeTracker()
	s := NewSupervisor(f, 5*time.Millisecond, nil)
	runSupervisor(t, s)
	require.Eventually(t, f.IsRunning, 2*time.Second, time.Millisecond)

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.lost <- struct{}{}

	require.Eventually(t, func() bool { return s.Stats().Starts == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().StreamLosses)
	assert.True(t, f.IsRunning())
	assert.Same(t, f.cache, s.Cache())
}

func TestSupervisor_StopsTrackerOnCancel(t *testing.T) {
	f := newFakeTracker()
	s := NewSupervisor(f, time.Hour, nil)
	cancel := runSupervisor(t, s)
	require.Eventually(t, f.IsRunning, 2*time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { _, stops := f.counts(); return stops == 1 }, 2*time.Second, time.Millisecond)
	assert.False(t, f.IsRunning())
}

func TestSupervisor_CancelDuringRetryWait(t *testing.T) {
	f := newFakeTracker()
	f.failStarts = 1
	s := NewSupervisor(f, time.Hour, nil)
	cancel := runSupervisor(t, s)
	require.Eventually(t, func() bool { return s.Stats().StartFailures == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { _, stops := f.counts(); return stops == 1 }, 2*time.Second, time.Millisecond)
	starts, _ := f.counts()
	assert.Equal(t, 1, starts)
}

func TestSupervisor_DeviceMismatchIsNotRetried(t *testing.T) {
	f := newFakeTracker()
	f.failStarts = 5
	f.startErr = fmt.Errorf("setup: %w", sidecar.ErrDeviceMismatch)
	s := NewSupervisor(f, time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, sidecar.ErrDeviceMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor kept retrying a device mismatch")
	}

	starts, stops := f.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, uint64(1), s.Stats().StartFailures)
	assert.Zero(t, s.Stats().Starts)
}

func TestSupervisor_RebuildsSidecarSession(t *testing.T) {
	simCfg := sim.DefaultConfig()
	simCfg.CloseAfter = 1
	srv := sim.NewServer(simCfg)
	gs := srv.NewGRPCServer()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cfg := sidecar.DefaultConfig()
	cfg.Address = "passthrough:///sidecar"
	cfg.DeviceID = "hl2-supervised"
	cfg.LoopDuration = 2 * time.Millisecond
	cfg.Codec = imagecodec.Options{Format: imagecodec.FormatNone}
	tr, err := New(Options{
		Mode:    ModeSidecar,
		Sidecar: cfg,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	})
	require.NoError(t, err)
	e := tr.(*sidecar.Engine)

	s := NewSupervisor(tr, 5*time.Millisecond, nil)
	runSupervisor(t, s)

	// Keep frames flowing so every session gets its one response and is
	// then closed by the sidecar.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := int64(1); ; ts++ {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			f := camera.Frame{Pixels: make([]byte, 4), Width: 2, Height: 2, Timestamp: ts, CameraToWorld: pose.Identity4()}
			e.Submit(framesync.Left, f)
			e.Submit(framesync.Right, f)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})

	require.Eventually(t, func() bool { return s.Stats().StreamLosses >= 2 }, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, e.Stats().Sessions, uint64(2))
	assert.GreaterOrEqual(t, srv.Stats().Setups, uint64(2))
}

func TestSupervisor_StatusRoute(t *testing.T) {
	f := newFakeTracker()
	require.True(t, f.cache.Update(7, pose.Identity()))
	s := NewSupervisor(f, 0, nil)

	w := httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodGet, "/debug/tracker", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body SupervisedStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Markers, 1)
	assert.Equal(t, pose.MarkerID(7), body.Markers[0].ID)
	assert.True(t, body.Markers[0].Detected)
	assert.Zero(t, body.Supervisor.Starts)

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/tracker", nil))
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}
