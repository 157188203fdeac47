// Package sidecar implements remote marker tracking. Stereo frame pairs are
// streamed to a tracking sidecar over a duplex gRPC stream and the
// world-space poses it returns are written to the pose cache.
//
// The engine does not reconnect on its own. When the stream fails it stops,
// signals StreamLost once, and leaves recovery to its owner.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/framesync"
	"github.com/banshee-data/marker.tracker/internal/imagecodec"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/sidecar/pb"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

var (
	// ErrDeviceMismatch is returned by Start when Setup echoes a different
	// device id than the one sent.
	ErrDeviceMismatch = errors.New("sidecar set up a different device")

	// ErrPingMismatch is returned by Start when the sidecar does not echo
	// the ping nonce.
	ErrPingMismatch = errors.New("invalid ping response from sidecar")
)

// Config holds configuration for the sidecar engine.
type Config struct {
	// Address is the sidecar gRPC target, host:port.
	Address string

	// DeviceID identifies this headset to the sidecar.
	DeviceID string

	// LUT is the camera lookup table registered during Setup.
	LUT []byte

	// IDs are the bodies whose poses are cached.
	IDs []pose.MarkerID

	// LoopDuration is the writer's per-iteration time budget.
	LoopDuration time.Duration

	// MaxSync is the largest capture time difference accepted for a pair.
	MaxSync time.Duration

	// Timeout is how long a pose stays detected without updates.
	Timeout time.Duration

	// CallTimeout bounds Ping and Setup.
	CallTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the loops.
	StopTimeout time.Duration

	// Codec selects the image encoding sent to the sidecar.
	Codec imagecodec.Options

	// Left and Right are the rig streams paired for tracking.
	Left, Right camera.StreamID
}

// DefaultConfig returns the default loop cadence and tolerances.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:50052",
		IDs:          []pose.MarkerID{7, 2},
		LoopDuration: 20 * time.Millisecond,
		MaxSync:      10 * time.Millisecond,
		Timeout:      pose.DefaultTimeout,
		CallTimeout:  5 * time.Second,
		StopTimeout:  2 * time.Second,
		Codec:        imagecodec.DefaultOptions(),
		Left:         camera.StreamLeft,
		Right:        camera.StreamRight,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("sidecar address is required")
	}
	if c.DeviceID == "" {
		return errors.New("device id is required")
	}
	if len(c.IDs) == 0 {
		return errors.New("at least one marker id is required")
	}
	if c.LoopDuration <= 0 {
		return fmt.Errorf("loop duration must be positive, got %v", c.LoopDuration)
	}
	if c.MaxSync <= 0 {
		return fmt.Errorf("max sync must be positive, got %v", c.MaxSync)
	}
	if c.Left == c.Right {
		return fmt.Errorf("left and right streams must differ, both are %q", c.Left)
	}
	return nil
}

// Stats are engine counters.
type Stats struct {
	Sessions          uint64
	RequestsSent      uint64
	EncodeFailures    uint64
	ResponsesReceived uint64
	ResponsesDropped  uint64
	PosesApplied      uint64
	NullPoses         uint64
	PairsDiscarded    uint64
	ResponseHz        float64
	Running           bool
}

// session is one connection and stream. It is never reused.
type session struct {
	cancel   context.CancelFunc
	conn     *grpc.ClientConn
	stream   pb.MarkerTracker_TrackStereoStreamingClient
	wg       sync.WaitGroup
	lostOnce sync.Once
	stopping atomic.Bool
}

// Engine is the remote tracking engine.
type Engine struct {
	config   Config
	cache    *pose.Cache
	sync     *framesync.Synchronizer
	codec    imagecodec.Codec
	rig      *camera.Rig
	clock    timeutil.Clock
	dialOpts []grpc.DialOption

	lost chan struct{}

	// Stats
	sessions    atomic.Uint64
	sent        atomic.Uint64
	encodeFails atomic.Uint64
	received    atomic.Uint64
	dropped     atomic.Uint64
	applied     atomic.Uint64
	nullPoses   atomic.Uint64
	rate        *monitoring.RateMeter

	// Lifecycle
	mu      sync.Mutex
	running atomic.Bool
	session *session
}

// New creates a stopped engine. rig may be nil, in which case frames are
// delivered with Submit. dialOpts are added to the insecure transport
// credentials used by default.
func New(cfg Config, rig *camera.Rig, clock timeutil.Clock, dialOpts ...grpc.DialOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := imagecodec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	return &Engine{
		config:   cfg,
		cache:    pose.NewCache(clock, cfg.Timeout, cfg.IDs...),
		sync:     framesync.New(camera.DurationTicks(cfg.MaxSync)),
		codec:    codec,
		rig:      rig,
		clock:    clock,
		dialOpts: opts,
		lost:     make(chan struct{}, 1),
		rate:     monitoring.NewRateMeter(clock, 30),
	}, nil
}

// Cache exposes the pose cache for recorders.
func (e *Engine) Cache() *pose.Cache { return e.cache }

// StreamLost is signalled once for each session that ends because of a
// transport failure. Stop does not signal it.
func (e *Engine) StreamLost() <-chan struct{} { return e.lost }

// Submit offers a frame to the pair synchronizer.
func (e *Engine) Submit(slot framesync.Slot, f camera.Frame) {
	e.sync.Submit(slot, f)
}

// Start connects to the sidecar and launches the writer and reader. It is
// a no-op if already running. A session left over from a lost stream is
// torn down first and its unread loss signal cleared.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}
	if e.session != nil {
		e.teardown(e.session)
		e.session = nil
	}
	// A loss nobody received belongs to the old session.
	select {
	case <-e.lost:
		monitoring.Debugf("[SidecarTracker] Discarding unread stream loss signal")
	default:
	}
	monitoring.Logf("[SidecarTracker] Starting marker tracker (sidecar %s)...", e.config.Address)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := grpc.NewClient(e.config.Address, e.dialOpts...)
	if err != nil {
		cancel()
		return fmt.Errorf("connect to sidecar %s: %w", e.config.Address, err)
	}
	fail := func(err error) error {
		cancel()
		conn.Close()
		return err
	}

	if err := e.handshake(ctx, conn); err != nil {
		return fail(err)
	}

	stream, err := pb.NewMarkerTrackerClient(conn).TrackStereoStreaming(ctx)
	if err != nil {
		return fail(fmt.Errorf("open tracking stream: %w", err))
	}

	s := &session{cancel: cancel, conn: conn, stream: stream}
	if e.rig != nil {
		if err := e.attach(ctx, s); err != nil {
			return fail(err)
		}
	}

	e.sync.Reset()
	e.session = s
	e.sessions.Add(1)
	e.running.Store(true)

	s.wg.Add(2)
	go e.writer(ctx, s)
	go e.reader(ctx, s)
	monitoring.Logf("[SidecarTracker] Marker tracker started (device %s)", e.config.DeviceID)
	return nil
}

// handshake pings the sidecar and registers the device.
func (e *Engine) handshake(ctx context.Context, conn *grpc.ClientConn) error {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	nonce := uuid.NewString()
	pong, err := pb.NewSidecarCoreClient(conn).Ping(callCtx, &pb.SidecarPingRequestV1{S: nonce})
	if err != nil {
		return fmt.Errorf("ping sidecar: %w", err)
	}
	if pong.S != nonce {
		return fmt.Errorf("%w: sent %q, got %q", ErrPingMismatch, nonce, pong.S)
	}

	resp, err := pb.NewMarkerTrackerClient(conn).Setup(callCtx, &pb.MarkerTrackerSetupRequest{
		DeviceId: e.config.DeviceID,
		Lut:      e.config.LUT,
	})
	if err != nil {
		return fmt.Errorf("setup device %s: %w", e.config.DeviceID, err)
	}
	if resp.DeviceId != e.config.DeviceID {
		return fmt.Errorf("%w: sent %q, got %q", ErrDeviceMismatch, e.config.DeviceID, resp.DeviceId)
	}
	return nil
}

// attach feeds both rig streams into the synchronizer for the session. On
// failure any stream it attached is detached again.
func (e *Engine) attach(ctx context.Context, s *session) error {
	slots := []struct {
		slot framesync.Slot
		id   camera.StreamID
	}{
		{framesync.Left, e.config.Left},
		{framesync.Right, e.config.Right},
	}
	for _, sl := range slots {
		ch, err := e.rig.Attach(ctx, sl.id)
		if err != nil {
			if sl.slot == framesync.Right {
				e.rig.Detach(e.config.Left)
			}
			return fmt.Errorf("attach %s camera: %w", sl.slot, err)
		}
		s.wg.Add(1)
		go func(slot framesync.Slot, ch <-chan camera.Frame) {
			defer s.wg.Done()
			e.sync.Feed(ctx, slot, ch)
		}(sl.slot, ch)
	}
	return nil
}

// Stop cancels the session, waits up to StopTimeout for the loops, then
// closes the stream and connection. It also releases a session left by a
// lost stream.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil {
		return
	}
	monitoring.Logf("[SidecarTracker] Stopping marker tracker...")
	s.stopping.Store(true)
	e.running.Store(false)
	e.teardown(s)
	e.session = nil
	monitoring.Logf("[SidecarTracker] Marker tracker stopped.")
}

func (e *Engine) teardown(s *session) {
	s.cancel()
	if e.rig != nil {
		e.rig.Detach(e.config.Left)
		e.rig.Detach(e.config.Right)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(e.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		// Sending is finished, so closing the send side cannot race it.
		if err := s.stream.CloseSend(); err != nil {
			monitoring.Debugf("[SidecarTracker] CloseSend: %v", err)
		}
	case <-timer.C:
		monitoring.Logf("[SidecarTracker] Loops did not exit within %v, closing connection", e.config.StopTimeout)
	}
	if err := s.conn.Close(); err != nil {
		monitoring.Debugf("[SidecarTracker] Close connection: %v", err)
	}
}

// lose ends a session after a transport failure. Only the first failure
// of a session is reported.
func (e *Engine) lose(s *session, op string, err error) {
	s.lostOnce.Do(func() {
		if s.stopping.Load() {
			return
		}
		monitoring.Logf("[SidecarTracker] Stream lost during %s: %v", op, err)
		e.running.Store(false)
		s.cancel()
		select {
		case e.lost <- struct{}{}:
		default:
		}
	})
}

// IsRunning reports whether the session is live.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// GetWorldPosition returns the cached position of id.
func (e *Engine) GetWorldPosition(id pose.MarkerID) r3.Vec { return e.cache.Position(id) }

// GetWorldRotation returns the cached rotation of id.
func (e *Engine) GetWorldRotation(id pose.MarkerID) quat.Number { return e.cache.Rotation(id) }

// IsDetected reports whether id was reported within the timeout.
func (e *Engine) IsDetected(id pose.MarkerID) bool { return e.cache.IsDetected(id) }

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:          e.sessions.Load(),
		RequestsSent:      e.sent.Load(),
		EncodeFailures:    e.encodeFails.Load(),
		ResponsesReceived: e.received.Load(),
		ResponsesDropped:  e.dropped.Load(),
		PosesApplied:      e.applied.Load(),
		NullPoses:         e.nullPoses.Load(),
		PairsDiscarded:    e.sync.Stats().Discarded,
		ResponseHz:        e.rate.Hz(),
		Running:           e.running.Load(),
	}
}

// resyncDelay is the pause after a discarded frame: a tenth of the sync
// tolerance.
func (e *Engine) resyncDelay() time.Duration {
	return e.config.MaxSync / 10
}

// pause returns how long the writer sleeps after an iteration.
func (e *Engine) pause(discarded bool, elapsed time.Duration) time.Duration {
	if discarded {
		return e.resyncDelay()
	}
	return e.config.LoopDuration - elapsed
}

func (e *Engine) writer(ctx context.Context, s *session) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		start := e.clock.Now()

		before := e.sync.Stats().Discarded
		pair, ok := e.sync.TryPair()
		discarded := !ok && e.sync.Stats().Discarded > before
		if ok {
			if err := e.send(s, pair); err != nil {
				e.lose(s, "send", err)
				return
			}
		}

		if err := timeutil.Sleep(ctx, e.clock, e.pause(discarded, e.clock.Since(start))); err != nil {
			return
		}
	}
}

// send encodes and sends one pair. Encoding failures skip the pair; only
// transport errors are returned.
func (e *Engine) send(s *session, pair framesync.Pair) error {
	left, err := e.codec.Encode(pair.Left)
	if err == nil {
		var right []byte
		right, err = e.codec.Encode(pair.Right)
		if err == nil {
			req := &pb.MarkerTrackerStereoRequest{
				DeviceId:    e.config.DeviceID,
				LeftImage:   left,
				RightImage:  right,
				LeftMatrix:  pose.FormatMatrix(pair.Left.CameraToWorld),
				RightMatrix: pose.FormatMatrix(pair.Right.CameraToWorld),
				Timestamp:   pair.Left.Timestamp,
				ImageFormat: e.codec.Name(),
			}
			if err := s.stream.Send(req); err != nil {
				return err
			}
			e.sent.Add(1)
			monitoring.Debugf("[SidecarTracker] Sent pair ts=%d/%d (skew %d ticks, %d+%d bytes)",
				pair.Left.Timestamp, pair.Right.Timestamp, pair.Skew, len(left), len(right))
			return nil
		}
	}
	n := e.encodeFails.Add(1)
	monitoring.Logf("[SidecarTracker] Skipping pair ts=%d: %v (total encode failures: %d)", pair.Left.Timestamp, err, n)
	return nil
}

func (e *Engine) reader(ctx context.Context, s *session) {
	defer s.wg.Done()
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if ctx.Err() != nil || s.stopping.Load() || status.Code(err) == codes.Canceled {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("sidecar closed the stream")
			}
			e.lose(s, "receive", err)
			return
		}
		e.apply(msg)
	}
}

// apply writes the poses of one response to the cache. A response with any
// unparseable entry is dropped whole.
func (e *Engine) apply(msg *pb.MarkerPositions) {
	e.received.Add(1)
	type update struct {
		id pose.MarkerID
		p  pose.Pose
	}
	updates := make([]update, 0, len(msg.Markers))
	var nulls uint64
	for _, m := range msg.Markers {
		if m == nil {
			continue
		}
		monitoring.Debugf("[SidecarTracker] marker id %d = %s", m.MarkerId, m.PoseMatrix)
		p, ok, err := pb.ParsePose(m.PoseMatrix)
		if err != nil {
			n := e.dropped.Add(1)
			monitoring.Logf("[SidecarTracker] Dropping response: marker %d: %v (total dropped: %d)", m.MarkerId, err, n)
			return
		}
		if !ok {
			nulls++
			continue
		}
		updates = append(updates, update{pose.MarkerID(m.MarkerId), p})
	}
	e.nullPoses.Add(nulls)
	for _, u := range updates {
		if e.cache.Update(u.id, u.p) {
			e.applied.Add(1)
		}
	}
	e.rate.Tick()
}
