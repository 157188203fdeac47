// Package sim provides a synthetic tracking sidecar. It answers Ping and
// Setup like the real service and replies to every stereo pair with poses
// of bodies circling a fixed point, so the remote tracking engine can run
// without the vision backend.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/imagecodec"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/sidecar/pb"
)

// Config describes the synthetic scene.
type Config struct {
	// IDs are reported with a pose in every response.
	IDs []pose.MarkerID
	// NullIDs are reported as not found.
	NullIDs []pose.MarkerID
	Centre  r3.Vec
	Radius  float64
	Period  time.Duration
	// SetupDeviceID, when set, is returned from Setup instead of the
	// caller's device id.
	SetupDeviceID string
	// RequireSetup rejects streams opened before a successful Setup.
	RequireSetup bool
	// CloseAfter ends each stream after that many responses. Zero keeps
	// streams open.
	CloseAfter int
	// MaxRate caps responses per second on each stream. Requests arriving
	// sooner are answered with nothing. Zero answers every request.
	MaxRate float64
}

// DefaultConfig reports the probe and instrument ids on a 10 cm circle
// half a metre in front of the world origin.
func DefaultConfig() Config {
	return Config{
		IDs:          []pose.MarkerID{7, 2},
		Centre:       r3.Vec{Z: 0.5},
		Radius:       0.1,
		Period:       4 * time.Second,
		RequireSetup: true,
	}
}

// Responder builds the reply for one request. It replaces the synthetic
// scene when set on a Server.
type Responder func(req *pb.MarkerTrackerStereoRequest) *pb.MarkerPositions

// Stats are server counters.
type Stats struct {
	Pings       uint64
	Setups      uint64
	Streams     uint64
	Requests    uint64
	BadRequests uint64
	Responses   uint64
	Skipped     uint64
}

// Server implements both sidecar services.
type Server struct {
	config  Config
	Respond Responder

	mu      sync.Mutex
	devices map[string][]byte
	last    *pb.MarkerTrackerStereoRequest

	pings       atomic.Uint64
	setups      atomic.Uint64
	streams     atomic.Uint64
	requests    atomic.Uint64
	badRequests atomic.Uint64
	responses   atomic.Uint64
	skipped     atomic.Uint64
}

var (
	_ pb.SidecarCoreServer   = (*Server)(nil)
	_ pb.MarkerTrackerServer = (*Server)(nil)
)

// NewServer creates a synthetic sidecar.
func NewServer(cfg Config) *Server {
	if cfg.Period <= 0 {
		cfg.Period = 4 * time.Second
	}
	return &Server{config: cfg, devices: make(map[string][]byte)}
}

// Register adds both services to s.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	pb.RegisterSidecarCoreServer(gs, s)
	pb.RegisterMarkerTrackerServer(gs, s)
}

// maxMsgSize fits an uncompressed full-HD stereo pair.
const maxMsgSize = 16 * 1024 * 1024

// NewGRPCServer returns a grpc.Server with the sidecar codec and both
// services registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{pb.ServerOption(), grpc.MaxRecvMsgSize(maxMsgSize)}
	gs := grpc.NewServer(append(base, opts...)...)
	s.Register(gs)
	return gs
}

// Serve runs a gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	monitoring.Logf("[SidecarSim] Listening on %s", lis.Addr())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Ping implements pb.SidecarCoreServer.
func (s *Server) Ping(ctx context.Context, req *pb.SidecarPingRequestV1) (*pb.SidecarPingResponseV1, error) {
	s.pings.Add(1)
	return &pb.SidecarPingResponseV1{S: req.S}, nil
}

// Setup implements pb.MarkerTrackerServer.
func (s *Server) Setup(ctx context.Context, req *pb.MarkerTrackerSetupRequest) (*pb.MarkerTrackerSetupResponse, error) {
	if req.DeviceId == "" {
		return nil, status.Error(codes.InvalidArgument, "device id is required")
	}
	s.setups.Add(1)
	s.mu.Lock()
	s.devices[req.DeviceId] = req.Lut
	s.mu.Unlock()
	monitoring.Logf("[SidecarSim] Setup device=%s lut=%d bytes", req.DeviceId, len(req.Lut))

	id := req.DeviceId
	if s.config.SetupDeviceID != "" {
		id = s.config.SetupDeviceID
	}
	return &pb.MarkerTrackerSetupResponse{DeviceId: id}, nil
}

// TrackStereoStreaming implements pb.MarkerTrackerServer.
func (s *Server) TrackStereoStreaming(stream pb.MarkerTracker_TrackStereoStreamingServer) error {
	s.streams.Add(1)
	monitoring.Logf("[SidecarSim] Stereo stream opened")
	defer monitoring.Logf("[SidecarSim] Stereo stream closed")

	var minGap time.Duration
	if s.config.MaxRate > 0 {
		minGap = time.Duration(float64(time.Second) / s.config.MaxRate)
	}
	var lastSent time.Time
	sent := 0
	for {
		if s.config.CloseAfter > 0 && sent >= s.config.CloseAfter {
			return nil
		}
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.requests.Add(1)

		if err := s.check(req); err != nil {
			s.badRequests.Add(1)
			return err
		}
		s.mu.Lock()
		s.last = req
		s.mu.Unlock()

		if minGap > 0 && !lastSent.IsZero() && time.Since(lastSent) < minGap {
			s.skipped.Add(1)
			continue
		}

		var resp *pb.MarkerPositions
		if s.Respond != nil {
			resp = s.Respond(req)
		} else {
			resp = s.Scene(req.Timestamp)
		}
		if resp == nil {
			continue
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
		sent++
		lastSent = time.Now()
		s.responses.Add(1)
	}
}

// check validates a request the way the real service would before running
// detection on it.
func (s *Server) check(req *pb.MarkerTrackerStereoRequest) error {
	if s.config.RequireSetup {
		s.mu.Lock()
		_, ok := s.devices[req.DeviceId]
		s.mu.Unlock()
		if !ok {
			return status.Errorf(codes.FailedPrecondition, "device %q has not been set up", req.DeviceId)
		}
	}
	if _, err := pose.ParseMatrix(req.LeftMatrix); err != nil {
		return status.Errorf(codes.InvalidArgument, "left matrix: %v", err)
	}
	if _, err := pose.ParseMatrix(req.RightMatrix); err != nil {
		return status.Errorf(codes.InvalidArgument, "right matrix: %v", err)
	}
	if _, err := imagecodec.NewDecoder(req.ImageFormat); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if len(req.LeftImage) == 0 || len(req.RightImage) == 0 {
		return status.Error(codes.InvalidArgument, "stereo request is missing an image")
	}
	return nil
}

// Scene returns the synthetic reply for a capture time in ticks.
func (s *Server) Scene(ticks int64) *pb.MarkerPositions {
	t := camera.TicksDuration(ticks).Seconds()
	resp := &pb.MarkerPositions{}
	for i, id := range s.config.IDs {
		phase := 2*math.Pi*t/s.config.Period.Seconds() + float64(i)*math.Pi
		p := pose.Pose{
			Position: r3.Add(s.config.Centre, r3.Vec{
				X: s.config.Radius * math.Cos(phase),
				Y: s.config.Radius * math.Sin(phase),
			}),
			Rotation: pose.RotationFromVector(r3.Vec{Y: phase}),
		}
		resp.Markers = append(resp.Markers, &pb.Marker{MarkerId: int32(id), PoseMatrix: pb.FormatPose(p)})
	}
	for _, id := range s.config.NullIDs {
		resp.Markers = append(resp.Markers, &pb.Marker{MarkerId: int32(id), PoseMatrix: pb.NullPose})
	}
	return resp
}

// LastRequest returns the most recent valid stereo request.
func (s *Server) LastRequest() *pb.MarkerTrackerStereoRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// DeviceLUT returns the lookup table registered for a device.
func (s *Server) DeviceLUT(deviceID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lut, ok := s.devices[deviceID]
	return lut, ok
}

// Stats returns server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Pings:       s.pings.Load(),
		Setups:      s.setups.Load(),
		Streams:     s.streams.Load(),
		Requests:    s.requests.Load(),
		BadRequests: s.badRequests.Load(),
		Responses:   s.responses.Load(),
		Skipped:     s.skipped.Load(),
	}
}
