package pb

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names.
const (
	SidecarCorePingMethod                   = "/sidecar.SidecarCoreServiceV1/Ping"
	MarkerTrackerSetupMethod                = "/sidecar.MarkerTrackerServiceV1/Setup"
	MarkerTrackerTrackStereoStreamingMethod = "/sidecar.MarkerTrackerServiceV1/TrackStereoStreaming"
)

// SidecarCoreServer is the server API for SidecarCoreServiceV1.
type SidecarCoreServer interface {
	Ping(context.Context, *SidecarPingRequestV1) (*SidecarPingResponseV1, error)
}

// MarkerTracker_TrackStereoStreamingServer is the server side of the stereo
// tracking stream.
type MarkerTracker_TrackStereoStreamingServer = grpc.BidiStreamingServer[MarkerTrackerStereoRequest, MarkerPositions]

// MarkerTracker_TrackStereoStreamingClient is the client side of the stereo
// tracking stream.
type MarkerTracker_TrackStereoStreamingClient = grpc.BidiStreamingClient[MarkerTrackerStereoRequest, MarkerPositions]

// MarkerTrackerServer is the server API for MarkerTrackerServiceV1.
type MarkerTrackerServer interface {
	Setup(context.Context, *MarkerTrackerSetupRequest) (*MarkerTrackerSetupResponse, error)
	TrackStereoStreaming(MarkerTracker_TrackStereoStreamingServer) error
}

// SidecarCoreServiceDesc describes SidecarCoreServiceV1.
var SidecarCoreServiceDesc = grpc.ServiceDesc{
	ServiceName: "sidecar.SidecarCoreServiceV1",
	HandlerType: (*SidecarCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
	Metadata: "sidecar.proto",
}

// MarkerTrackerServiceDesc describes MarkerTrackerServiceV1.
var MarkerTrackerServiceDesc = grpc.ServiceDesc{
	ServiceName: "sidecar.MarkerTrackerServiceV1",
	HandlerType: (*MarkerTrackerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Setup", Handler: setupHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackStereoStreaming",
			Handler:       trackStereoStreamingHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sidecar.proto",
}

// RegisterSidecarCoreServer registers srv on s.
func RegisterSidecarCoreServer(s grpc.ServiceRegistrar, srv SidecarCoreServer) {
	s.RegisterService(&SidecarCoreServiceDesc, srv)
}

// RegisterMarkerTrackerServer registers srv on s.
func RegisterMarkerTrackerServer(s grpc.ServiceRegistrar, srv MarkerTrackerServer) {
	s.RegisterService(&MarkerTrackerServiceDesc, srv)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SidecarPingRequestV1)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SidecarCoreServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SidecarCorePingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SidecarCoreServer).Ping(ctx, req.(*SidecarPingRequestV1))
	}
	return interceptor(ctx, in, info, handler)
}

func setupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MarkerTrackerSetupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarkerTrackerServer).Setup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MarkerTrackerSetupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarkerTrackerServer).Setup(ctx, req.(*MarkerTrackerSetupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func trackStereoStreamingHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MarkerTrackerServer).TrackStereoStreaming(&grpc.GenericServerStream[MarkerTrackerStereoRequest, MarkerPositions]{ServerStream: stream})
}

// SidecarCoreClient calls SidecarCoreServiceV1.
type SidecarCoreClient struct {
	cc grpc.ClientConnInterface
}

// NewSidecarCoreClient wraps cc.
func NewSidecarCoreClient(cc grpc.ClientConnInterface) *SidecarCoreClient {
	return &SidecarCoreClient{cc: cc}
}

// Ping sends a nonce and returns the echo.
func (c *SidecarCoreClient) Ping(ctx context.Context, in *SidecarPingRequestV1, opts ...grpc.CallOption) (*SidecarPingResponseV1, error) {
	out := new(SidecarPingResponseV1)
	if err := c.cc.Invoke(ctx, SidecarCorePingMethod, in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkerTrackerClient calls MarkerTrackerServiceV1.
type MarkerTrackerClient struct {
	cc grpc.ClientConnInterface
}

// NewMarkerTrackerClient wraps cc.
func NewMarkerTrackerClient(cc grpc.ClientConnInterface) *MarkerTrackerClient {
	return &MarkerTrackerClient{cc: cc}
}

// Setup registers the device with the sidecar.
func (c *MarkerTrackerClient) Setup(ctx context.Context, in *MarkerTrackerSetupRequest, opts ...grpc.CallOption) (*MarkerTrackerSetupResponse, error) {
	out := new(MarkerTrackerSetupResponse)
	if err := c.cc.Invoke(ctx, MarkerTrackerSetupMethod, in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackStereoStreaming opens the duplex tracking stream.
func (c *MarkerTrackerClient) TrackStereoStreaming(ctx context.Context, opts ...grpc.CallOption) (MarkerTracker_TrackStereoStreamingClient, error) {
	stream, err := c.cc.NewStream(ctx, &MarkerTrackerServiceDesc.Streams[0], MarkerTrackerTrackStereoStreamingMethod, append(CallOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[MarkerTrackerStereoRequest, MarkerPositions]{ClientStream: stream}, nil
}
