package pb

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/banshee-data/marker.tracker/internal/pose"
)

// Codec marshals sidecar messages for gRPC. It reports the "proto" name so
// the content subtype matches a protobuf peer.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return "proto" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("pb: cannot marshal %T", v)
	}
	return m.AppendWire(nil), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("pb: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

// CallOptions forces the sidecar codec on client calls.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(Codec{})}
}

// ServerOption forces the sidecar codec on a server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

// NullPose marks a body the sidecar did not find in the pair.
const NullPose = "null_pose"

// FormatPose renders p as x,y,z,qx,qy,qz,qw.
func FormatPose(p pose.Pose) string {
	v := p.Array()
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParsePose parses a marker pose string. ok is false for NullPose.
func ParsePose(s string) (p pose.Pose, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == NullPose {
		return pose.Pose{}, false, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 7 {
		return pose.Pose{}, false, fmt.Errorf("pose has %d values, want 7", len(parts))
	}
	var v [7]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return pose.Pose{}, false, fmt.Errorf("pose value %d: %w", i, err)
		}
		v[i] = f
	}
	p, err = pose.FromArray(v)
	if err != nil {
		return pose.Pose{}, false, err
	}
	return p, true, nil
}
