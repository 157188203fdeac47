// Package pb holds the wire messages and service descriptors of the tracking
// sidecar. The schema is sidecar.proto; messages are encoded field by field
// with protowire so they are byte compatible with it.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every sidecar wire message.
type Message interface {
	AppendWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

// SidecarPingRequestV1 carries a nonce the sidecar must echo.
type SidecarPingRequestV1 struct {
	S string // 1
}

// SidecarPingResponseV1 is the echoed nonce.
type SidecarPingResponseV1 struct {
	S string // 1
}

// MarkerTrackerSetupRequest registers the device and its lens lookup table.
type MarkerTrackerSetupRequest struct {
	DeviceId string // 1
	Lut      []byte // 2
}

// MarkerTrackerSetupResponse echoes the registered device id.
type MarkerTrackerSetupResponse struct {
	DeviceId string // 1
}

// MarkerTrackerStereoRequest is one synchronized stereo pair.
type MarkerTrackerStereoRequest struct {
	DeviceId    string // 1
	LeftImage   []byte // 2
	RightImage  []byte // 3
	LeftMatrix  string // 4
	RightMatrix string // 5
	Timestamp   int64  // 6
	ImageFormat string // 7
}

// Marker is one tracked body in a response. PoseMatrix is either
// "x,y,z,qx,qy,qz,qw" in world space or NullPose.
type Marker struct {
	MarkerId   int32  // 1
	PoseMatrix string // 2
}

// MarkerPositions is one tracking response.
type MarkerPositions struct {
	Markers []*Marker // 1
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// walk calls fn with the raw value of every field in b. Unknown fields are
// passed through and may be ignored by fn.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func wantType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

func stringValue(num protowire.Number, typ protowire.Type, raw []byte) (string, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return "", err
	}
	s, n := protowire.ConsumeString(raw)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return s, nil
}

func bytesValue(num protowire.Number, typ protowire.Type, raw []byte) ([]byte, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return append([]byte(nil), v...), nil
}

func intValue(num protowire.Number, typ protowire.Type, raw []byte) (int64, error) {
	if err := wantType(num, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return int64(v), nil
}

func (m *SidecarPingRequestV1) AppendWire(b []byte) []byte { return appendString(b, 1, m.S) }

func (m *SidecarPingRequestV1) UnmarshalWire(b []byte) error {
	*m = SidecarPingRequestV1{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) (err error) {
		if num == 1 {
			m.S, err = stringValue(num, typ, raw)
		}
		return err
	})
}

func (m *SidecarPingResponseV1) AppendWire(b []byte) []byte { return appendString(b, 1, m.S) }

func (m *SidecarPingResponseV1) UnmarshalWire(b []byte) error {
	*m = SidecarPingResponseV1{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) (err error) {
		if num == 1 {
			m.S, err = stringValue(num, typ, raw)
		}
		return err
	})
}

func (m *MarkerTrackerSetupRequest) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.DeviceId)
	return appendBytes(b, 2, m.Lut)
}

func (m *MarkerTrackerSetupRequest) UnmarshalWire(b []byte) error {
	*m = MarkerTrackerSetupRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) (err error) {
		switch num {
		case 1:
			m.DeviceId, err = stringValue(num, typ, raw)
		case 2:
			m.Lut, err = bytesValue(num, typ, raw)
		}
		return err
	})
}

func (m *MarkerTrackerSetupResponse) AppendWire(b []byte) []byte {
	return appendString(b, 1, m.DeviceId)
}

func (m *MarkerTrackerSetupResponse) UnmarshalWire(b []byte) error {
	*m = MarkerTrackerSetupResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) (err error) {
		if num == 1 {
			m.DeviceId, err = stringValue(num, typ, raw)
		}
		return err
	})
}

func (m *MarkerTrackerStereoRequest) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.DeviceId)
	b = appendBytes(b, 2, m.LeftImage)
	b = appendBytes(b, 3, m.RightImage)
	b = appendString(b, 4, m.LeftMatrix)
	b = appendString(b, 5, m.RightMatrix)
	b = appendInt(b, 6, m.Timestamp)
	return appendString(b, 7, m.ImageFormat)
}

func (m *MarkerTrackerStereoRequest) UnmarshalWire(b []byte) error {
	*m = MarkerTrackerStereoRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) (err error) {
		switch num {
		case 1:
			m.DeviceId, err = stringValue(num, typ, raw)
		case 2:
			m.LeftImage, err = bytesValue(num, typ, raw)
		case 3:
			m.RightImage, err = bytesValue(num, typ, raw)
		case 4:
			m.LeftMatrix, err = stringValue(num, typ, raw)
		case 5:
			m.RightMatrix, err = stringValue(num, typ, raw)
		case 6:
			m.Timestamp, err = intValue(num, typ, raw)
		case 7:
			m.ImageFormat, err = stringValue(num, typ, raw)
		}
		return err
	})
}

func (m *Marker) AppendWire(b []byte) []byte {
	b = appendInt(b, 1, int64(m.MarkerId))
	return appendString(b, 2, m.PoseMatrix)
}

func (m *Marker) UnmarshalWire(b []byte) error {
	*m = Marker{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			v, err := intValue(num, typ, raw)
			if err != nil {
				return err
			}
			m.MarkerId = int32(v)
		case 2:
			s, err := stringValue(num, typ, raw)
			if err != nil {
				return err
			}
			m.PoseMatrix = s
		}
		return nil
	})
}

func (m *MarkerPositions) AppendWire(b []byte) []byte {
	for _, mk := range m.Markers {
		if mk == nil {
			continue
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, mk.AppendWire(nil))
	}
	return b
}

func (m *MarkerPositions) UnmarshalWire(b []byte) error {
	*m = MarkerPositions{}
	return walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num != 1 {
			return nil
		}
		body, err := bytesValue(num, typ, raw)
		if err != nil {
			return err
		}
		mk := new(Marker)
		if err := mk.UnmarshalWire(body); err != nil {
			return fmt.Errorf("marker %d: %w", len(m.Markers), err)
		}
		m.Markers = append(m.Markers, mk)
		return nil
	})
}
