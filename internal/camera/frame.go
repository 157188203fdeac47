package camera

import (
	"time"

	"github.com/banshee-data/marker.tracker/internal/pose"
)

// TicksPerMillisecond is the capture timestamp resolution (100 ns ticks).
const TicksPerMillisecond int64 = 10000

// StreamID names a sensor stream on the capture device.
type StreamID string

const (
	// StreamLeft and StreamRight are the two front-facing grayscale sensors
	// used as the stereo pair for remote tracking.
	StreamLeft  StreamID = "left_front"
	StreamRight StreamID = "right_front"
	// StreamPhotoVideo is the single colour camera, delivered as grayscale,
	// used by local tracking.
	StreamPhotoVideo StreamID = "photo_video"
)

// Frame is one captured grayscale image with the pose of the camera at
// capture time.
type Frame struct {
	Stream StreamID
	// Pixels holds Width*Height 8-bit intensity values, row major.
	Pixels []byte
	Width  int
	Height int
	// Timestamp is the monotonic capture time in 100 ns ticks.
	Timestamp     int64
	CameraToWorld pose.Mat4
	// Intrinsics is nil when the driver does not report calibration.
	Intrinsics *Intrinsics
}

// Ticks converts a wall-clock time to capture ticks.
func Ticks(t time.Time) int64 {
	return t.UnixNano() / 100
}

// DurationTicks converts a duration to capture ticks.
func DurationTicks(d time.Duration) int64 {
	return int64(d / 100)
}

// TicksDuration converts capture ticks to a duration.
func TicksDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * 100
}
