package camera

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
)

// SyntheticDriver produces blank-scene frames at a fixed rate for every
// stream. It stands in for the headset driver in tools and tests.
type SyntheticDriver struct {
	// Configuration
	FrameRate  float64 // frames per second per stream
	Intrinsics Intrinsics
	Jitter     time.Duration // max random capture-time offset per frame
	// CameraToWorld returns the device pose for a stream at a capture tick.
	// Nil places every camera at the origin looking along world +Z.
	CameraToWorld func(id StreamID, ticks int64) pose.Mat4

	clock timeutil.Clock
	image []byte

	mu     sync.Mutex
	rng    *rand.Rand
	opened bool
	wg     sync.WaitGroup
}

// NewSyntheticDriver creates a 30 fps driver with default intrinsics.
func NewSyntheticDriver(clock timeutil.Clock) *SyntheticDriver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticDriver{
		FrameRate:  30,
		Intrinsics: DefaultIntrinsics(),
		clock:      clock,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Open renders the shared test image.
func (d *SyntheticDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return errors.New("synthetic driver already open")
	}
	if err := d.Intrinsics.Validate(); err != nil {
		return fmt.Errorf("synthetic intrinsics: %w", err)
	}
	if d.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %v", d.FrameRate)
	}
	w, h := d.Intrinsics.Width, d.Intrinsics.Height
	d.image = make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d.image[y*w+x] = byte((x/32 + y/32) % 2 * 200)
		}
	}
	d.opened = true
	return nil
}

// Stream emits frames until ctx is done. Frames are dropped when the
// consumer falls behind. All frames share one read-only pixel buffer.
func (d *SyntheticDriver) Stream(ctx context.Context, id StreamID) (<-chan Frame, error) {
	d.mu.Lock()
	opened := d.opened
	d.mu.Unlock()
	if !opened {
		return nil, errors.New("synthetic driver not open")
	}

	out := make(chan Frame, 2)
	interval := time.Duration(float64(time.Second) / d.FrameRate)
	ticker := d.clock.NewTicker(interval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				f := d.frame(id, now)
				select {
				case out <- f:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (d *SyntheticDriver) frame(id StreamID, now time.Time) Frame {
	ts := Ticks(now)
	if d.Jitter > 0 {
		d.mu.Lock()
		ts += d.rng.Int63n(DurationTicks(d.Jitter) + 1)
		d.mu.Unlock()
	}
	c2w := pose.Scale4(1, 1, -1)
	if d.CameraToWorld != nil {
		c2w = d.CameraToWorld(id, ts)
	}
	intr := d.Intrinsics
	return Frame{
		Stream:        id,
		Pixels:        d.image,
		Width:         intr.Width,
		Height:        intr.Height,
		Timestamp:     ts,
		CameraToWorld: c2w,
		Intrinsics:    &intr,
	}
}

// Close waits for stream goroutines. Streams must already be cancelled.
func (d *SyntheticDriver) Close() error {
	d.wg.Wait()
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
	return nil
}
