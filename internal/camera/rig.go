package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/marker.tracker/internal/monitoring"
)

// ErrStreamAttached is returned when a stream already has a consumer.
var ErrStreamAttached = errors.New("camera stream already attached")

// ErrRigClosed is returned by Attach after Close.
var ErrRigClosed = errors.New("camera rig closed")

// Driver is the device capture layer. Open initialises the sensors once;
// Stream delivers frames for one sensor until ctx is cancelled, then
// closes the channel.
type Driver interface {
	Open() error
	Stream(ctx context.Context, id StreamID) (<-chan Frame, error)
	Close() error
}

// Rig owns the capture device for the lifetime of the application. It is
// created once at wiring time and handed to whichever engine needs frames.
// The device is opened on first use and each stream may have only one
// consumer at a time, since sensor drivers crash when initialised twice.
type Rig struct {
	driver Driver

	mu       sync.Mutex
	opened   bool
	closed   bool
	attached map[StreamID]context.CancelFunc
}

// NewRig wraps driver. The driver is not opened until the first Attach.
func NewRig(driver Driver) *Rig {
	return &Rig{driver: driver, attached: make(map[StreamID]context.CancelFunc)}
}

// Attach starts delivery for stream id. The returned channel closes when
// ctx is cancelled or Detach is called.
func (r *Rig) Attach(ctx context.Context, id StreamID) (<-chan Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRigClosed
	}
	if _, ok := r.attached[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrStreamAttached)
	}
	if !r.opened {
		if err := r.driver.Open(); err != nil {
			return nil, fmt.Errorf("open camera driver: %w", err)
		}
		r.opened = true
		monitoring.Logf("[CameraRig] Driver opened")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := r.driver.Stream(streamCtx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start stream %s: %w", id, err)
	}
	r.attached[id] = cancel
	monitoring.Logf("[CameraRig] Stream %s attached", id)
	return ch, nil
}

// Detach stops delivery for id. Detaching an unattached stream is a no-op.
func (r *Rig) Detach(id StreamID) {
	r.mu.Lock()
	cancel, ok := r.attached[id]
	delete(r.attached, id)
	r.mu.Unlock()
	if ok {
		cancel()
		monitoring.Logf("[CameraRig] Stream %s detached", id)
	}
}

// Attached reports whether id currently has a consumer.
func (r *Rig) Attached(id StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attached[id]
	return ok
}

// Close stops every stream and releases the driver.
func (r *Rig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, cancel := range r.attached {
		cancel()
		delete(r.attached, id)
	}
	if !r.opened {
		return nil
	}
	return r.driver.Close()
}
