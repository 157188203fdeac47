// Package tracker is the single entry point consumers use to read marker
// poses. It hides whether poses are computed on-device or by a remote
// sidecar.
package tracker

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/detect"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/timeutil"
	"github.com/banshee-data/marker.tracker/internal/tracker/local"
	"github.com/banshee-data/marker.tracker/internal/tracker/sidecar"
)

// Mode selects the tracking engine.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeSidecar Mode = "sidecar"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLocal, ModeSidecar:
		return m, nil
	case "":
		return ModeLocal, nil
	default:
		return "", fmt.Errorf("unknown tracking mode %q", s)
	}
}

// MarkerTracker is the query surface shared by both engines. Queries are
// safe from any goroutine and never block on tracking work.
type MarkerTracker interface {
	Start() error
	Stop()
	IsRunning() bool
	GetWorldPosition(id pose.MarkerID) r3.Vec
	GetWorldRotation(id pose.MarkerID) quat.Number
	IsDetected(id pose.MarkerID) bool
	Cache() *pose.Cache
}

var (
	_ MarkerTracker = (*local.Engine)(nil)
	_ MarkerTracker = (*sidecar.Engine)(nil)
)

// Options carries everything New needs for either engine.
type Options struct {
	Mode    Mode
	Local   local.Config
	Sidecar sidecar.Config

	// Detector is required in local mode.
	Detector detect.Detector
	// Solver defaults to the Levenberg-Marquardt solver.
	Solver pnp.Solver

	Rig         *camera.Rig
	Clock       timeutil.Clock
	DialOptions []grpc.DialOption
}

// New builds a stopped tracker for opts.Mode.
func New(opts Options) (MarkerTracker, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeSidecar:
		e, err := sidecar.New(opts.Sidecar, opts.Rig, opts.Clock, opts.DialOptions...)
		if err != nil {
			return nil, fmt.Errorf("sidecar tracker: %w", err)
		}
		return e, nil
	default:
		e, err := local.New(opts.Local, opts.Detector, opts.Solver, opts.Rig, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("local tracker: %w", err)
		}
		return e, nil
	}
}

// StreamLost returns the channel signalled when a remote tracker loses its
// stream. Local trackers never lose their source, so the result is nil and
// blocks forever in a select.
func StreamLost(t MarkerTracker) <-chan struct{} {
	if l, ok := t.(interface{ StreamLost() <-chan struct{} }); ok {
		return l.StreamLost()
	}
	return nil
}

// MarkerState is one marker's view as seen through the facade.
type MarkerState struct {
	ID       pose.MarkerID `json:"id"`
	Detected bool          `json:"detected"`
	Position [3]float64    `json:"position"`
	Rotation [4]float64    `json:"rotation"`
}

// Status is a point-in-time summary of a tracker for the debug routes.
type Status struct {
	Mode    Mode          `json:"mode"`
	Running bool          `json:"running"`
	Markers []MarkerState `json:"markers"`
	Engine  any           `json:"engine,omitempty"`
}

// Describe captures the state of every tracked marker along with the
// engine's own counters.
func Describe(t MarkerTracker) Status {
	st := Status{Running: t.IsRunning()}
	switch e := t.(type) {
	case *local.Engine:
		st.Mode = ModeLocal
		st.Engine = e.Stats()
	case *sidecar.Engine:
		st.Mode = ModeSidecar
		st.Engine = e.Stats()
	}
	for _, id := range t.Cache().IDs() {
		p := t.GetWorldPosition(id)
		q := t.GetWorldRotation(id)
		st.Markers = append(st.Markers, MarkerState{
			ID:       id,
			Detected: t.IsDetected(id),
			Position: [3]float64{p.X, p.Y, p.Z},
			Rotation: [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
		})
	}
	return st
}
