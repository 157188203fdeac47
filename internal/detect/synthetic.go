package detect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

// Scene returns the camera-local pose of each visible board at a capture
// tick. Boards missing from the map are not in view.
type Scene func(ticks int64) map[pose.MarkerID]pnp.Estimate

// Synthetic detects patterns by projecting board geometry from a known
// scene instead of reading pixels.
type Synthetic struct {
	Refiner

	Layouts []*board.Layout
	Scene   Scene
	// Intrinsics is used when the frame carries none.
	Intrinsics camera.Intrinsics
	// Noise is the corner noise standard deviation in pixels.
	Noise float64
	// Hidden pattern ids are reported as unidentified candidates.
	Hidden map[int]bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic creates a noise-free synthetic detector.
func NewSynthetic(scene Scene, layouts ...*board.Layout) *Synthetic {
	return &Synthetic{
		Refiner:    NewRefiner(pnp.NewLM()),
		Layouts:    layouts,
		Scene:      scene,
		Intrinsics: camera.DefaultIntrinsics(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Detect implements Detector.
func (s *Synthetic) Detect(f camera.Frame) (Result, error) {
	var res Result
	if s.Scene == nil {
		return res, nil
	}
	intr := s.Intrinsics
	if f.Intrinsics != nil {
		intr = *f.Intrinsics
	}

	poses := s.Scene(f.Timestamp)
	for _, l := range s.Layouts {
		est, ok := poses[l.MarkerID]
		if !ok {
			continue
		}
		for _, id := range l.IDs() {
			corners, _ := l.Corners(id)
			pts, visible := s.project(corners, est, intr)
			if !visible {
				continue
			}
			if s.Hidden[id] {
				res.Rejected = append(res.Rejected, board.Candidate(pts))
				continue
			}
			res.Detections = append(res.Detections, board.Detection{ID: id, Corners: pts})
		}
	}
	return res, nil
}

func (s *Synthetic) project(corners board.Corners, est pnp.Estimate, intr camera.Intrinsics) ([4]camera.Point, bool) {
	var out [4]camera.Point
	proj := pnp.Project(corners[:], est, intr)
	s.mu.Lock()
	defer s.mu.Unlock()
	for j, p := range proj {
		if math.IsNaN(p.X) || !intr.Contains(p) {
			return out, false
		}
		if s.Noise > 0 {
			p.X += s.rng.NormFloat64() * s.Noise
			p.Y += s.rng.NormFloat64() * s.Noise
		}
		out[j] = p
	}
	return out, true
}

// Orbit returns a scene where each board circles a point in front of the
// camera once per period, facing the camera.
func Orbit(centre r3.Vec, radius float64, period time.Duration, ids ...pose.MarkerID) Scene {
	return func(ticks int64) map[pose.MarkerID]pnp.Estimate {
		t := camera.TicksDuration(ticks).Seconds()
		out := make(map[pose.MarkerID]pnp.Estimate, len(ids))
		for i, id := range ids {
			phase := 2*math.Pi*t/period.Seconds() + float64(i)*math.Pi
			out[id] = pnp.Estimate{
				Rvec: r3.Vec{X: math.Pi + 0.2*math.Sin(phase), Y: 0.2 * math.Cos(phase)},
				Tvec: r3.Add(centre, r3.Vec{X: radius * math.Cos(phase), Y: radius * math.Sin(phase)}),
			}
		}
		return out
	}
}
