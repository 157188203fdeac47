// Package detect defines the fiducial marker detector consumed by local
// tracking, a projection-based refinement step that recovers board
// patterns from rejected candidates, and a synthetic detector for runs
// without a camera.
package detect

import (
	"math"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pnp"
)

// Result is the output of one detection pass.
type Result struct {
	Detections []board.Detection
	// Rejected are quadrilaterals that looked like markers but could not be
	// identified.
	Rejected []board.Candidate
}

// Detector finds fiducial patterns in a frame.
type Detector interface {
	Detect(f camera.Frame) (Result, error)
	// Refine returns found extended with patterns of layout matched among
	// rejected, and the candidates still unmatched.
	Refine(layout *board.Layout, found []board.Detection, rejected []board.Candidate, intr camera.Intrinsics) ([]board.Detection, []board.Candidate)
}

// DefaultMinRepDistance is the largest mean corner distance, in pixels,
// at which a candidate is accepted as a projected board pattern.
const DefaultMinRepDistance = 1.0

// Refiner recovers missing board patterns: it estimates the board pose from
// the patterns already found, projects the missing ones, and claims the
// rejected candidate closest to each projection.
type Refiner struct {
	Solver         pnp.Solver
	MinRepDistance float64
	// CheckAllOrders also tries the three rotations of each candidate's
	// corner order.
	CheckAllOrders bool
}

// NewRefiner returns a refiner with the default thresholds.
func NewRefiner(s pnp.Solver) Refiner {
	return Refiner{Solver: s, MinRepDistance: DefaultMinRepDistance, CheckAllOrders: true}
}

// Refine implements the Detector refinement step.
func (r Refiner) Refine(layout *board.Layout, found []board.Detection, rejected []board.Candidate, intr camera.Intrinsics) ([]board.Detection, []board.Candidate) {
	if len(found) == 0 || len(rejected) == 0 || r.Solver == nil {
		return found, rejected
	}
	obj, img := layout.Correspondences(found)
	est, err := r.Solver.Solve(obj, img, intr, nil)
	if err != nil {
		return found, rejected
	}

	have := make(map[int]bool, len(found))
	for _, d := range found {
		have[d.ID] = true
	}
	remaining := append([]board.Candidate(nil), rejected...)
	out := append([]board.Detection(nil), found...)

	orders := 1
	if r.CheckAllOrders {
		orders = 4
	}
	limit := r.MinRepDistance
	if limit <= 0 {
		limit = DefaultMinRepDistance
	}

	for _, id := range layout.IDs() {
		if have[id] {
			continue
		}
		corners, _ := layout.Corners(id)
		proj := r.Solver.Project(corners[:], est, intr)

		best, bestRot, bestDist := -1, 0, math.Inf(1)
		for ci, cand := range remaining {
			for rot := 0; rot < orders; rot++ {
				var sum float64
				for j := 0; j < 4; j++ {
					p := cand[(j+rot)%4]
					sum += math.Hypot(p.X-proj[j].X, p.Y-proj[j].Y)
				}
				if d := sum / 4; d < bestDist {
					best, bestRot, bestDist = ci, rot, d
				}
			}
		}
		if best < 0 || !(bestDist < limit) {
			continue
		}
		cand := remaining[best]
		var det board.Detection
		det.ID = id
		for j := 0; j < 4; j++ {
			det.Corners[j] = cand[(j+bestRot)%4]
		}
		out = append(out, det)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out, remaining
}
