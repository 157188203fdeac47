// Package pnp estimates a rigid pose from 3D-2D point correspondences.
//
// Solver is the perspective pose capability used by local tracking.
// SolveIterative wraps any Solver in a bounded refinement loop that stops
// as soon as the mean reprojection error drops below epsilon.
package pnp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

// ErrDegenerate is returned when the correspondences cannot determine a
// pose: too few points, collinear points, or a singular system.
var ErrDegenerate = errors.New("degenerate point configuration")

// Estimate is a camera-local rigid pose: Xcam = R(Rvec)*Xobj + Tvec, with
// Rvec a Rodrigues rotation vector.
type Estimate struct {
	Rvec r3.Vec
	Tvec r3.Vec
}

// Pose converts the estimate to a camera-local pose.
func (e Estimate) Pose() pose.Pose {
	return pose.Pose{Position: e.Tvec, Rotation: pose.RotationFromVector(e.Rvec)}
}

// Transform maps an object point into the camera frame.
func (e Estimate) Transform(p r3.Vec) r3.Vec {
	return r3.Add(pose.Rotate(pose.RotationFromVector(e.Rvec), p), e.Tvec)
}

// Solver is a perspective pose solver.
type Solver interface {
	// Solve estimates the pose. A nil guess starts from scratch; otherwise
	// the guess is refined.
	Solve(object []r3.Vec, image []camera.Point, intr camera.Intrinsics, guess *Estimate) (Estimate, error)
	// Project maps object points into the image under est.
	Project(object []r3.Vec, est Estimate, intr camera.Intrinsics) []camera.Point
}

// Project is the shared projection used by the solvers in this package.
// Points at or behind the camera project to NaN.
func Project(object []r3.Vec, est Estimate, intr camera.Intrinsics) []camera.Point {
	q := pose.RotationFromVector(est.Rvec)
	out := make([]camera.Point, len(object))
	for i, p := range object {
		c := r3.Add(pose.Rotate(q, p), est.Tvec)
		px, ok := intr.Project(c)
		if !ok {
			px = camera.Point{X: math.NaN(), Y: math.NaN()}
		}
		out[i] = px
	}
	return out
}

// ReprojectionError is the mean Euclidean distance between matching
// points. Mismatched lengths or empty input yield +Inf.
func ReprojectionError(observed, projected []camera.Point) float64 {
	if len(observed) == 0 || len(observed) != len(projected) {
		return math.Inf(1)
	}
	var sum float64
	for i := range observed {
		sum += math.Hypot(observed[i].X-projected[i].X, observed[i].Y-projected[i].Y)
	}
	return sum / float64(len(observed))
}

// Options bounds the refinement loop.
type Options struct {
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	Epsilon       float64 `json:"epsilon" mapstructure:"epsilon"`
}

// DefaultOptions matches the tracker defaults: 20 iterations, 1e-4 px.
func DefaultOptions() Options {
	return Options{MaxIterations: 20, Epsilon: 1e-4}
}

// Validate checks the loop bounds.
func (o Options) Validate() error {
	if o.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", o.MaxIterations)
	}
	if !(o.Epsilon > 0) {
		return fmt.Errorf("epsilon must be positive, got %v", o.Epsilon)
	}
	return nil
}

// Result is the outcome of SolveIterative.
type Result struct {
	Estimate
	Iterations int
	Error      float64 // mean reprojection error in pixels
	Converged  bool
}

// SolveIterative repeats solve, reproject and measure up to
// opts.MaxIterations times, stopping early once the error is below
// opts.Epsilon. When the loop runs out without converging the last estimate
// is returned with Converged false. A failure on the first solve is
// returned as an error; a later failure ends the loop with the previous
// estimate.
func SolveIterative(s Solver, object []r3.Vec, image []camera.Point, intr camera.Intrinsics, opts Options) (Result, error) {
	if len(object) != len(image) {
		return Result{}, fmt.Errorf("%d object points for %d image points: %w", len(object), len(image), ErrDegenerate)
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}

	var res Result
	var guess *Estimate
	for i := 0; i < opts.MaxIterations; i++ {
		est, err := s.Solve(object, image, intr, guess)
		if err != nil {
			if guess == nil {
				return Result{}, err
			}
			break
		}
		guess = &est
		res.Estimate = est
		res.Iterations = i + 1
		res.Error = ReprojectionError(image, s.Project(object, est, intr))
		if res.Error < opts.Epsilon {
			res.Converged = true
			break
		}
	}
	return res, nil
}
