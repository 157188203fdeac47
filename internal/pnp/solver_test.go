package pnp

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

func probeObjectPoints(t *testing.T) []r3.Vec {
	t.Helper()
	l, err := board.New(board.DefaultProbe())
	require.NoError(t, err)
	var pts []r3.Vec
	for _, id := range l.IDs() {
		c, _ := l.Corners(id)
		pts = append(pts, c[:]...)
	}
	return pts
}

func cubePoints() []r3.Vec {
	var pts []r3.Vec
	for _, x := range []float64{-0.03, 0.03} {
		for _, y := range []float64{-0.03, 0.03} {
			for _, z := range []float64{-0.03, 0.03} {
				pts = append(pts, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return pts
}

func truthEstimate() Estimate {
	return Estimate{Rvec: r3.Vec{X: 0.3, Y: -0.4, Z: 0.2}, Tvec: r3.Vec{X: 0.05, Y: -0.02, Z: 0.45}}
}

func assertClose(t *testing.T, want, got Estimate, posTol, angTol float64) {
	t.Helper()
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want.Tvec, got.Tvec)), posTol, "translation want %v got %v", want.Tvec, got.Tvec)
	ang := pose.AngleBetween(pose.RotationFromVector(want.Rvec), pose.RotationFromVector(got.Rvec))
	assert.InDelta(t, 0, ang, angTol, "rotation want %v got %v", want.Rvec, got.Rvec)
}

func TestSolveIterative_RecoversPose(t *testing.T) {
	distorted := camera.Intrinsics{
		Fx: 900, Fy: 905, Cx: 640, Cy: 360, Width: 1280, Height: 720,
		K1: -0.1, K2: 0.02, P1: 0.0005, P2: -0.0003,
	}
	tests := []struct {
		name   string
		object func(*testing.T) []r3.Vec
		intr   camera.Intrinsics
	}{
		{"planar board pinhole", probeObjectPoints, camera.DefaultIntrinsics()},
		{"planar board distorted", probeObjectPoints, distorted},
		{"cube pinhole", func(*testing.T) []r3.Vec { return cubePoints() }, camera.DefaultIntrinsics()},
		{"cube distorted", func(*testing.T) []r3.Vec { return cubePoints() }, distorted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := tt.object(t)
			truth := truthEstimate()
			img := Project(obj, truth, tt.intr)

			res, err := SolveIterative(NewLM(), obj, img, tt.intr, DefaultOptions())
			require.NoError(t, err)
			assert.True(t, res.Converged, "error %g after %d iterations", res.Error, res.Iterations)
			assert.Less(t, res.Error, DefaultOptions().Epsilon)
			assert.LessOrEqual(t, res.Iterations, DefaultOptions().MaxIterations)
			assertClose(t, truth, res.Estimate, 1e-6, 1e-5)
		})
	}
}

func TestSolveIterative_NoisyObservationsRunToCap(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	intr := camera.DefaultIntrinsics()
	obj := probeObjectPoints(t)
	truth := truthEstimate()
	img := Project(obj, truth, intr)
	for i := range img {
		img[i].X += rng.NormFloat64() * 0.3
		img[i].Y += rng.NormFloat64() * 0.3
	}

	opts := Options{MaxIterations: 8, Epsilon: 1e-4}
	res, err := SolveIterative(NewLM(), obj, img, intr, opts)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, opts.MaxIterations, res.Iterations)
	assert.Less(t, res.Error, 1.0)
	assertClose(t, truth, res.Estimate, 5e-3, 0.05)
}

// scriptedSolver reports a fixed reprojection error per call so the loop's
// stopping rule can be checked exactly.
type scriptedSolver struct {
	errs    []float64
	calls   int
	failAt  int // 1-based call that fails; 0 never
	lastArg *Estimate
}

func (s *scriptedSolver) Solve(object []r3.Vec, image []camera.Point, intr camera.Intrinsics, guess *Estimate) (Estimate, error) {
	s.calls++
	s.lastArg = guess
	if s.calls == s.failAt {
		return Estimate{}, ErrDegenerate
	}
	return Estimate{Tvec: r3.Vec{X: float64(s.calls)}}, nil
}

func (s *scriptedSolver) Project(object []r3.Vec, est Estimate, intr camera.Intrinsics) []camera.Point {
	e := s.errs[int(est.Tvec.X)-1]
	out := make([]camera.Point, len(object))
	for i := range out {
		out[i] = camera.Point{X: e}
	}
	return out
}

func TestSolveIterative_EarlyExit(t *testing.T) {
	obj := make([]r3.Vec, 4)
	img := make([]camera.Point, 4)
	opts := Options{MaxIterations: 10, Epsilon: 1e-3}

	tests := []struct {
		name      string
		errs      []float64
		wantIters int
		converged bool
	}{
		{"first iteration", []float64{1e-4}, 1, true},
		{"third iteration", []float64{5, 0.2, 5e-4, 1e-6}, 3, true},
		{"exactly epsilon is not converged", []float64{1e-3, 1e-3, 9e-4}, 3, true},
		{"never", []float64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0.5, 0.1}, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSolver{errs: tt.errs}
			res, err := SolveIterative(s, obj, img, camera.DefaultIntrinsics(), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIters, res.Iterations)
			assert.Equal(t, tt.wantIters, s.calls, "solver calls")
			assert.Equal(t, tt.converged, res.Converged)
			// the last estimate is kept either way
			assert.Equal(t, float64(tt.wantIters), res.Tvec.X)
			assert.InDelta(t, tt.errs[tt.wantIters-1], res.Error, 1e-15)
		})
	}
}

func TestSolveIterative_RefinesPreviousEstimate(t *testing.T) {
	s := &scriptedSolver{errs: []float64{1, 1, 1}}
	_, err := SolveIterative(s, make([]r3.Vec, 4), make([]camera.Point, 4), camera.DefaultIntrinsics(), Options{MaxIterations: 3, Epsilon: 1e-6})
	require.NoError(t, err)
	require.NotNil(t, s.lastArg)
	assert.Equal(t, 2.0, s.lastArg.Tvec.X, "third call should refine the second estimate")
}

func TestSolveIterative_LaterFailureKeepsEstimate(t *testing.T) {
	s := &scriptedSolver{errs: []float64{3, 2, 1}, failAt: 3}
	res, err := SolveIterative(s, make([]r3.Vec, 4), make([]camera.Point, 4), camera.DefaultIntrinsics(), Options{MaxIterations: 5, Epsilon: 1e-6})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, 2.0, res.Tvec.X)
}

func TestSolve_Degenerate(t *testing.T) {
	intr := camera.DefaultIntrinsics()
	collinear := []r3.Vec{{X: 0}, {X: 0.01}, {X: 0.02}, {X: 0.03}, {X: 0.04}}
	tests := []struct {
		name string
		obj  []r3.Vec
		img  []camera.Point
	}{
		{"too few", []r3.Vec{{}, {X: 1}, {Y: 1}}, make([]camera.Point, 3)},
		{"mismatched", cubePoints(), make([]camera.Point, 3)},
		{"collinear", collinear, Project(collinear, truthEstimate(), intr)},
		{"coincident", make([]r3.Vec, 6), make([]camera.Point, 6)},
		{"nan image", cubePoints(), func() []camera.Point {
			p := Project(cubePoints(), truthEstimate(), intr)
			p[2].X = math.NaN()
			return p
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SolveIterative(NewLM(), tt.obj, tt.img, intr, DefaultOptions())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDegenerate), "got %v", err)
		})
	}
}

func TestReprojectionError(t *testing.T) {
	obs := []camera.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}
	proj := []camera.Point{{X: 3, Y: 4}, {X: 10, Y: 10}}
	assert.InDelta(t, 2.5, ReprojectionError(obs, proj), 1e-12)
	assert.True(t, math.IsInf(ReprojectionError(nil, nil), 1))
	assert.True(t, math.IsInf(ReprojectionError(obs, proj[:1]), 1))
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	assert.Error(t, Options{MaxIterations: 0, Epsilon: 1}.Validate())
	assert.Error(t, Options{MaxIterations: 1, Epsilon: 0}.Validate())
}
