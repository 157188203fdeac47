package pnp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

// LM is a Levenberg-Marquardt solver. Without a guess it seeds from a
// closed-form estimate on undistorted points; every call then takes one
// damped Gauss-Newton step on the full distorted reprojection error.
// LM holds no per-call state and is safe for concurrent use.
type LM struct {
	// InitialDamping is the starting Marquardt lambda for each step.
	InitialDamping float64
	// MaxDampingTries bounds how often lambda is raised when a step would
	// increase the error.
	MaxDampingTries int
}

// NewLM returns a solver with standard damping.
func NewLM() *LM {
	return &LM{InitialDamping: 1e-3, MaxDampingTries: 10}
}

// Project implements Solver.
func (s *LM) Project(object []r3.Vec, est Estimate, intr camera.Intrinsics) []camera.Point {
	return Project(object, est, intr)
}

// Solve implements Solver.
func (s *LM) Solve(object []r3.Vec, image []camera.Point, intr camera.Intrinsics, guess *Estimate) (Estimate, error) {
	if len(object) != len(image) || len(object) < 4 {
		return Estimate{}, ErrDegenerate
	}
	for _, p := range image {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return Estimate{}, fmt.Errorf("image point not finite: %w", ErrDegenerate)
		}
	}

	var est Estimate
	if guess != nil {
		est = *guess
	} else {
		normed := make([]norm2, len(image))
		for i, p := range image {
			x, y := intr.Undistort(p)
			normed[i] = norm2{x, y}
		}
		var err error
		est, err = initialEstimate(object, normed)
		if err != nil {
			return Estimate{}, err
		}
	}
	return s.step(object, image, intr, est), nil
}

func params(e Estimate) [6]float64 {
	return [6]float64{e.Rvec.X, e.Rvec.Y, e.Rvec.Z, e.Tvec.X, e.Tvec.Y, e.Tvec.Z}
}

func fromParams(p [6]float64) Estimate {
	// re-wrap the rotation vector into [0, pi]
	rv := pose.VectorFromRotation(pose.RotationFromVector(r3.Vec{X: p[0], Y: p[1], Z: p[2]}))
	return Estimate{Rvec: rv, Tvec: r3.Vec{X: p[3], Y: p[4], Z: p[5]}}
}

// residuals returns projected minus observed, interleaved x, y.
func residuals(object []r3.Vec, image []camera.Point, intr camera.Intrinsics, p [6]float64) []float64 {
	est := Estimate{Rvec: r3.Vec{X: p[0], Y: p[1], Z: p[2]}, Tvec: r3.Vec{X: p[3], Y: p[4], Z: p[5]}}
	proj := Project(object, est, intr)
	r := make([]float64, 2*len(object))
	for i := range proj {
		r[2*i] = proj[i].X - image[i].X
		r[2*i+1] = proj[i].Y - image[i].Y
	}
	return r
}

func sumSquares(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	if math.IsNaN(s) {
		return math.Inf(1)
	}
	return s
}

// step performs one damped update and returns est unchanged when no
// damping level reduces the error.
func (s *LM) step(object []r3.Vec, image []camera.Point, intr camera.Intrinsics, est Estimate) Estimate {
	p := params(est)
	r := residuals(object, image, intr, p)
	cost := sumSquares(r)
	if cost == 0 || math.IsInf(cost, 1) {
		return est
	}

	m := len(r)
	jac := mat.NewDense(m, 6, nil)
	for j := 0; j < 6; j++ {
		h := 1e-6 * math.Max(1, math.Abs(p[j]))
		hi, lo := p, p
		hi[j] += h
		lo[j] -= h
		rh := residuals(object, image, intr, hi)
		rl := residuals(object, image, intr, lo)
		for i := 0; i < m; i++ {
			jac.Set(i, j, (rh[i]-rl[i])/(2*h))
		}
	}

	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	var jtr mat.VecDense
	jtr.MulVec(jac.T(), mat.NewVecDense(m, r))

	lambda := s.InitialDamping
	if lambda <= 0 {
		lambda = 1e-3
	}
	tries := s.MaxDampingTries
	if tries < 1 {
		tries = 1
	}
	for try := 0; try < tries; try++ {
		a := mat.NewSymDense(6, nil)
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				v := jtj.At(i, j)
				if i == j {
					v += lambda * math.Max(v, 1e-12)
				}
				a.SetSym(i, j, v)
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(a) {
			lambda *= 10
			continue
		}
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, &jtr); err != nil {
			lambda *= 10
			continue
		}
		var next [6]float64
		for i := range next {
			next[i] = p[i] - delta.AtVec(i)
		}
		if sumSquares(residuals(object, image, intr, next)) < cost {
			return fromParams(next)
		}
		lambda *= 10
	}
	return est
}
