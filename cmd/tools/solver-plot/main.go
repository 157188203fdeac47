// Command solver-plot charts how the iterative pose solver converges on a
// synthetic view of the probe board.
//
// Usage:
//
//	go run ./cmd/tools/solver-plot [flags]
//
// Flags:
//
//	-out         Output PNG path (default: solver_convergence.png)
//	-noise       Corner noise standard deviation in pixels (default: 0.5)
//	-iterations  Iteration budget (default: 20)
//	-seed        Noise seed (default: 1)
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

func main() {
	out := flag.String("out", "solver_convergence.png", "Output PNG path")
	noise := flag.Float64("noise", 0.5, "Corner noise standard deviation in pixels")
	iterations := flag.Int("iterations", 20, "Iteration budget")
	seed := flag.Int64("seed", 1, "Noise seed")
	flag.Parse()

	if *iterations < 1 {
		log.Fatalf("-iterations must be at least 1, got %d", *iterations)
	}
	if *noise < 0 {
		log.Fatalf("-noise must be non-negative, got %v", *noise)
	}

	probe, err := board.New(board.DefaultProbe())
	if err != nil {
		log.Fatalf("probe board: %v", err)
	}
	truth := pnp.Estimate{Rvec: r3.Vec{X: 3.0, Y: 0.2}, Tvec: r3.Vec{X: 0.03, Y: -0.02, Z: 0.45}}
	intr := camera.DefaultIntrinsics()

	curve, err := convergence(probe, truth, intr, *noise, *iterations, rand.New(rand.NewSource(*seed)))
	if err != nil {
		log.Fatalf("solve failed: %v", err)
	}
	for _, pt := range curve {
		log.Printf("iterations=%2.0f error=%.4f px", pt.X, pt.Y)
	}

	p, err := render(curve, *noise)
	if err != nil {
		log.Fatalf("failed to build plot: %v", err)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, *out); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("Wrote %s", *out)
}

// observe projects every pattern corner of l under truth and perturbs it
// with Gaussian noise.
func observe(l *board.Layout, truth pnp.Estimate, intr camera.Intrinsics, noise float64, rng *rand.Rand) ([]r3.Vec, []camera.Point) {
	var object []r3.Vec
	for _, id := range l.IDs() {
		c, _ := l.Corners(id)
		object = append(object, c[:]...)
	}
	image := pnp.Project(object, truth, intr)
	for i := range image {
		image[i].X += rng.NormFloat64() * noise
		image[i].Y += rng.NormFloat64() * noise
	}
	return object, image
}

// convergence returns the mean reprojection error after each iteration
// budget from 1 to maxIter.
func convergence(l *board.Layout, truth pnp.Estimate, intr camera.Intrinsics, noise float64, maxIter int, rng *rand.Rand) (plotter.XYs, error) {
	object, image := observe(l, truth, intr, noise, rng)
	solver := pnp.NewLM()
	pts := make(plotter.XYs, 0, maxIter)
	for k := 1; k <= maxIter; k++ {
		res, err := pnp.SolveIterative(solver, object, image, intr, pnp.Options{MaxIterations: k, Epsilon: 1e-12})
		if err != nil {
			return nil, err
		}
		pts = append(pts, plotter.XY{X: float64(k), Y: res.Error})
		if k == maxIter {
			log.Printf("position error %.3f mm, rotation error %.3f deg",
				1000*r3.Norm(r3.Sub(res.Tvec, truth.Tvec)),
				pose.AngleBetween(res.Pose().Rotation, truth.Pose().Rotation)*180/math.Pi)
		}
	}
	return pts, nil
}

func render(curve plotter.XYs, noise float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Probe pose solve, %.2f px corner noise", noise)
	p.X.Label.Text = "Iterations"
	p.Y.Label.Text = "Mean reprojection error (px)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(curve)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	points, err := plotter.NewScatter(curve)
	if err != nil {
		return nil, err
	}
	p.Add(points)
	return p, nil
}
