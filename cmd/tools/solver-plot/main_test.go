package main

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pnp"
)

func TestConvergence_NoiseFree(t *testing.T) {
	probe, err := board.New(board.DefaultProbe())
	require.NoError(t, err)
	truth := pnp.Estimate{Rvec: r3.Vec{X: 3.0, Y: 0.2}, Tvec: r3.Vec{Z: 0.4}}

	curve, err := convergence(probe, truth, camera.DefaultIntrinsics(), 0, 10, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, curve, 10)
	assert.Equal(t, 1.0, curve[0].X)
	assert.Less(t, curve[9].Y, 1e-3)
	assert.LessOrEqual(t, curve[9].Y, curve[0].Y+1e-9)
}

func TestRender_Saves(t *testing.T) {
	probe, err := board.New(board.DefaultProbe())
	require.NoError(t, err)
	truth := pnp.Estimate{Rvec: r3.Vec{X: 3.0}, Tvec: r3.Vec{Z: 0.5}}
	curve, err := convergence(probe, truth, camera.DefaultIntrinsics(), 0.5, 5, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	p, err := render(curve, 0.5)
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "plot.png")
	require.NoError(t, p.Save(4*vg.Inch, 3*vg.Inch, out))
	assert.FileExists(t, out)
}
