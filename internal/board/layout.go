// Package board holds the rigid geometry of the fiducial marker boards.
//
// A board is a set of square patterns fixed to one rigid body. Each pattern
// contributes four corners, listed top-left, top-right, bottom-right,
// bottom-left in board-local metres.
package board

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

// Corners is one pattern's outline.
type Corners [4]r3.Vec

// Layout is an immutable board definition.
type Layout struct {
	Name     string
	MarkerID pose.MarkerID
	ids      []int
	corners  map[int]Corners
}

// Spec is the configuration form of a layout: ids in order and 4*len(ids)
// corner points, each as [x, y, z].
type Spec struct {
	Name     string       `json:"name" mapstructure:"name"`
	MarkerID int          `json:"marker_id" mapstructure:"marker_id"`
	IDs      []int        `json:"ids" mapstructure:"ids"`
	Corners  [][3]float64 `json:"corners" mapstructure:"corners"`
}

// New validates spec and builds the layout.
func New(spec Spec) (*Layout, error) {
	if len(spec.IDs) == 0 {
		return nil, fmt.Errorf("board %q has no pattern ids", spec.Name)
	}
	if len(spec.Corners) != 4*len(spec.IDs) {
		return nil, fmt.Errorf("board %q has %d corners for %d patterns, want %d",
			spec.Name, len(spec.Corners), len(spec.IDs), 4*len(spec.IDs))
	}
	l := &Layout{
		Name:     spec.Name,
		MarkerID: pose.MarkerID(spec.MarkerID),
		ids:      append([]int(nil), spec.IDs...),
		corners:  make(map[int]Corners, len(spec.IDs)),
	}
	for i, id := range spec.IDs {
		if _, dup := l.corners[id]; dup {
			return nil, fmt.Errorf("board %q lists pattern %d twice", spec.Name, id)
		}
		var c Corners
		for j := 0; j < 4; j++ {
			p := spec.Corners[4*i+j]
			for _, v := range p {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, fmt.Errorf("board %q pattern %d corner %d is not finite", spec.Name, id, j)
				}
			}
			c[j] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
		}
		l.corners[id] = c
	}
	return l, nil
}

// IDs returns the expected pattern ids in configuration order.
func (l *Layout) IDs() []int {
	return append([]int(nil), l.ids...)
}

// Has reports whether pattern id belongs to the board.
func (l *Layout) Has(id int) bool {
	_, ok := l.corners[id]
	return ok
}

// Corners returns the board-local outline of pattern id.
func (l *Layout) Corners(id int) (Corners, bool) {
	c, ok := l.corners[id]
	return c, ok
}

// Detection is one observed pattern: its id and four image corners in the
// same order as the layout's corners.
type Detection struct {
	ID      int
	Corners [4]camera.Point
}

// Candidate is an unidentified quadrilateral the detector rejected.
type Candidate [4]camera.Point

// Filter keeps the detections whose id belongs to the board, in input
// order. Repeated ids keep the first occurrence.
func (l *Layout) Filter(dets []Detection) []Detection {
	var out []Detection
	seen := make(map[int]bool)
	for _, d := range dets {
		if !l.Has(d.ID) || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

// Correspondences pairs each detected corner with its board-local point.
// Detections for unknown ids are skipped.
func (l *Layout) Correspondences(dets []Detection) (object []r3.Vec, image []camera.Point) {
	for _, d := range dets {
		c, ok := l.corners[d.ID]
		if !ok {
			continue
		}
		for j := 0; j < 4; j++ {
			object = append(object, c[j])
			image = append(image, d.Corners[j])
		}
	}
	return object, image
}
