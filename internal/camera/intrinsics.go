// Package camera describes the capture layer consumed by the tracking
// engines: frames, pinhole intrinsics with lens distortion, the driver
// interface, and the owned Rig handle that guards the sensor streams.
package camera

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// Intrinsics is a pinhole camera model with OpenCV style radial (K1, K2,
// K3) and tangential (P1, P2) distortion.
type Intrinsics struct {
	Fx     float64 `json:"fx" mapstructure:"fx"`
	Fy     float64 `json:"fy" mapstructure:"fy"`
	Cx     float64 `json:"cx" mapstructure:"cx"`
	Cy     float64 `json:"cy" mapstructure:"cy"`
	K1     float64 `json:"k1" mapstructure:"k1"`
	K2     float64 `json:"k2" mapstructure:"k2"`
	K3     float64 `json:"k3" mapstructure:"k3"`
	P1     float64 `json:"p1" mapstructure:"p1"`
	P2     float64 `json:"p2" mapstructure:"p2"`
	Width  int     `json:"width" mapstructure:"width"`
	Height int     `json:"height" mapstructure:"height"`
}

// DefaultIntrinsics is used when the driver does not report calibration:
// a 1920x1080 sensor with a 1000 px focal length and no distortion.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{Fx: 1000, Fy: 1000, Cx: 960, Cy: 540, Width: 1920, Height: 1080}
}

// Validate checks that the model can project points.
func (in Intrinsics) Validate() error {
	if !(in.Fx > 0) || !(in.Fy > 0) {
		return fmt.Errorf("focal length must be positive, got fx=%v fy=%v", in.Fx, in.Fy)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", in.Width, in.Height)
	}
	for _, v := range []float64{in.Cx, in.Cy, in.K1, in.K2, in.K3, in.P1, in.P2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("intrinsics contain non-finite values")
		}
	}
	return nil
}

// Distort applies the lens model to a normalised image coordinate.
func (in Intrinsics) Distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + in.K1*r2 + in.K2*r2*r2 + in.K3*r2*r2*r2
	xd := x*radial + 2*in.P1*x*y + in.P2*(r2+2*x*x)
	yd := y*radial + in.P1*(r2+2*y*y) + 2*in.P2*x*y
	return xd, yd
}

// Project maps a camera-frame point (X right, Y down, Z forward) to pixels.
// ok is false for points at or behind the camera plane.
func (in Intrinsics) Project(p r3.Vec) (Point, bool) {
	if p.Z <= 1e-9 {
		return Point{}, false
	}
	xd, yd := in.Distort(p.X/p.Z, p.Y/p.Z)
	return Point{X: in.Fx*xd + in.Cx, Y: in.Fy*yd + in.Cy}, true
}

// Undistort returns the normalised coordinate whose projection is pt. The
// lens model is inverted by fixed-point iteration.
func (in Intrinsics) Undistort(pt Point) (float64, float64) {
	xd := (pt.X - in.Cx) / in.Fx
	yd := (pt.Y - in.Cy) / in.Fy
	if in.K1 == 0 && in.K2 == 0 && in.K3 == 0 && in.P1 == 0 && in.P2 == 0 {
		return xd, yd
	}
	x, y := xd, yd
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		radial := 1 + in.K1*r2 + in.K2*r2*r2 + in.K3*r2*r2*r2
		dx := 2*in.P1*x*y + in.P2*(r2+2*x*x)
		dy := in.P1*(r2+2*y*y) + 2*in.P2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// Contains reports whether pt lies inside the image.
func (in Intrinsics) Contains(pt Point) bool {
	return pt.X >= 0 && pt.Y >= 0 && pt.X < float64(in.Width) && pt.Y < float64(in.Height)
}
