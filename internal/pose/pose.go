package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MarkerID identifies a tracked rigid body (probe or instrument). One id can
// stand for several physical fiducial patterns forming one board.
type MarkerID int

// Pose is a rigid pose: a position and a unit-quaternion rotation.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// Identity returns the pose at the origin with no rotation.
func Identity() Pose {
	return Pose{Rotation: IdentityRotation()}
}

// IdentityRotation returns the identity quaternion.
func IdentityRotation() quat.Number {
	return quat.Number{Real: 1}
}

// unitTolerance bounds how far a quaternion norm may drift from 1 before
// NormalizeRotation refuses it.
const unitTolerance = 1e-2

// NormalizeRotation rescales q to unit length. Quaternions that are not
// finite or whose norm is further than unitTolerance from 1 are rejected,
// since renormalising those would hide a corrupt estimate.
func NormalizeRotation(q quat.Number) (quat.Number, error) {
	if quat.IsNaN(q) || quat.IsInf(q) {
		return quat.Number{}, fmt.Errorf("rotation is not finite: %v", q)
	}
	n := quat.Abs(q)
	if math.Abs(n-1) > unitTolerance {
		return quat.Number{}, fmt.Errorf("rotation norm %.6f is not unit", n)
	}
	return quat.Scale(1/n, q), nil
}

// FromArray builds a pose from the 7-element layout used on the wire and in
// the original cache: x, y, z, qx, qy, qz, qw.
func FromArray(v [7]float64) (Pose, error) {
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Pose{}, fmt.Errorf("component %d is not finite", i)
		}
	}
	rot, err := NormalizeRotation(quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]})
	if err != nil {
		return Pose{}, err
	}
	return Pose{Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]}, Rotation: rot}, nil
}

// Array returns the pose in x, y, z, qx, qy, qz, qw order.
func (p Pose) Array() [7]float64 {
	q := p.Rotation
	return [7]float64{p.Position.X, p.Position.Y, p.Position.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

// RotationFromVector converts a Rodrigues rotation vector (axis scaled by
// angle in radians) into a unit quaternion.
func RotationFromVector(rvec r3.Vec) quat.Number {
	theta := r3.Norm(rvec)
	if theta < 1e-12 {
		return IdentityRotation()
	}
	return quat.Number(r3.NewRotation(theta, r3.Scale(1/theta, rvec)))
}

// VectorFromRotation is the inverse of RotationFromVector.
func VectorFromRotation(q quat.Number) r3.Vec {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	axis := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := r3.Norm(axis)
	if s < 1e-12 {
		return r3.Vec{}
	}
	theta := 2 * math.Atan2(s, q.Real)
	return r3.Scale(theta/s, axis)
}

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// AngleBetween returns the rotation angle in radians taking a to b.
// Exact for identical rotations and accurate for tiny angles.
func AngleBetween(a, b quat.Number) float64 {
	dq := quat.Mul(quat.Conj(a), b)
	v := math.Sqrt(dq.Imag*dq.Imag + dq.Jmag*dq.Jmag + dq.Kmag*dq.Kmag)
	return 2 * math.Atan2(v, math.Abs(dq.Real))
}
