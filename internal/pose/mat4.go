package pose

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat4 is a 4x4 homogeneous transform in row-major order:
// m00,m01,m02,m03, m10,... matching ApplyPose-style call sites.
type Mat4 [16]float64

// Identity4 returns the 4x4 identity matrix.
func Identity4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Scale4 returns diag(x, y, z, 1). Axis reflections are built from it.
func Scale4(x, y, z float64) Mat4 {
	return Mat4{
		x, 0, 0, 0,
		0, y, 0, 0,
		0, 0, z, 0,
		0, 0, 0, 1,
	}
}

// At returns element (row, col).
func (m Mat4) At(row, col int) float64 { return m[row*4+col] }

// Mul returns m·n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// TRS builds the rigid transform that rotates by rot then translates by pos.
func TRS(pos r3.Vec, rot quat.Number) Mat4 {
	R := RotationMatrix(rot)
	return Mat4{
		R[0], R[1], R[2], pos.X,
		R[3], R[4], R[5], pos.Y,
		R[6], R[7], R[8], pos.Z,
		0, 0, 0, 1,
	}
}

// RotationMatrix returns the row-major 3x3 matrix for unit quaternion q.
func RotationMatrix(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// QuaternionFromMatrix converts a proper row-major rotation matrix into a
// unit quaternion with a non-negative real part.
func QuaternionFromMatrix(R [9]float64) quat.Number {
	m00, m01, m02 := R[0], R[1], R[2]
	m10, m11, m12 := R[3], R[4], R[5]
	m20, m21, m22 := R[6], R[7], R[8]

	var q quat.Number
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// LookRotation returns the rotation whose forward (+Z) axis is forward and
// whose up (+Y) axis is as close to up as possible. The result is always a
// proper rotation even when the axes came from a reflected matrix.
func LookRotation(forward, up r3.Vec) quat.Number {
	f := r3.Unit(forward)
	right := r3.Cross(up, f)
	if r3.Norm(right) < 1e-12 {
		// up parallel to forward: pick any perpendicular
		right = r3.Cross(r3.Vec{X: 1}, f)
		if r3.Norm(right) < 1e-12 {
			right = r3.Cross(r3.Vec{Y: 1}, f)
		}
	}
	right = r3.Unit(right)
	u := r3.Cross(f, right)
	return QuaternionFromMatrix([9]float64{
		right.X, u.X, f.X,
		right.Y, u.Y, f.Y,
		right.Z, u.Z, f.Z,
	})
}

// Translation returns the translation column.
func (m Mat4) Translation() r3.Vec {
	return r3.Vec{X: m[3], Y: m[7], Z: m[11]}
}

// Rotation extracts the rotation from the forward (column 2) and up
// (column 1) axes.
func (m Mat4) Rotation() quat.Number {
	forward := r3.Vec{X: m[2], Y: m[6], Z: m[10]}
	up := r3.Vec{X: m[1], Y: m[5], Z: m[9]}
	return LookRotation(forward, up)
}

// Det3 returns the determinant of the upper-left 3x3 block.
func (m Mat4) Det3() float64 {
	return m[0]*(m[5]*m[10]-m[6]*m[9]) - m[1]*(m[4]*m[10]-m[6]*m[8]) + m[2]*(m[4]*m[9]-m[5]*m[8])
}

// Inverse returns the general inverse of m.
func (m Mat4) Inverse() (Mat4, error) {
	src := mat.NewDense(4, 4, append([]float64(nil), m[:]...))
	var inv mat.Dense
	if err := inv.Inverse(src); err != nil {
		return Mat4{}, fmt.Errorf("transform is not invertible: %w", err)
	}
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// FormatMatrix serialises m as 16 comma-separated row-major values, the
// form sent to the sidecar alongside each image.
func FormatMatrix(m Mat4) string {
	var sb strings.Builder
	for i, v := range m {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

// ParseMatrix parses the FormatMatrix representation.
func ParseMatrix(s string) (Mat4, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 16 {
		return Mat4{}, fmt.Errorf("matrix has %d values, want 16", len(parts))
	}
	var m Mat4
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Mat4{}, fmt.Errorf("matrix value %d: %w", i, err)
		}
		m[i] = v
	}
	return m, nil
}
