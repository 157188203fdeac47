package pnp

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/marker.tracker/internal/pose"
)

// planarTolerance is the ratio of the smallest to largest spread of the
// object points below which they are treated as coplanar.
const planarTolerance = 1e-6

// rankTolerance is the ratio of the second-smallest to largest singular
// value below which a DLT system is rank deficient.
const rankTolerance = 1e-10

// norm2 is an undistorted, normalised image coordinate.
type norm2 struct{ x, y float64 }

// initialEstimate computes a closed-form pose from normalised image points,
// via a homography for coplanar objects and a projective DLT otherwise.
func initialEstimate(object []r3.Vec, image []norm2) (Estimate, error) {
	if len(object) < 4 {
		return Estimate{}, ErrDegenerate
	}
	centroid, basis, spread := principalAxes(object)
	if spread[0] == 0 {
		return Estimate{}, ErrDegenerate
	}
	if spread[2] <= planarTolerance*spread[0] {
		return planarEstimate(object, image, centroid, basis)
	}
	if len(object) < 6 {
		return Estimate{}, ErrDegenerate
	}
	return dltEstimate(object, image)
}

// principalAxes returns the centroid, the principal directions as the
// columns of a proper rotation, and the singular values of the spread.
func principalAxes(pts []r3.Vec) (r3.Vec, [9]float64, [3]float64) {
	var c r3.Vec
	for _, p := range pts {
		c = r3.Add(c, p)
	}
	c = r3.Scale(1/float64(len(pts)), c)

	a := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := r3.Sub(p, c)
		a.Set(i, 0, d.X)
		a.Set(i, 1, d.Y)
		a.Set(i, 2, d.Z)
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return c, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{}
	}
	vals := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	var spread [3]float64
	copy(spread[:], vals)
	e1 := r3.Vec{X: v.At(0, 0), Y: v.At(1, 0), Z: v.At(2, 0)}
	e2 := r3.Vec{X: v.At(0, 1), Y: v.At(1, 1), Z: v.At(2, 1)}
	n := r3.Cross(e1, e2)
	return c, [9]float64{
		e1.X, e2.X, n.X,
		e1.Y, e2.Y, n.Y,
		e1.Z, e2.Z, n.Z,
	}, spread
}

// similarity returns the Hartley normalisation of 2D points: translate to
// the centroid and scale the mean distance to sqrt(2).
func similarity(xs, ys []float64) (cx, cy, s float64) {
	n := float64(len(xs))
	for i := range xs {
		cx += xs[i]
		cy += ys[i]
	}
	cx /= n
	cy /= n
	var d float64
	for i := range xs {
		d += math.Hypot(xs[i]-cx, ys[i]-cy)
	}
	d /= n
	if d < 1e-15 {
		return cx, cy, 1
	}
	return cx, cy, math.Sqrt2 / d
}

// nullVector returns the right singular vector of a with the smallest
// singular value, or false when a has a larger null space.
func nullVector(a *mat.Dense) ([]float64, bool) {
	_, c := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	vals := svd.Values(nil)
	if len(vals) < c-1 || vals[0] == 0 || vals[c-2]/vals[0] < rankTolerance {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	out := make([]float64, c)
	for i := range out {
		out[i] = v.At(i, c-1)
	}
	return out, true
}

func planarEstimate(object []r3.Vec, image []norm2, centroid r3.Vec, basis [9]float64) (Estimate, error) {
	n := len(object)
	us, vs := make([]float64, n), make([]float64, n)
	xs, ys := make([]float64, n), make([]float64, n)
	for i, p := range object {
		d := r3.Sub(p, centroid)
		us[i] = basis[0]*d.X + basis[3]*d.Y + basis[6]*d.Z
		vs[i] = basis[1]*d.X + basis[4]*d.Y + basis[7]*d.Z
		xs[i], ys[i] = image[i].x, image[i].y
	}
	ocx, ocy, oscale := similarity(us, vs)
	icx, icy, is := similarity(xs, ys)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		X, Y := (us[i]-ocx)*oscale, (vs[i]-ocy)*oscale
		x, y := (xs[i]-icx)*is, (ys[i]-icy)*is
		a.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, x * X, x * Y, x})
		a.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, y * X, y * Y, y})
	}
	h, ok := nullVector(a)
	if !ok {
		return Estimate{}, ErrDegenerate
	}

	// H = Timg^-1 * Hn * Tobj
	hn := mat.NewDense(3, 3, h)
	tObj := mat.NewDense(3, 3, []float64{oscale, 0, -oscale * ocx, 0, oscale, -oscale * ocy, 0, 0, 1})
	tImgInv := mat.NewDense(3, 3, []float64{1 / is, 0, icx, 0, 1 / is, icy, 0, 0, 1})
	var H mat.Dense
	H.Product(tImgInv, hn, tObj)

	h1 := r3.Vec{X: H.At(0, 0), Y: H.At(1, 0), Z: H.At(2, 0)}
	h2 := r3.Vec{X: H.At(0, 1), Y: H.At(1, 1), Z: H.At(2, 1)}
	h3 := r3.Vec{X: H.At(0, 2), Y: H.At(1, 2), Z: H.At(2, 2)}
	norm := (r3.Norm(h1) + r3.Norm(h2)) / 2
	if norm < 1e-15 {
		return Estimate{}, ErrDegenerate
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1 := r3.Scale(lambda, h1)
	r2 := r3.Scale(lambda, h2)
	r3v := r3.Cross(r1, r2)
	rp, ok := orthonormalize([9]float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	if !ok {
		return Estimate{}, ErrDegenerate
	}
	tp := r3.Scale(lambda, h3)

	// Xcam = Rp * B^T * (X - c) + tp
	r := mul3(rp, transpose3(basis))
	t := r3.Sub(tp, apply3(r, centroid))
	return estimateFrom(r, t), nil
}

func dltEstimate(object []r3.Vec, image []norm2) (Estimate, error) {
	n := len(object)
	c, _, spread := principalAxes(object)
	s := 1.0
	if spread[0] > 0 {
		s = math.Sqrt(3) * math.Sqrt(float64(n)) / math.Sqrt(spread[0]*spread[0]+spread[1]*spread[1]+spread[2]*spread[2])
	}
	xs, ys := make([]float64, n), make([]float64, n)
	for i := range image {
		xs[i], ys[i] = image[i].x, image[i].y
	}
	icx, icy, is := similarity(xs, ys)

	a := mat.NewDense(2*n, 12, nil)
	for i, p := range object {
		X, Y, Z := (p.X-c.X)*s, (p.Y-c.Y)*s, (p.Z-c.Z)*s
		x, y := (xs[i]-icx)*is, (ys[i]-icy)*is
		a.SetRow(2*i, []float64{X, Y, Z, 1, 0, 0, 0, 0, -x * X, -x * Y, -x * Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, X, Y, Z, 1, -y * X, -y * Y, -y * Z, -y})
	}
	pv, ok := nullVector(a)
	if !ok {
		return Estimate{}, ErrDegenerate
	}

	// P = Timg^-1 * Pn * Tobj
	pn := mat.NewDense(3, 4, pv)
	tObj := mat.NewDense(4, 4, []float64{
		s, 0, 0, -s * c.X,
		0, s, 0, -s * c.Y,
		0, 0, s, -s * c.Z,
		0, 0, 0, 1,
	})
	tImgInv := mat.NewDense(3, 3, []float64{1 / is, 0, icx, 0, 1 / is, icy, 0, 0, 1})
	var P mat.Dense
	P.Product(tImgInv, pn, tObj)

	m := [9]float64{
		P.At(0, 0), P.At(0, 1), P.At(0, 2),
		P.At(1, 0), P.At(1, 1), P.At(1, 2),
		P.At(2, 0), P.At(2, 1), P.At(2, 2),
	}
	det := det3(m)
	if math.Abs(det) < 1e-300 {
		return Estimate{}, ErrDegenerate
	}
	scale := math.Cbrt(det)
	for i := range m {
		m[i] /= scale
	}
	r, ok := orthonormalize(m)
	if !ok {
		return Estimate{}, ErrDegenerate
	}
	t := r3.Vec{X: P.At(0, 3) / scale, Y: P.At(1, 3) / scale, Z: P.At(2, 3) / scale}
	return estimateFrom(r, t), nil
}

func estimateFrom(r [9]float64, t r3.Vec) Estimate {
	q := pose.QuaternionFromMatrix(r)
	return Estimate{Rvec: pose.VectorFromRotation(q), Tvec: t}
}

// orthonormalize returns the rotation nearest to m.
func orthonormalize(m [9]float64) ([9]float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, m[:]), mat.SVDFull) {
		return [9]float64{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the axis with the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.At(i, j)
		}
	}
	return out, true
}

func mul3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return out
}

func transpose3(a [9]float64) [9]float64 {
	return [9]float64{a[0], a[3], a[6], a[1], a[4], a[7], a[2], a[5], a[8]}
}

func apply3(a [9]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: a[0]*v.X + a[1]*v.Y + a[2]*v.Z,
		Y: a[3]*v.X + a[4]*v.Y + a[5]*v.Z,
		Z: a[6]*v.X + a[7]*v.Y + a[8]*v.Z,
	}
}

func det3(m [9]float64) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
}
