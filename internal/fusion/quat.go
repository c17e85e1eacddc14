package fusion

import "math"

// Vec3 is a fixed-size 3-vector used for kinematic quantities
// (position, velocity, specific force, angular rate, biases).
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Finite reports whether every component is a finite number.
func (v Vec3) Finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Quat is a unit quaternion representing a rotation from body to world
// frame, scalar-first.
type Quat struct {
	W, X, Y, Z float64
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Mul returns the Hamilton product q ⊗ o (o applied first, then q).
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Normalize rescales q to unit length. The sign convention keeps W >= 0
// so repeated small-angle compositions stay on one cover of SO(3).
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuat()
	}
	if q.W < 0 {
		n = -n
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Rotate applies the rotation to a body-frame vector, returning the
// world-frame result.
func (q Quat) Rotate(v Vec3) Vec3 {
	m := q.RotationMatrix()
	return Vec3{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

// RotationMatrix returns the 3x3 direction cosine matrix for q.
func (q Quat) RotationMatrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Finite reports whether every component is a finite number.
func (q Quat) Finite() bool {
	for _, x := range [4]float64{q.W, q.X, q.Y, q.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// QuatFromSmallAngle builds the quaternion for a small rotation vector
// theta (radians). Below the linearization threshold the first-order
// form [1, theta/2] is used; above it the exact axis-angle form.
func QuatFromSmallAngle(theta Vec3) Quat {
	const sq = 0.0484 // (0.22 rad)^2, linearization validity bound
	n2 := theta.Dot(theta)
	if n2 < sq {
		q := Quat{W: 1, X: theta[0] / 2, Y: theta[1] / 2, Z: theta[2] / 2}
		return q.Normalize()
	}
	n := math.Sqrt(n2)
	s := math.Sin(n/2) / n
	return Quat{W: math.Cos(n / 2), X: theta[0] * s, Y: theta[1] * s, Z: theta[2] * s}
}

// skew returns the 3x3 cross-product matrix of v as a row-major array.
func skew(v Vec3) [3][3]float64 {
	return [3][3]float64{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}
}
