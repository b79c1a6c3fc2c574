package core

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// StandardGravity is the world-frame gravity vector (z up)
var StandardGravity = r3.Vector{X: 0, Y: 0, Z: -9.81}

// quatEpsilon guards normalization before the IMU produced a valid sample
const quatEpsilon = 1e-6

// Identity is the no-rotation quaternion
var Identity = quat.Number{Real: 1}

// Normalize scales q to unit length. Near-zero quaternions become identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < quatEpsilon || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// RotateToBody expresses a world-frame vector in the body frame (q^-1 * v * q)
func RotateToBody(q quat.Number, v r3.Vector) r3.Vector {
	q = Normalize(q)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(quat.Conj(q), p), q)
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// RotateToWorld expresses a body-frame vector in the world frame (q * v * q^-1)
func RotateToWorld(q quat.Number, v r3.Vector) r3.Vector {
	q = Normalize(q)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// ProjectedGravity is world gravity seen from the body frame
func ProjectedGravity(q quat.Number) r3.Vector {
	return RotateToBody(q, StandardGravity)
}

// Euler returns roll, pitch, yaw (ZYX convention) in radians
func Euler(q quat.Number) (roll, pitch, yaw float64) {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))

	sinp := 2 * (w*y - z*x)
	switch {
	case sinp >= 1:
		pitch = math.Pi / 2
	case sinp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sinp)
	}

	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

// Heading returns the yaw angle of q
func Heading(q quat.Number) float64 {
	_, _, yaw := Euler(q)
	return yaw
}

// NormalizeAngle wraps a into (-pi, pi]
func NormalizeAngle(a float64) float64 {
	const twoPi = 2 * math.Pi
	a = math.Mod(a, twoPi)
	if a < 0 {
		a += twoPi
	}
	if a > math.Pi {
		a -= twoPi
	}
	return a
}

// Clamp limits v to [-limit, limit]
func Clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
