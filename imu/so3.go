// Package imu implements inertial preintegration: gyroscope and accelerometer samples
// between two time instants are accumulated into a bias-linearized rotation, velocity
// and position delta with covariance, so late bias corrections never require
// re-integrating raw samples.
package imu

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// IdentityQuat is the no-rotation quaternion.
func IdentityQuat() quat.Number {
	return quat.Number{Real: 1}
}

// ExpSO3 maps a rotation vector (axis times angle, radians) to a unit quaternion.
func ExpSO3(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the map smooth through zero.
		q := quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2}
		return Normalize(q)
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return quat.Number{
		Real: math.Cos(half),
		Imag: v.X * s,
		Jmag: v.Y * s,
		Kmag: v.Z * s,
	}
}

// LogSO3 maps a unit quaternion to its rotation vector.
func LogSO3(q quat.Number) r3.Vector {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	vecNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if vecNorm < 1e-12 {
		return r3.Vector{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	theta := 2 * math.Atan2(vecNorm, q.Real)
	s := theta / vecNorm
	return r3.Vector{X: q.Imag * s, Y: q.Jmag * s, Z: q.Kmag * s}
}

// Rotate applies the rotation q to the vector v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize scales q to unit magnitude. A degenerate quaternion normalizes to identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n < 1e-15 {
		return IdentityQuat()
	}
	return quat.Scale(1/n, q)
}

// RotationMatrix returns the 3x3 rotation matrix of q.
func RotationMatrix(q quat.Number) *mat.Dense {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the cross-product matrix [v]x.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RightJacobianSO3 returns the right Jacobian of the SO(3) exponential at v, used to
// propagate gyro noise and the rotation bias Jacobian.
func RightJacobianSO3(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	jr := identity3()
	if theta < 1e-9 {
		return jr
	}
	sk := Skew(v)
	sk2 := new(mat.Dense)
	sk2.Mul(sk, sk)

	theta2 := theta * theta
	c1 := (1 - math.Cos(theta)) / theta2
	c2 := (theta - math.Sin(theta)) / (theta2 * theta)

	var term1, term2 mat.Dense
	term1.Scale(c1, sk)
	term2.Scale(c2, sk2)
	jr.Sub(jr, &term1)
	jr.Add(jr, &term2)
	return jr
}

// MulVec multiplies a 3x3 matrix by an r3 vector.
func MulVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func zero3() *mat.Dense {
	return mat.NewDense(3, 3, nil)
}
