package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// EulerAngles are three angles (in radians) used to represent the rotation of an object in 3D Euclidean space.
// The convention is Z-Y-X: the rotation is R = Rz(yaw)·Ry(pitch)·Rx(roll), which is what ROS `tf` reports
// from `getRPY` and what the fusion state stores.
type EulerAngles struct {
	Roll  float64 `json:"roll"`  // phi, X
	Pitch float64 `json:"pitch"` // theta, Y
	Yaw   float64 `json:"yaw"`   // psi, Z
}

// NewEulerAngles creates an empty EulerAngles struct.
func NewEulerAngles() *EulerAngles {
	return &EulerAngles{Roll: 0, Pitch: 0, Yaw: 0}
}

// QuatToEulerAngles converts a quaternion to the Z-Y-X euler angle representation. The quaternion does not
// need to be normalized.
func QuatToEulerAngles(q quat.Number) *EulerAngles {
	if n := Norm(q); n > 0 && math.Abs(n-1) > 1e-12 {
		q = quat.Scale(1/n, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	sinPitch := 2 * (w*y - z*x)
	// past the poles asin is undefined; clamp so that numeric noise still yields ±pi/2
	if sinPitch > 1 {
		sinPitch = 1
	} else if sinPitch < -1 {
		sinPitch = -1
	}

	return &EulerAngles{
		Roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Pitch: math.Asin(sinPitch),
		Yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// Quaternion returns the unit quaternion equivalent to the euler angles.
func (ea *EulerAngles) Quaternion() quat.Number {
	cr, sr := math.Cos(ea.Roll/2), math.Sin(ea.Roll/2)
	cp, sp := math.Cos(ea.Pitch/2), math.Sin(ea.Pitch/2)
	cy, sy := math.Cos(ea.Yaw/2), math.Sin(ea.Yaw/2)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// RotationMatrix returns the 3x3 body-to-world rotation Rz(yaw)·Ry(pitch)·Rx(roll).
func (ea *EulerAngles) RotationMatrix() *mat.Dense {
	cr, sr := math.Cos(ea.Roll), math.Sin(ea.Roll)
	cp, sp := math.Cos(ea.Pitch), math.Sin(ea.Pitch)
	cy, sy := math.Cos(ea.Yaw), math.Sin(ea.Yaw)

	return mat.NewDense(3, 3, []float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
}

// RateTransform returns the matrix that maps body angular velocity (wx, wy, wz) to euler angle rates
// (roll', pitch', yaw'). It is singular at pitch = ±pi/2 where the tan/sec terms diverge.
func (ea *EulerAngles) RateTransform() *mat.Dense {
	cr, sr := math.Cos(ea.Roll), math.Sin(ea.Roll)
	cp, tp := math.Cos(ea.Pitch), math.Tan(ea.Pitch)

	return mat.NewDense(3, 3, []float64{
		1, sr * tp, cr * tp,
		0, cr, -sr,
		0, sr / cp, cr / cp,
	})
}

// InverseRateTransform is the closed-form inverse of RateTransform: it maps euler angle rates to body
// angular velocity. Unlike RateTransform it is defined for every attitude.
func (ea *EulerAngles) InverseRateTransform() *mat.Dense {
	cr, sr := math.Cos(ea.Roll), math.Sin(ea.Roll)
	cp, sp := math.Cos(ea.Pitch), math.Sin(ea.Pitch)

	return mat.NewDense(3, 3, []float64{
		1, 0, -sp,
		0, cr, sr * cp,
		0, -sr, cr * cp,
	})
}

// Norm returns the norm of the quaternion, i.e. the sqrt of the sum of the squares of the imaginary parts.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// QuaternionAlmostEqual is an equality test for two quaternions, treating q and -q as the same rotation.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	same := math.Abs(a.Real-b.Real) < tol && math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol && math.Abs(a.Kmag-b.Kmag) < tol
	flipped := math.Abs(a.Real+b.Real) < tol && math.Abs(a.Imag+b.Imag) < tol &&
		math.Abs(a.Jmag+b.Jmag) < tol && math.Abs(a.Kmag+b.Kmag) < tol
	return same || flipped
}
