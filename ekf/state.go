// Package ekf implements the extended Kalman filter that fuses inertial, wheel and lidar odometry
// into a 12 dimensional pose/velocity estimate.
//
// State layout:
//
//	0..2   x, y, z            world position
//	3..5   roll, pitch, yaw   Z-Y-X euler angles, always wrapped to (-pi, pi]
//	6..8   vx, vy, vz         body linear velocity
//	9..11  wx, wy, wz         body angular velocity
package ekf

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/spatialmath"
)

// Indices into the state vector.
const (
	X = iota
	Y
	Z
	Roll
	Pitch
	Yaw
	Vx
	Vy
	Vz
	Wx
	Wy
	Wz

	// StateDim is the length of the state vector.
	StateDim
)

// Sizes of the pose and velocity halves of the state.
const (
	PoseDim  = 6
	TwistDim = 6
)

// OrientationStates lists the state rows that hold angles.
var OrientationStates = []int{Roll, Pitch, Yaw}

// PlanarSuppressed lists the velocity states that are ignored when integrating the pose on a
// platform that is assumed to move in the plane (no lateral slip, no vertical or tilt motion).
var PlanarSuppressed = []int{Vy, Vz, Wx, Wy}

// wrapRows wraps the given rows of v in place.
func wrapRows(v *mat.VecDense, rows []int) {
	for _, r := range rows {
		v.SetVec(r, spatialmath.WrapAngle(v.AtVec(r)))
	}
}

func allFinite(v mat.Vector) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func allFiniteMat(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// eulerAt reads the orientation block starting at offset as euler angles.
func eulerAt(v mat.Vector, offset int) *spatialmath.EulerAngles {
	return &spatialmath.EulerAngles{
		Roll:  v.AtVec(offset),
		Pitch: v.AtVec(offset + 1),
		Yaw:   v.AtVec(offset + 2),
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
