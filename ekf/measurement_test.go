package ekf

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/spatialmath"
)

func pose(x, y, z, roll, pitch, yaw float64) *mat.VecDense {
	return mat.NewVecDense(LidarDim, []float64{x, y, z, roll, pitch, yaw})
}

func TestIndirectVelocityForward(t *testing.T) {
	lm := NewLidarModel()
	v := lm.IndirectVelocity(pose(0.1, 0, 0, 0, 0, 0.01), pose(0, 0, 0, 0, 0, 0), 0.1)
	test.That(t, v.AtVec(0), test.ShouldAlmostEqual, 1)
	test.That(t, v.AtVec(1), test.ShouldAlmostEqual, 0)
	test.That(t, v.AtVec(5), test.ShouldAlmostEqual, 0.1)
}

func TestIndirectVelocityBodyFrame(t *testing.T) {
	lm := NewLidarModel()
	// facing +y, moving +y is forward motion in the body frame
	v := lm.IndirectVelocity(pose(0, 0.1, 0, 0, 0, math.Pi/2), pose(0, 0, 0, 0, 0, math.Pi/2), 0.1)
	test.That(t, v.AtVec(0), test.ShouldAlmostEqual, 1)
	test.That(t, v.AtVec(1), test.ShouldAlmostEqual, 0)
	test.That(t, v.AtVec(5), test.ShouldAlmostEqual, 0)
}

func TestIndirectVelocityYawSeam(t *testing.T) {
	lm := NewLidarModel()
	v := lm.IndirectVelocity(pose(0, 0, 0, 0, 0, -math.Pi+0.005), pose(0, 0, 0, 0, 0, math.Pi-0.005), 0.1)
	test.That(t, v.AtVec(5), test.ShouldAlmostEqual, 0.1, 1e-9)
}

func TestLidarNoiseStationary(t *testing.T) {
	lm := NewLidarModel()
	dt := 0.1
	p := pose(0, 0, 0, 0, 0, 0)
	cov := identity(LidarDim)
	cov.Scale(1e-4, cov)
	prevCov := identity(LidarDim)
	prevCov.Scale(2e-4, prevCov)

	m := lm.Measure(mat.NewVecDense(StateDim, nil), p, p, cov, prevCov, dt)
	test.That(t, m.Dim(), test.ShouldEqual, LidarDim)
	test.That(t, len(m.AngleRows), test.ShouldEqual, 0)

	// with no motion and an identity attitude both Jacobians are ±I/dt
	for i := 0; i < LidarDim; i++ {
		test.That(t, m.Noise.At(i, i), test.ShouldAlmostEqual, 3e-4/(dt*dt), 1e-5)
		test.That(t, m.Y.AtVec(i), test.ShouldEqual, 0.)
		test.That(t, m.H.At(i, Vx+i), test.ShouldEqual, 1.)
	}
	test.That(t, mat.EqualApprox(m.Noise, m.Noise.T(), 1e-12), test.ShouldBeTrue)
}

func TestImuMeasurement(t *testing.T) {
	x := stateWith(map[int]float64{Roll: 0.1, Pitch: -0.2, Yaw: 3})
	cov := identity(3)
	m := ImuModel{}.Measure(x, spatialmath.EulerAngles{Yaw: -3}, cov)

	test.That(t, m.Dim(), test.ShouldEqual, ImuOrientationDim)
	test.That(t, m.AngleRows, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, m.Hx.AtVec(2), test.ShouldEqual, 3.)
	test.That(t, m.Y.AtVec(2), test.ShouldEqual, -3.)
	test.That(t, m.H.At(2, Yaw), test.ShouldEqual, 1.)

	// the noise is copied, not aliased
	cov.Set(0, 0, 5)
	test.That(t, m.Noise.At(0, 0), test.ShouldEqual, 1.)
}

func TestWheelMeasurement(t *testing.T) {
	x := stateWith(map[int]float64{Vx: 0.4, Wz: -0.1})
	m := WheelModel{}.Measure(x, 0.5, 0.2, identity(2))
	test.That(t, m.Hx.RawVector().Data, test.ShouldResemble, []float64{0.4, -0.1})
	test.That(t, m.Y.RawVector().Data, test.ShouldResemble, []float64{0.5, 0.2})
	test.That(t, m.H.At(0, Vx), test.ShouldEqual, 1.)
	test.That(t, m.H.At(1, Wz), test.ShouldEqual, 1.)
}
