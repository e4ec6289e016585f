package ekf

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/spatialmath"
)

func newTestEstimator() *Estimator {
	return NewEstimator(NewPredictionModel(true), DefaultInitialVariance, DefaultProcessNoiseScale)
}

func TestNewEstimator(t *testing.T) {
	e := newTestEstimator()
	test.That(t, mat.Norm(e.State(), 2), test.ShouldEqual, 0.)
	p := e.Covariance()
	q := e.ProcessNoise()
	for i := 0; i < StateDim; i++ {
		test.That(t, p.At(i, i), test.ShouldAlmostEqual, 0.1)
		if i < Vx {
			test.That(t, q.At(i, i), test.ShouldEqual, 0.)
		} else {
			test.That(t, q.At(i, i), test.ShouldAlmostEqual, 0.001)
		}
	}
}

func TestPredictStationary(t *testing.T) {
	e := newTestEstimator()
	x0 := stateWith(map[int]float64{X: 1, Y: -2, Yaw: 0.7})
	test.That(t, e.SetState(x0, e.Covariance()), test.ShouldBeNil)

	prevTrace := mat.Trace(e.Covariance())
	for _, dt := range []float64{0.005, 0.02, 0.1, 1} {
		test.That(t, e.Predict(dt), test.ShouldBeNil)
		x := e.State()
		for i := 0; i < PoseDim; i++ {
			test.That(t, x.AtVec(i), test.ShouldAlmostEqual, x0.AtVec(i))
		}
		tr := mat.Trace(e.Covariance())
		test.That(t, tr, test.ShouldBeGreaterThanOrEqualTo, prevTrace)
		prevTrace = tr
	}
}

func TestPredictMoves(t *testing.T) {
	e := newTestEstimator()
	test.That(t, e.SetState(stateWith(map[int]float64{Vx: 1, Wz: 0.1}), e.Covariance()), test.ShouldBeNil)
	for i := 0; i < 10; i++ {
		test.That(t, e.Predict(0.1), test.ShouldBeNil)
	}
	x := e.State()
	test.That(t, x.AtVec(Yaw), test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, x.AtVec(X), test.ShouldAlmostEqual, 1, 1e-2)
	test.That(t, x.AtVec(Vx), test.ShouldEqual, 1.)

	p := e.Covariance()
	test.That(t, mat.Equal(p, p.T()), test.ShouldBeTrue)
}

func TestCorrectReducesUncertainty(t *testing.T) {
	e := newTestEstimator()
	before := mat.Trace(e.Covariance())

	m := WheelModel{}.Measure(e.State(), 1, 0.2, mat.NewDiagDense(2, []float64{1e-4, 1e-5}))
	test.That(t, e.Apply(m), test.ShouldBeNil)

	after := mat.Trace(e.Covariance())
	test.That(t, after, test.ShouldBeLessThanOrEqualTo, before)
	x := e.State()
	test.That(t, x.AtVec(Vx), test.ShouldAlmostEqual, 1, 1e-2)
	test.That(t, x.AtVec(Wz), test.ShouldAlmostEqual, 0.2, 1e-2)
	test.That(t, x.AtVec(Vy), test.ShouldEqual, 0.)
}

func TestCorrectionsNeverIncreaseTrace(t *testing.T) {
	e := newTestEstimator()
	test.That(t, e.SetState(stateWith(map[int]float64{Vx: 0.5, Wz: 0.2, Yaw: 0.3}), e.Covariance()), test.ShouldBeNil)
	test.That(t, e.Predict(0.1), test.ShouldBeNil)

	lidarCov := mat.NewDiagDense(LidarDim, []float64{1e-4, 1e-4, 1e-4, 1e-5, 1e-5, 1e-5})
	for _, tc := range []struct {
		name    string
		measure func(x *mat.VecDense) *Measurement
	}{
		{"imu", func(x *mat.VecDense) *Measurement {
			return ImuModel{}.Measure(x, spatialmath.EulerAngles{Roll: 0.01, Yaw: 0.35}, mat.NewDiagDense(3, []float64{1e-2, 1e-2, 1e-2}))
		}},
		{"wheel", func(x *mat.VecDense) *Measurement {
			return WheelModel{}.Measure(x, 0.6, 0.2, mat.NewDiagDense(2, []float64{1e-3, 1e-4}))
		}},
		{"lidar", func(x *mat.VecDense) *Measurement {
			return NewLidarModel().Measure(x, pose(0.06, 0.02, 0, 0, 0, 0.32), pose(0, 0, 0, 0, 0, 0.3), lidarCov, lidarCov, 0.1)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := mat.Trace(e.Covariance())
			test.That(t, e.Apply(tc.measure(e.State())), test.ShouldBeNil)
			after := mat.Trace(e.Covariance())
			test.That(t, after, test.ShouldBeLessThanOrEqualTo, before)
			p := e.Covariance()
			test.That(t, mat.Equal(p, p.T()), test.ShouldBeTrue)
		})
	}
}

func TestCorrectWrapsYawResidual(t *testing.T) {
	const eps = 0.01
	e := newTestEstimator()
	test.That(t, e.SetState(stateWith(map[int]float64{Yaw: -math.Pi + eps}), e.Covariance()), test.ShouldBeNil)

	m := ImuModel{}.Measure(e.State(), spatialmath.EulerAngles{Yaw: math.Pi - eps}, identity(3))
	test.That(t, e.Apply(m), test.ShouldBeNil)

	// the residual is -2eps, not 2pi-2eps, so the estimate moves a little across the seam
	yaw := e.State().AtVec(Yaw)
	gain := 0.1 / (0.1 + 1)
	test.That(t, spatialmath.AngleDiff(yaw, -math.Pi+eps), test.ShouldAlmostEqual, -2*eps*gain, 1e-9)
	test.That(t, yaw, test.ShouldBeGreaterThan, -math.Pi)
	test.That(t, yaw, test.ShouldBeLessThanOrEqualTo, math.Pi)
}

func TestCorrectSingularInnovation(t *testing.T) {
	e := newTestEstimator()
	test.That(t, e.SetState(stateWith(map[int]float64{X: 3, Vx: 1}), e.Covariance()), test.ShouldBeNil)
	xBefore := e.State()
	pBefore := e.Covariance()

	// an observation of nothing with zero noise has S = 0
	h := mat.NewDense(2, StateDim, nil)
	err := e.Correct(h, mat.NewVecDense(2, []float64{1, 2}), mat.NewVecDense(2, nil), mat.NewDense(2, 2, nil))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrSingularInnovation), test.ShouldBeTrue)

	test.That(t, mat.Equal(e.State(), xBefore), test.ShouldBeTrue)
	test.That(t, mat.Equal(e.Covariance(), pBefore), test.ShouldBeTrue)
}

func TestPredictNonFinite(t *testing.T) {
	e := newTestEstimator()
	test.That(t, e.SetState(stateWith(map[int]float64{Vx: math.Inf(1)}), e.Covariance()), test.ShouldBeNil)
	pBefore := e.Covariance()

	err := e.Predict(0.1)
	test.That(t, errors.Is(err, ErrNonFinite), test.ShouldBeTrue)
	test.That(t, mat.Equal(e.Covariance(), pBefore), test.ShouldBeTrue)
}

func TestSetStateValidates(t *testing.T) {
	e := newTestEstimator()
	test.That(t, e.SetState(mat.NewVecDense(3, nil), e.Covariance()), test.ShouldNotBeNil)
	test.That(t, e.SetState(mat.NewVecDense(StateDim, nil), identity(3)), test.ShouldNotBeNil)

	test.That(t, e.SetState(stateWith(map[int]float64{Yaw: 3 * math.Pi / 2}), e.Covariance()), test.ShouldBeNil)
	test.That(t, e.State().AtVec(Yaw), test.ShouldAlmostEqual, -math.Pi/2)

	e.Reset()
	test.That(t, e.State().AtVec(Yaw), test.ShouldEqual, 0.)
}

func TestLidarCorrectionPullsVelocity(t *testing.T) {
	e := newTestEstimator()
	lm := NewLidarModel()
	cov := mat.NewDiagDense(LidarDim, []float64{1e-6, 1e-6, 1e-6, 1e-6, 1e-6, 1e-6})

	m := lm.Measure(e.State(), pose(0.1, 0, 0, 0, 0, 0), pose(0, 0, 0, 0, 0, 0), cov, cov, 0.1)
	test.That(t, e.Apply(m), test.ShouldBeNil)
	test.That(t, e.State().AtVec(Vx), test.ShouldAlmostEqual, 1, 1e-2)
}
