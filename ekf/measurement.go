package ekf

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/spatialmath"
)

// Measurement sizes.
const (
	ImuOrientationDim = 3
	WheelDim          = 2
	LidarDim          = 6
)

// A Measurement is an observation linearized at the current state, ready for Estimator.Correct.
type Measurement struct {
	H     *mat.Dense    // observation Jacobian, m×StateDim
	Y     *mat.VecDense // observed value
	Hx    *mat.VecDense // predicted observation h(X)
	Noise *mat.Dense    // measurement covariance E, m×m
	// AngleRows are rows of Y-Hx that are angles and must be wrapped.
	AngleRows []int
}

// Dim returns the number of observed components.
func (m *Measurement) Dim() int {
	return m.Y.Len()
}

// ImuModel observes world roll, pitch and yaw directly.
type ImuModel struct{}

// Measure builds the orientation observation. cov is the 3×3 orientation covariance.
func (ImuModel) Measure(x *mat.VecDense, orientation spatialmath.EulerAngles, cov mat.Matrix) *Measurement {
	h := mat.NewDense(ImuOrientationDim, StateDim, nil)
	h.Set(0, Roll, 1)
	h.Set(1, Pitch, 1)
	h.Set(2, Yaw, 1)

	return &Measurement{
		H:         h,
		Y:         mat.NewVecDense(3, []float64{orientation.Roll, orientation.Pitch, orientation.Yaw}),
		Hx:        mat.NewVecDense(3, []float64{x.AtVec(Roll), x.AtVec(Pitch), x.AtVec(Yaw)}),
		Noise:     mat.DenseCopyOf(cov),
		AngleRows: []int{0, 1, 2},
	}
}

// WheelModel observes forward body velocity and yaw rate.
type WheelModel struct{}

// Measure builds the wheel observation. cov is the 2×2 covariance, usually from AdaptiveNoise.
func (WheelModel) Measure(x *mat.VecDense, vx, wz float64, cov mat.Matrix) *Measurement {
	h := mat.NewDense(WheelDim, StateDim, nil)
	h.Set(0, Vx, 1)
	h.Set(1, Wz, 1)

	return &Measurement{
		H:     h,
		Y:     mat.NewVecDense(WheelDim, []float64{vx, wz}),
		Hx:    mat.NewVecDense(WheelDim, []float64{x.AtVec(Vx), x.AtVec(Wz)}),
		Noise: mat.DenseCopyOf(cov),
	}
}

// LidarModel turns two successive absolute lidar poses into an indirect measurement of the body
// linear and angular velocity.
type LidarModel struct {
	// Differentiator linearizes the indirect measurement with respect to each pose. Defaults to a
	// forward difference with LidarJacobianStep.
	Differentiator Differentiator
}

// NewLidarModel returns a model using numeric differentiation.
func NewLidarModel() *LidarModel {
	return &LidarModel{Differentiator: NewNumericDifferentiator(LidarJacobianStep, 3, 4, 5)}
}

// IndirectVelocity computes the body twist that moves pose prev (x, y, z, roll, pitch, yaw) to pose
// cur in dt seconds. The translation is rotated into the body frame of prev and the wrapped euler
// difference is mapped to body rates through the inverse rate transform at prev.
func (lm *LidarModel) IndirectVelocity(cur, prev *mat.VecDense, dt float64) *mat.VecDense {
	diff := mat.NewVecDense(LidarDim, nil)
	for i := 0; i < 3; i++ {
		diff.SetVec(i, cur.AtVec(i)-prev.AtVec(i))
	}
	for i := 3; i < LidarDim; i++ {
		diff.SetVec(i, spatialmath.AngleDiff(cur.AtVec(i), prev.AtVec(i)))
	}

	ea := eulerAt(prev, 3)
	a := mat.NewDense(LidarDim, LidarDim, nil)
	a.Slice(0, 3, 0, 3).(*mat.Dense).Copy(ea.RotationMatrix().T())
	a.Slice(3, 6, 3, 6).(*mat.Dense).Copy(ea.InverseRateTransform())

	var out mat.VecDense
	out.MulVec(a, diff)
	out.ScaleVec(1/dt, &out)
	return &out
}

// Measure builds the indirect velocity observation. The covariance of both poses is propagated
// through the measurement: Q = G·E·Gᵀ + Gₗ·Eₗ·Gₗᵀ.
func (lm *LidarModel) Measure(
	x, cur, prev *mat.VecDense,
	cov, prevCov mat.Matrix,
	dt float64,
) *Measurement {
	d := lm.Differentiator
	if d == nil {
		d = NewNumericDifferentiator(LidarJacobianStep, 3, 4, 5)
	}

	g := d.Jacobian(func(u *mat.VecDense) *mat.VecDense {
		return lm.IndirectVelocity(u, prev, dt)
	}, cur)
	gl := d.Jacobian(func(ul *mat.VecDense) *mat.VecDense {
		return lm.IndirectVelocity(cur, ul, dt)
	}, prev)

	q := propagate(g, cov)
	q.Add(q, propagate(gl, prevCov))

	h := mat.NewDense(LidarDim, StateDim, nil)
	for i := 0; i < LidarDim; i++ {
		h.Set(i, Vx+i, 1)
	}

	return &Measurement{
		H:     h,
		Y:     lm.IndirectVelocity(cur, prev, dt),
		Hx:    mat.VecDenseCopyOf(x.SliceVec(Vx, StateDim)),
		Noise: q,
	}
}

// propagate returns J·C·Jᵀ.
func propagate(j, c mat.Matrix) *mat.Dense {
	var jc, out mat.Dense
	jc.Mul(j, c)
	out.Mul(&jc, j.T())
	return &out
}
