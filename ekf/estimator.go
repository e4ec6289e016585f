package ekf

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingularInnovation is returned by Correct when the innovation covariance cannot be inverted.
	// The estimate is left untouched.
	ErrSingularInnovation = errors.New("innovation covariance is singular")
	// ErrNonFinite is returned when an update would put NaN or Inf into the estimate, for example a
	// prediction at exactly ±pi/2 pitch. The estimate is left untouched.
	ErrNonFinite = errors.New("update produced a non-finite estimate")
)

// Default initial uncertainty and process noise.
const (
	DefaultInitialVariance   = 0.1
	DefaultProcessNoiseScale = 0.01
)

// Estimator owns the state X and covariance P and exposes the predict and correct steps. It is not
// safe for concurrent use; the fusion scheduler drives it from a single goroutine.
type Estimator struct {
	model *PredictionModel

	initialVariance   float64
	processNoiseScale float64

	x *mat.VecDense
	p *mat.Dense
	q *mat.Dense
}

// NewEstimator returns an estimator at the origin with P = initialVariance·I. The process noise Q has
// nonzero entries only on the velocity diagonal: Q[6:12,6:12] = processNoiseScale·P0[6:12,6:12].
func NewEstimator(model *PredictionModel, initialVariance, processNoiseScale float64) *Estimator {
	if model == nil {
		model = NewPredictionModel(true)
	}
	e := &Estimator{
		model:             model,
		initialVariance:   initialVariance,
		processNoiseScale: processNoiseScale,
	}
	e.Reset()
	return e
}

// Reset returns X and P to their initial values.
func (e *Estimator) Reset() {
	e.x = mat.NewVecDense(StateDim, nil)
	e.p = identity(StateDim)
	e.p.Scale(e.initialVariance, e.p)

	e.q = mat.NewDense(StateDim, StateDim, nil)
	for i := Vx; i < StateDim; i++ {
		e.q.Set(i, i, e.processNoiseScale*e.p.At(i, i))
	}
}

// State returns a copy of X.
func (e *Estimator) State() *mat.VecDense {
	return mat.VecDenseCopyOf(e.x)
}

// Covariance returns a copy of P.
func (e *Estimator) Covariance() *mat.Dense {
	return mat.DenseCopyOf(e.p)
}

// ProcessNoise returns a copy of Q.
func (e *Estimator) ProcessNoise() *mat.Dense {
	return mat.DenseCopyOf(e.q)
}

// SetState overwrites X and P. P must be StateDim×StateDim.
func (e *Estimator) SetState(x *mat.VecDense, p mat.Matrix) error {
	if x.Len() != StateDim {
		return errors.Errorf("state must have %d entries, got %d", StateDim, x.Len())
	}
	if r, c := p.Dims(); r != StateDim || c != StateDim {
		return errors.Errorf("covariance must be %dx%d, got %dx%d", StateDim, StateDim, r, c)
	}
	e.x = mat.VecDenseCopyOf(x)
	wrapRows(e.x, OrientationStates)
	e.p = mat.DenseCopyOf(p)
	return nil
}

// Predict propagates the estimate by dt seconds: F = df/dX, X = f(X, dt), P = F·P·Fᵀ + Q.
func (e *Estimator) Predict(dt float64) error {
	f := e.model.Jacobian(e.x, dt)
	x := e.model.Transition(e.x, dt)
	wrapRows(x, OrientationStates)

	var fp, p mat.Dense
	fp.Mul(f, e.p)
	p.Mul(&fp, f.T())
	p.Add(&p, e.q)

	if !allFinite(x) || !allFiniteMat(&p) {
		return ErrNonFinite
	}
	e.x = x
	e.p = symmetrize(&p)
	return nil
}

// Correct applies the generic EKF update for an observation with Jacobian h, value y, prediction hx
// and noise covariance noise:
//
//	S = H·P·Hᵀ + E,  K = P·Hᵀ·S⁻¹,  X = X + K·(Y - hx),  P = P - K·H·P
//
// The given angleRows of the innovation are wrapped, and the orientation of the updated state is
// always wrapped. If S cannot be inverted, ErrSingularInnovation is returned and X, P are unchanged.
func (e *Estimator) Correct(h *mat.Dense, y, hx *mat.VecDense, noise mat.Matrix, angleRows ...int) error {
	var ph, s mat.Dense
	ph.Mul(e.p, h.T())
	s.Mul(h, &ph)
	s.Add(&s, noise)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(ErrSingularInnovation, err.Error())
	}
	if !allFiniteMat(&sInv) {
		return ErrSingularInnovation
	}

	var k mat.Dense
	k.Mul(&ph, &sInv)

	var residual mat.VecDense
	residual.SubVec(y, hx)
	wrapRows(&residual, angleRows)

	var dx mat.VecDense
	dx.MulVec(&k, &residual)
	x := mat.NewVecDense(StateDim, nil)
	x.AddVec(e.x, &dx)
	wrapRows(x, OrientationStates)

	var kh, khp, p mat.Dense
	kh.Mul(&k, h)
	khp.Mul(&kh, e.p)
	p.Sub(e.p, &khp)

	if !allFinite(x) || !allFiniteMat(&p) {
		return ErrNonFinite
	}
	e.x = x
	e.p = symmetrize(&p)
	return nil
}

// Apply runs Correct for a linearized measurement.
func (e *Estimator) Apply(m *Measurement) error {
	return e.Correct(m.H, m.Y, m.Hx, m.Noise, m.AngleRows...)
}

// symmetrize returns (A + Aᵀ)/2, removing the asymmetry that floating point products accumulate.
func symmetrize(a *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Add(a, a.T())
	out.Scale(0.5, &out)
	return &out
}
