package ekf

import (
	"gonum.org/v1/gonum/mat"
)

// PredictionModel is the kinematic state transition f(X, dt). Body velocities rotate into the world to
// move the position, body rates map through the euler rate transform to move the orientation, and the
// velocities themselves follow a random walk: only corrections change them.
type PredictionModel struct {
	// Planar suppresses vy, vz, wx and wy when integrating the pose. This encodes a reduced-DOF
	// assumption for ground platforms that mostly move in the plane.
	Planar bool
	// Differentiator linearizes f. Defaults to a forward difference with StateJacobianStep.
	Differentiator Differentiator
}

// NewPredictionModel returns a model using numeric differentiation.
func NewPredictionModel(planar bool) *PredictionModel {
	return &PredictionModel{
		Planar:         planar,
		Differentiator: NewNumericDifferentiator(StateJacobianStep, OrientationStates...),
	}
}

// Transition evaluates f(x, dt). The result is not angle wrapped so that the Jacobian sees a
// continuous function; Estimator.Predict wraps afterwards.
func (pm *PredictionModel) Transition(x *mat.VecDense, dt float64) *mat.VecDense {
	scratch := mat.VecDenseCopyOf(x)
	if pm.Planar {
		for _, i := range PlanarSuppressed {
			scratch.SetVec(i, 0)
		}
	}

	ea := eulerAt(scratch, Roll)
	a := mat.NewDense(PoseDim, TwistDim, nil)
	a.Slice(0, 3, 0, 3).(*mat.Dense).Copy(ea.RotationMatrix())
	a.Slice(3, 6, 3, 6).(*mat.Dense).Copy(ea.RateTransform())

	var increment mat.VecDense
	increment.MulVec(a, scratch.SliceVec(Vx, StateDim))
	increment.ScaleVec(dt, &increment)

	out := mat.VecDenseCopyOf(x)
	for i := 0; i < PoseDim; i++ {
		out.SetVec(i, x.AtVec(i)+increment.AtVec(i))
	}
	return out
}

// Jacobian returns F = df/dX evaluated at x.
func (pm *PredictionModel) Jacobian(x *mat.VecDense, dt float64) *mat.Dense {
	d := pm.Differentiator
	if d == nil {
		d = NewNumericDifferentiator(StateJacobianStep, OrientationStates...)
	}
	return d.Jacobian(func(v *mat.VecDense) *mat.VecDense {
		return pm.Transition(v, dt)
	}, x)
}
