package ekf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Finite difference steps. The lidar indirect measurement divides pose differences by a short dt, so
// it is far more sensitive than the state transition and needs a much smaller step.
const (
	StateJacobianStep = 1e-4
	LidarJacobianStep = 1e-7
)

// VectorFunc is a vector valued function of a vector.
type VectorFunc func(x *mat.VecDense) *mat.VecDense

// A Differentiator linearizes a VectorFunc around a point, returning the m×n matrix of partial
// derivatives.
type Differentiator interface {
	Jacobian(f VectorFunc, x *mat.VecDense) *mat.Dense
}

// DifferentiatorFunc adapts a plain function to a Differentiator.
type DifferentiatorFunc func(f VectorFunc, x *mat.VecDense) *mat.Dense

// Jacobian calls fn(f, x).
func (fn DifferentiatorFunc) Jacobian(f VectorFunc, x *mat.VecDense) *mat.Dense {
	return fn(f, x)
}

// NumericDifferentiator computes forward-difference Jacobians.
type NumericDifferentiator struct {
	// Step is the perturbation applied to each input dimension.
	Step float64
	// AngleRows are output rows whose values live on the circle. Their entries are computed as
	// sin(f1-f0)/step so that a ±pi crossing between the two evaluations does not produce a 2pi jump.
	AngleRows []int
}

// NewNumericDifferentiator returns a forward-difference differentiator.
func NewNumericDifferentiator(step float64, angleRows ...int) *NumericDifferentiator {
	return &NumericDifferentiator{Step: step, AngleRows: angleRows}
}

// Jacobian evaluates f at x and at x+step·e_i for every input dimension i.
func (nd *NumericDifferentiator) Jacobian(f VectorFunc, x *mat.VecDense) *mat.Dense {
	n := x.Len()
	f0 := f(x)
	m := f0.Len()

	angle := make([]bool, m)
	for _, r := range nd.AngleRows {
		if r >= 0 && r < m {
			angle[r] = true
		}
	}

	jac := mat.NewDense(m, n, nil)
	xPlus := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		xPlus.CopyVec(x)
		xPlus.SetVec(i, xPlus.AtVec(i)+nd.Step)
		f1 := f(xPlus)
		for r := 0; r < m; r++ {
			d := f1.AtVec(r) - f0.AtVec(r)
			if angle[r] {
				d = math.Sin(d)
			}
			jac.Set(r, i, d/nd.Step)
		}
	}
	return jac
}
