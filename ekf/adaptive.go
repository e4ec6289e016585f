package ekf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdaptiveNoise derives the wheel measurement covariance from how much the wheel yaw rate disagrees
// with the gyro. The covariance grows linearly with the disagreement.
type AdaptiveNoise struct {
	GammaVx     float64 // slope for the forward velocity variance
	GammaOmegaZ float64 // slope for the yaw rate variance
	DeltaVx     float64 // forward velocity variance when wheel and gyro agree
	DeltaOmegaZ float64 // yaw rate variance when wheel and gyro agree
}

// Discrepancy returns |wheel yaw rate - imu yaw rate|.
func Discrepancy(wheelYawRate, imuYawRate float64) float64 {
	return math.Abs(wheelYawRate - imuYawRate)
}

// Covariance returns diag(γvx·D+δvx, γωz·D+δωz) for D = |wheelYawRate - imuYawRate|.
func (an AdaptiveNoise) Covariance(wheelYawRate, imuYawRate float64) *mat.Dense {
	d := Discrepancy(wheelYawRate, imuYawRate)
	return mat.NewDense(WheelDim, WheelDim, []float64{
		an.GammaVx*d + an.DeltaVx, 0,
		0, an.GammaOmegaZ*d + an.DeltaOmegaZ,
	})
}
