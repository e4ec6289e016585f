package fusion

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/spatialmath"
)

// slot holds the latest sample of one sensor. A newer sample overwrites an unconsumed one; there is
// no history. Slots are guarded by the scheduler's buffer mutex.
type slot[T any] struct {
	sample T
	// stamp is the sensor time of sample and arrival the local clock time it was added.
	stamp   time.Time
	arrival time.Time
	activated bool
	fresh     bool
}

func (s *slot[T]) put(sample T, stamp, arrival time.Time) {
	s.sample = sample
	s.stamp = stamp
	s.arrival = arrival
	s.activated = true
	s.fresh = true
}

// take copies out a fresh sample and clears the fresh flag.
func (s *slot[T]) take() (pending[T], bool) {
	if !s.activated || !s.fresh {
		return pending[T]{}, false
	}
	s.fresh = false
	return pending[T]{
		sample:  s.sample,
		stamp:   s.stamp,
		arrival: s.arrival,
	}, true
}

// pending is a sample handed from a slot to the loop.
type pending[T any] struct {
	sample  T
	stamp   time.Time
	arrival time.Time
}

type imuSample struct {
	orientation spatialmath.EulerAngles
	// orientationCov is the gain scaled 3×3 orientation covariance.
	orientationCov *mat.Dense
	gyroZ          float64
}

type wheelSample struct {
	vx, wz float64
	cov    *mat.Dense
}

type lidarSample struct {
	stamp time.Time
	pose  *mat.VecDense
	cov   *mat.Dense
}

// scaledBlock returns gain·values as an n×n matrix with the diagonal clamped to at least floor.
func scaledBlock(n int, values []float64, gain, floor float64) *mat.Dense {
	m := mat.NewDense(n, n, append([]float64(nil), values...))
	m.Scale(gain, m)
	clampDiagonal(m, floor)
	return m
}

func clampDiagonal(m *mat.Dense, floor float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		if m.At(i, i) < floor {
			m.Set(i, i, floor)
		}
	}
}

func newImuSample(rec *ImuRecord, cfg *Config) imuSample {
	orientCov := rec.OrientationCovariance
	if cfg.ImuYawVarianceFromPitch {
		orientCov[8] = orientCov[4]
	}
	return imuSample{
		orientation:    *spatialmath.QuatToEulerAngles(rec.Orientation),
		orientationCov: scaledBlock(3, orientCov[:], cfg.ImuGain, cfg.CovarianceFloor),
		gyroZ:          rec.AngularVelocity.Z,
	}
}

func newLidarSample(rec *LidarRecord, cfg *Config) lidarSample {
	ea := spatialmath.QuatToEulerAngles(rec.Orientation)
	return lidarSample{
		stamp: rec.Stamp,
		pose: mat.NewVecDense(6, []float64{
			rec.Position.X, rec.Position.Y, rec.Position.Z,
			ea.Roll, ea.Pitch, ea.Yaw,
		}),
		cov: scaledBlock(6, rec.Covariance[:], cfg.LidarGain, cfg.CovarianceFloor),
	}
}
