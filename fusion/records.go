package fusion

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/ekffusion/spatialmath"
)

// ImuRecord is an inertial sample. Covariances are row-major 3×3 blocks.
type ImuRecord struct {
	Stamp                        time.Time
	LinearAcceleration           r3.Vector
	AngularVelocity              r3.Vector
	Orientation                  quat.Number
	LinearAccelerationCovariance [9]float64
	AngularVelocityCovariance    [9]float64
	OrientationCovariance        [9]float64
}

// WheelRecord is a wheel odometry sample in the body frame.
type WheelRecord struct {
	Stamp time.Time
	// LinearVelocity is the forward velocity in m/s.
	LinearVelocity float64
	// YawRate is the angular velocity about the body z axis in rad/s.
	YawRate float64
}

// LidarRecord is an absolute pose from lidar odometry. Covariance is the row-major 6×6 covariance of
// (x, y, z, roll, pitch, yaw).
type LidarRecord struct {
	Stamp       time.Time
	Position    r3.Vector
	Orientation quat.Number
	Covariance  [36]float64
}

// FilteredOdometry is the published estimate.
type FilteredOdometry struct {
	Stamp        time.Time      `json:"stamp"`
	FrameID      string         `json:"frame_id"`
	ChildFrameID string         `json:"child_frame_id"`
	Trigger      PublishTrigger `json:"trigger"`

	Position    r3.Vector               `json:"position"`
	Orientation quat.Number             `json:"orientation"`
	Euler       spatialmath.EulerAngles `json:"euler"`
	// PoseCovariance is the row-major top-left 6×6 block of P.
	PoseCovariance [36]float64 `json:"pose_covariance"`

	LinearVelocity  r3.Vector `json:"linear_velocity"`
	AngularVelocity r3.Vector `json:"angular_velocity"`
	// TwistCovariance is the row-major bottom-right 6×6 block of P.
	TwistCovariance [36]float64 `json:"twist_covariance"`
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func validateQuat(q quat.Number) error {
	if !finite(q.Real, q.Imag, q.Jmag, q.Kmag) {
		return errors.New("orientation is not finite")
	}
	if spatialmath.Norm(q) == 0 {
		return errors.New("orientation quaternion has zero norm")
	}
	return nil
}

func (r *ImuRecord) validate() error {
	if err := validateQuat(r.Orientation); err != nil {
		return errors.Wrap(err, "invalid imu record")
	}
	if !finite(r.AngularVelocity.X, r.AngularVelocity.Y, r.AngularVelocity.Z) ||
		!finite(r.OrientationCovariance[:]...) || !finite(r.AngularVelocityCovariance[:]...) {
		return errors.New("invalid imu record: non-finite value")
	}
	return nil
}

func (r *WheelRecord) validate() error {
	if !finite(r.LinearVelocity, r.YawRate) {
		return errors.New("invalid wheel record: non-finite value")
	}
	return nil
}

func (r *LidarRecord) validate() error {
	if err := validateQuat(r.Orientation); err != nil {
		return errors.Wrap(err, "invalid lidar record")
	}
	if !finite(r.Position.X, r.Position.Y, r.Position.Z) || !finite(r.Covariance[:]...) {
		return errors.New("invalid lidar record: non-finite value")
	}
	return nil
}
