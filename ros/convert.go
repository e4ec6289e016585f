package ros

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/ekffusion/fusion"
)

func decodeMessage(m map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m)
}

// ImuMessageFromMap decodes one bag JSON record as sensor_msgs/Imu.
func ImuMessageFromMap(m map[string]interface{}) (*ImuMessage, error) {
	var msg ImuMessage
	if err := decodeMessage(m, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// OdometryMessageFromMap decodes one bag JSON record as nav_msgs/Odometry.
func OdometryMessageFromMap(m map[string]interface{}) (*OdometryMessage, error) {
	var msg OdometryMessage
	if err := decodeMessage(m, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// stamp prefers the header stamp and falls back to the bag record time.
func stamp(header Header, meta Time) time.Time {
	if header.Stamp.IsZero() {
		return meta.Time()
	}
	return header.Stamp.Time()
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func (v Vector3) vector() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// Record converts the message to an IMU record.
func (msg *ImuMessage) Record() fusion.ImuRecord {
	d := &msg.Data
	return fusion.ImuRecord{
		Stamp:                        stamp(d.Header, msg.Meta),
		LinearAcceleration:           d.LinearAcceleration.vector(),
		AngularVelocity:              d.AngularVelocity.vector(),
		Orientation:                  d.Orientation.number(),
		LinearAccelerationCovariance: d.LinearAccelerationCovariance,
		AngularVelocityCovariance:    d.AngularVelocityCovariance,
		OrientationCovariance:        d.OrientationCovariance,
	}
}

// WheelRecord reads the forward velocity and yaw rate from the twist.
func (msg *OdometryMessage) WheelRecord() fusion.WheelRecord {
	return fusion.WheelRecord{
		Stamp:          stamp(msg.Data.Header, msg.Meta),
		LinearVelocity: msg.Data.Twist.Twist.Linear.X,
		YawRate:        msg.Data.Twist.Twist.Angular.Z,
	}
}

// LidarRecord reads the absolute pose and its covariance.
func (msg *OdometryMessage) LidarRecord() fusion.LidarRecord {
	return fusion.LidarRecord{
		Stamp:       stamp(msg.Data.Header, msg.Meta),
		Position:    msg.Data.Pose.Pose.Position.vector(),
		Orientation: msg.Data.Pose.Pose.Orientation.number(),
		Covariance:  msg.Data.Pose.Covariance,
	}
}
