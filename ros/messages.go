package ros

import "time"

// Time is a ROS time as written by gobag.
type Time struct {
	Secs  int64 `json:"secs"`
	Nsecs int64 `json:"nsecs"`
}

// Time converts to a time.Time.
func (t Time) Time() time.Time {
	return time.Unix(t.Secs, t.Nsecs)
}

// IsZero reports whether t is the zero ROS time.
func (t Time) IsZero() bool {
	return t.Secs == 0 && t.Nsecs == 0
}

// Header mirrors std_msgs/Header.
type Header struct {
	Seq     uint32 `json:"seq"`
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Vector3 mirrors geometry_msgs/Vector3 and geometry_msgs/Point.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion mirrors geometry_msgs/Quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// ImuMessage is a sensor_msgs/Imu record from a bag.
type ImuMessage struct {
	Meta Time `json:"meta"`
	Data struct {
		Header                       Header     `json:"header"`
		Orientation                  Quaternion `json:"orientation"`
		OrientationCovariance        [9]float64 `json:"orientation_covariance"`
		AngularVelocity              Vector3    `json:"angular_velocity"`
		AngularVelocityCovariance    [9]float64 `json:"angular_velocity_covariance"`
		LinearAcceleration           Vector3    `json:"linear_acceleration"`
		LinearAccelerationCovariance [9]float64 `json:"linear_acceleration_covariance"`
	} `json:"data"`
}

// Pose mirrors geometry_msgs/Pose.
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Twist mirrors geometry_msgs/Twist.
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// OdometryMessage is a nav_msgs/Odometry record from a bag. Both wheel odometry and lidar odometry
// use it.
type OdometryMessage struct {
	Meta Time `json:"meta"`
	Data struct {
		Header       Header `json:"header"`
		ChildFrameID string `json:"child_frame_id"`
		Pose         struct {
			Pose       Pose        `json:"pose"`
			Covariance [36]float64 `json:"covariance"`
		} `json:"pose"`
		Twist struct {
			Twist      Twist       `json:"twist"`
			Covariance [36]float64 `json:"covariance"`
		} `json:"twist"`
	} `json:"data"`
}
