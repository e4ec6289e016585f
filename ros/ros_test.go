package ros

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/gobag/rosbag"
	"go.viam.com/test"

	"go.viam.com/ekffusion/fusion"
	"go.viam.com/ekffusion/spatialmath"
)

const imuLine = `{"meta": {"secs":1650000000,"nsecs":5}, "data":{"header":{"seq":7,"stamp":{"secs":1650000000,"nsecs":20000000},"frame_id":"imu_link"},` +
	`"orientation":{"x":0,"y":0,"z":0.7071067811865476,"w":0.7071067811865476},` +
	`"orientation_covariance":[0.01,0,0,0,0.02,0,0,0,0],` +
	`"angular_velocity":{"x":0.1,"y":0.2,"z":0.3},"angular_velocity_covariance":[1,0,0,0,1,0,0,0,1],` +
	`"linear_acceleration":{"x":0,"y":0,"z":9.81},"linear_acceleration_covariance":[0,0,0,0,0,0,0,0,0]}}` + "\n"

const odomLine = `{"meta": {"secs":1650000001,"nsecs":0}, "data":{"header":{"seq":1,"stamp":{"secs":0,"nsecs":0},"frame_id":"camera_init"},` +
	`"child_frame_id":"body",` +
	`"pose":{"pose":{"position":{"x":1,"y":2,"z":0.5},"orientation":{"x":0,"y":0,"z":0,"w":1}},` +
	`"covariance":[1,0,0,0,0,0, 0,1,0,0,0,0, 0,0,1,0,0,0, 0,0,0,1,0,0, 0,0,0,0,1,0, 0,0,0,0,0,1]},` +
	`"twist":{"twist":{"linear":{"x":0.8,"y":0,"z":0},"angular":{"x":0,"y":0,"z":-0.2}},"covariance":[0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]}}}` + "\n"

func TestTopicKey(t *testing.T) {
	test.That(t, TopicKey("/imu/data"), test.ShouldEqual, "imu_data")
	test.That(t, TopicKey("/Odometry"), test.ShouldEqual, "odometry")
	test.That(t, TopicKey("wheel_odom"), test.ShouldEqual, "wheel_odom")
}

func TestReadBagMissingFile(t *testing.T) {
	_, err := ReadBag(filepath.Join(t.TempDir(), "missing.bag"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unable to open input file")
}

func TestImuConversion(t *testing.T) {
	msgs, err := decodeLines(bytes.NewBufferString(imuLine))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgs, test.ShouldHaveLength, 1)

	msg, err := ImuMessageFromMap(msgs[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msg.Data.Header.FrameID, test.ShouldEqual, "imu_link")
	test.That(t, msg.Data.Header.Seq, test.ShouldEqual, uint32(7))

	rec := msg.Record()
	test.That(t, rec.Stamp, test.ShouldEqual, time.Unix(1650000000, 20000000))
	test.That(t, rec.AngularVelocity.Z, test.ShouldEqual, 0.3)
	test.That(t, rec.LinearAcceleration.Z, test.ShouldEqual, 9.81)
	test.That(t, rec.OrientationCovariance[4], test.ShouldEqual, 0.02)
	test.That(t, spatialmath.QuatToEulerAngles(rec.Orientation).Yaw, test.ShouldAlmostEqual, math.Pi/2)
}

func TestOdometryConversion(t *testing.T) {
	msgs, err := decodeLines(bytes.NewBufferString(odomLine))
	test.That(t, err, test.ShouldBeNil)
	msg, err := OdometryMessageFromMap(msgs[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msg.Data.ChildFrameID, test.ShouldEqual, "body")

	wheel := msg.WheelRecord()
	// a zero header stamp falls back to the bag record time
	test.That(t, wheel.Stamp, test.ShouldEqual, time.Unix(1650000001, 0))
	test.That(t, wheel.LinearVelocity, test.ShouldEqual, 0.8)
	test.That(t, wheel.YawRate, test.ShouldEqual, -0.2)

	lidar := msg.LidarRecord()
	test.That(t, lidar.Position.Y, test.ShouldEqual, 2.)
	test.That(t, lidar.Orientation.Real, test.ShouldEqual, 1.)
	test.That(t, lidar.Covariance[35], test.ShouldEqual, 1.)
	test.That(t, lidar.Covariance[1], test.ShouldEqual, 0.)
}

func TestDecodeErrors(t *testing.T) {
	_, err := decodeLines(bytes.NewBufferString("{not json}\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ImuMessageFromMap(map[string]interface{}{
		"data": map[string]interface{}{"orientation_covariance": []interface{}{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	})
	test.That(t, err, test.ShouldNotBeNil)

	// a trailing record without a newline is still read
	msgs, err := decodeLines(bytes.NewBufferString(strings.TrimSuffix(imuLine, "\n")))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgs, test.ShouldHaveLength, 1)
}

func TestEventsFromMessages(t *testing.T) {
	imu, err := decodeLines(bytes.NewBufferString(imuLine + imuLine))
	test.That(t, err, test.ShouldBeNil)
	odom, err := decodeLines(bytes.NewBufferString(odomLine))
	test.That(t, err, test.ShouldBeNil)

	events, err := EventsFromMessages(imu, odom, odom)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, events, test.ShouldHaveLength, 4)
	test.That(t, events[0].Imu, test.ShouldNotBeNil)
	test.That(t, events[2].Wheel, test.ShouldNotBeNil)
	test.That(t, events[3].Lidar, test.ShouldNotBeNil)
	test.That(t, events[3].Stamp(), test.ShouldEqual, time.Unix(1650000001, 0))

	_, err = EventsFromMessages(nil, []map[string]interface{}{{"data": "nope"}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "wheel odometry message 0")
}

func TestAllMessagesForTopic(t *testing.T) {
	rb := rosbag.NewRosBag()
	rb.TopicsAsJSON[TopicKey("/Odometry")] = bytes.NewBufferString(odomLine + odomLine)

	msgs, err := AllMessagesForTopic(rb, "/Odometry")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgs, test.ShouldHaveLength, 2)

	_, err = AllMessagesForTopic(rb, "/Odometry")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWriteTopicsJSON(t *testing.T) {
	rb := rosbag.NewRosBag()
	rb.TopicsAsJSON[TopicKey("/imu/data")] = bytes.NewBufferString(imuLine)

	var out bytes.Buffer
	test.That(t, WriteTopicsJSON(rb, &out, []string{"/imu/data"}), test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldEqual, imuLine)
}

func TestEventsFromBag(t *testing.T) {
	rb := rosbag.NewRosBag()
	test.That(t, HasTopic(rb, "/imu/data"), test.ShouldBeFalse)

	_, err := EventsFromBag(rb, fusion.DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no messages")

	rb.Connections[3] = rosbag.RosConnection{ConnectionID: 3, HeaderTopic: "/imu/data"}
	test.That(t, HasTopic(rb, "/imu/data"), test.ShouldBeTrue)
}
