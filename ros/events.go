package ros

import (
	"github.com/edaniels/gobag/rosbag"
	"github.com/pkg/errors"

	"go.viam.com/ekffusion/fusion"
)

// EventsFromBag reads the IMU, wheel and lidar topics named in cfg from rb. Topics of disabled
// sensors are not read and topics absent from the bag are skipped; it is an error if nothing is left.
func EventsFromBag(rb *rosbag.RosBag, cfg fusion.Config) ([]fusion.Event, error) {
	read := func(enabled bool, topic string) ([]map[string]interface{}, error) {
		if !enabled || topic == "" {
			return nil, nil
		}
		if !HasTopic(rb, topic) {
			return nil, nil
		}
		return AllMessagesForTopic(rb, topic)
	}

	imu, err := read(cfg.EnableImu, cfg.ImuTopic)
	if err != nil {
		return nil, err
	}
	wheel, err := read(cfg.EnableWheel, cfg.WheelTopic)
	if err != nil {
		return nil, err
	}
	lidar, err := read(cfg.EnableLidar, cfg.LidarTopic)
	if err != nil {
		return nil, err
	}

	events, err := EventsFromMessages(imu, wheel, lidar)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Errorf("no messages on topics %q, %q, %q", cfg.ImuTopic, cfg.WheelTopic, cfg.LidarTopic)
	}
	return events, nil
}

// HasTopic reports whether the bag has a connection publishing topic.
func HasTopic(rb *rosbag.RosBag, topic string) bool {
	for _, conn := range rb.Connections {
		if conn.HeaderTopic == topic {
			return true
		}
	}
	return false
}

// EventsFromMessages converts decoded bag records into replay events, in the order imu, wheel, lidar.
// Replay sorts them by stamp.
func EventsFromMessages(imu, wheel, lidar []map[string]interface{}) ([]fusion.Event, error) {
	events := make([]fusion.Event, 0, len(imu)+len(wheel)+len(lidar))
	for i, m := range imu {
		msg, err := ImuMessageFromMap(m)
		if err != nil {
			return nil, errors.Wrapf(err, "imu message %d", i)
		}
		rec := msg.Record()
		events = append(events, fusion.Event{Imu: &rec})
	}
	for i, m := range wheel {
		msg, err := OdometryMessageFromMap(m)
		if err != nil {
			return nil, errors.Wrapf(err, "wheel odometry message %d", i)
		}
		rec := msg.WheelRecord()
		events = append(events, fusion.Event{Wheel: &rec})
	}
	for i, m := range lidar {
		msg, err := OdometryMessageFromMap(m)
		if err != nil {
			return nil, errors.Wrapf(err, "lidar odometry message %d", i)
		}
		rec := msg.LidarRecord()
		events = append(events, fusion.Event{Lidar: &rec})
	}
	return events, nil
}
