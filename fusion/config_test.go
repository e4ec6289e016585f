package fusion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.PublishTrigger, test.ShouldEqual, TriggerLidar)
	test.That(t, cfg.LidarGain, test.ShouldEqual, 75.)
	test.That(t, cfg.ImuGain, test.ShouldEqual, 100.)
	test.That(t, cfg.Period(), test.ShouldEqual, 5*time.Millisecond)
	test.That(t, cfg.LidarTopic, test.ShouldEqual, "/Odometry")
	test.That(t, cfg.FrameID, test.ShouldEqual, "chassis_init")
}

func TestNewConfigFromAttributes(t *testing.T) {
	cfg, err := NewConfigFromAttributes(map[string]interface{}{
		"enable_wheel":    "false",
		"lidar_gain":      "50",
		"imu_gain":        10,
		"publish_trigger": "P",
		"frequency_hz":    100.0,
		"child_frame_id":  "base_link",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.EnableWheel, test.ShouldBeFalse)
	test.That(t, cfg.EnableImu, test.ShouldBeTrue)
	test.That(t, cfg.LidarGain, test.ShouldEqual, 50.)
	test.That(t, cfg.ImuGain, test.ShouldEqual, 10.)
	test.That(t, cfg.PublishTrigger, test.ShouldEqual, TriggerPrediction)
	test.That(t, cfg.Period(), test.ShouldEqual, 10*time.Millisecond)
	test.That(t, cfg.ChildFrameID, test.ShouldEqual, "base_link")
	test.That(t, cfg.DeltaVx, test.ShouldEqual, 0.0001)

	cfg, err = NewConfigFromAttributes(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, DefaultConfig())
}

func TestConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		attrs map[string]interface{}
		msg   string
	}{
		{"unknown key", map[string]interface{}{"lidarG": 75}, "lidarG"},
		{"bad trigger", map[string]interface{}{"publish_trigger": "x"}, "unknown publish trigger"},
		{"zero frequency", map[string]interface{}{"frequency_hz": 0}, "frequency_hz"},
		{"high frequency", map[string]interface{}{"frequency_hz": 5000}, "frequency_hz"},
		{"negative gain", map[string]interface{}{"imu_gain": -1}, "imu_gain"},
		{"zero dt", map[string]interface{}{"lidar_dt": 0}, "lidar_dt"},
		{"dt mode", map[string]interface{}{"correction_dt_mode": "sometimes"}, "correction_dt_mode"},
		{"not a number", map[string]interface{}{"gamma_vx": "lots"}, "gamma_vx"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfigFromAttributes(tc.attrs)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.msg)
		})
	}
}

func TestParsePublishTrigger(t *testing.T) {
	for in, want := range map[string]PublishTrigger{
		"p": TriggerPrediction, "prediction": TriggerPrediction,
		"i": TriggerImu, "IMU": TriggerImu,
		"w": TriggerWheel, " wheel ": TriggerWheel,
		"l": TriggerLidar, "lidar": TriggerLidar,
	} {
		got, err := ParsePublishTrigger(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err := ParsePublishTrigger("")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fusion.json")
	test.That(t, os.WriteFile(path, []byte(`{"publish_trigger": "wheel", "planar_mode": false}`), 0o600), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.PublishTrigger, test.ShouldEqual, TriggerWheel)
	test.That(t, cfg.PlanarMode, test.ShouldBeFalse)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(path, []byte(`{`), 0o600), test.ShouldBeNil)
	_, err = LoadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCorrectionDt(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.correctionDt(0.1, 0.25), test.ShouldEqual, 0.1)

	cfg.CorrectionDtMode = DtModeMeasured
	test.That(t, cfg.correctionDt(0.1, 0.25), test.ShouldEqual, 0.25)
	test.That(t, cfg.correctionDt(0.1, 0), test.ShouldEqual, 0.1)
	test.That(t, cfg.correctionDt(0.1, -0.5), test.ShouldEqual, 0.1)
}
