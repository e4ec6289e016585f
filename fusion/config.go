package fusion

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// PublishTrigger selects which stage of a tick produces the published estimate.
type PublishTrigger string

// The publish triggers, in priority order.
const (
	TriggerPrediction = PublishTrigger("prediction")
	TriggerLidar      = PublishTrigger("lidar")
	TriggerWheel      = PublishTrigger("wheel")
	TriggerImu        = PublishTrigger("imu")
)

// ParsePublishTrigger accepts a trigger name or its single letter alias (p, i, w, l).
func ParsePublishTrigger(s string) (PublishTrigger, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p", string(TriggerPrediction):
		return TriggerPrediction, nil
	case "i", string(TriggerImu):
		return TriggerImu, nil
	case "w", string(TriggerWheel):
		return TriggerWheel, nil
	case "l", string(TriggerLidar):
		return TriggerLidar, nil
	default:
		return "", errors.Errorf("unknown publish trigger %q, expected one of prediction, imu, wheel, lidar", s)
	}
}

// DtMode selects the dt handed to the correction stages.
type DtMode string

const (
	// DtModeFixed uses the per sensor constants ImuDt, WheelDt and LidarDt.
	DtModeFixed = DtMode("fixed")
	// DtModeMeasured uses the stamp gap between the samples a correction combines.
	DtModeMeasured = DtMode("measured")
)

// MaxFrequencyHz bounds the loop rate.
const MaxFrequencyHz = 1000

// Config is the fusion configuration. It is built once and never mutated by the scheduler.
type Config struct {
	EnableFilter bool `json:"enable_filter"`
	EnableImu    bool `json:"enable_imu"`
	EnableWheel  bool `json:"enable_wheel"`
	EnableLidar  bool `json:"enable_lidar"`

	LidarGain float64 `json:"lidar_gain"`
	// WheelGain is accepted for compatibility. The adaptive noise estimator owns the wheel covariance.
	WheelGain float64 `json:"wheel_gain"`
	ImuGain   float64 `json:"imu_gain"`

	GammaVx     float64 `json:"gamma_vx"`
	GammaOmegaZ float64 `json:"gamma_omega_z"`
	DeltaVx     float64 `json:"delta_vx"`
	DeltaOmegaZ float64 `json:"delta_omega_z"`

	PublishTrigger PublishTrigger `json:"publish_trigger"`
	FrequencyHz    float64        `json:"frequency_hz"`

	CorrectionDtMode DtMode  `json:"correction_dt_mode"`
	ImuDt            float64 `json:"imu_dt"`
	WheelDt          float64 `json:"wheel_dt"`
	LidarDt          float64 `json:"lidar_dt"`

	PlanarMode        bool    `json:"planar_mode"`
	InitialCovariance float64 `json:"initial_covariance"`
	ProcessNoiseScale float64 `json:"process_noise_scale"`
	CovarianceFloor   float64 `json:"covariance_floor"`

	// ImuYawVarianceFromPitch fills the yaw variance of the IMU orientation covariance from the pitch
	// variance (index 4) instead of index 8. Some drivers report a zero yaw variance.
	ImuYawVarianceFromPitch bool `json:"imu_yaw_variance_from_pitch"`

	ImuTopic    string `json:"imu_topic"`
	WheelTopic  string `json:"wheel_topic"`
	LidarTopic  string `json:"lidar_topic"`
	FilterTopic string `json:"filter_topic"`

	FrameID      string `json:"frame_id"`
	ChildFrameID string `json:"child_frame_id"`
}

// DefaultConfig returns the configuration used when no attributes are given.
func DefaultConfig() Config {
	return Config{
		EnableFilter: true,
		EnableImu:    true,
		EnableWheel:  true,
		EnableLidar:  true,

		LidarGain: 75,
		WheelGain: 0.5,
		ImuGain:   100,

		GammaVx:     0.05,
		GammaOmegaZ: 0.01,
		DeltaVx:     0.0001,
		DeltaOmegaZ: 0.00001,

		PublishTrigger: TriggerLidar,
		FrequencyHz:    200,

		CorrectionDtMode: DtModeFixed,
		ImuDt:            0.02,
		WheelDt:          0.02,
		LidarDt:          0.1,

		PlanarMode:        true,
		InitialCovariance: 0.1,
		ProcessNoiseScale: 0.01,
		CovarianceFloor:   1e-9,

		ImuYawVarianceFromPitch: true,

		ImuTopic:    "/imu/data",
		WheelTopic:  "/wheel_odom",
		LidarTopic:  "/Odometry",
		FilterTopic: "/filter_odom",

		FrameID:      "chassis_init",
		ChildFrameID: "ekf_odom_frame",
	}
}

// NewConfigFromAttributes overlays a flat key/value map on DefaultConfig. Values may be strings or
// numbers; unknown keys are an error.
func NewConfigFromAttributes(attrs map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return Config{}, errors.Wrap(err, "error decoding fusion config")
	}

	trigger, err := ParsePublishTrigger(string(cfg.PublishTrigger))
	if err != nil {
		return Config{}, err
	}
	cfg.PublishTrigger = trigger
	cfg.CorrectionDtMode = DtMode(strings.ToLower(string(cfg.CorrectionDtMode)))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a flat JSON object from path and decodes it with NewConfigFromAttributes.
func LoadConfig(path string) (Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot read config file %q", path)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse config file %q", path)
	}
	return NewConfigFromAttributes(attrs)
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	if _, err := ParsePublishTrigger(string(cfg.PublishTrigger)); err != nil {
		return err
	}
	if cfg.CorrectionDtMode != DtModeFixed && cfg.CorrectionDtMode != DtModeMeasured {
		return errors.Errorf("correction_dt_mode must be %q or %q, got %q", DtModeFixed, DtModeMeasured, cfg.CorrectionDtMode)
	}
	if !(cfg.FrequencyHz > 0 && cfg.FrequencyHz <= MaxFrequencyHz) {
		return errors.Errorf("frequency_hz must be in (0, %d], got %v", MaxFrequencyHz, cfg.FrequencyHz)
	}

	positive := map[string]float64{
		"imu_dt":             cfg.ImuDt,
		"wheel_dt":           cfg.WheelDt,
		"lidar_dt":           cfg.LidarDt,
		"initial_covariance": cfg.InitialCovariance,
	}
	for name, v := range positive {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.Errorf("%s must be positive, got %v", name, v)
		}
	}

	nonNegative := map[string]float64{
		"lidar_gain":          cfg.LidarGain,
		"wheel_gain":          cfg.WheelGain,
		"imu_gain":            cfg.ImuGain,
		"gamma_vx":            cfg.GammaVx,
		"gamma_omega_z":       cfg.GammaOmegaZ,
		"delta_vx":            cfg.DeltaVx,
		"delta_omega_z":       cfg.DeltaOmegaZ,
		"process_noise_scale": cfg.ProcessNoiseScale,
		"covariance_floor":    cfg.CovarianceFloor,
	}
	for name, v := range nonNegative {
		if !(v >= 0) || math.IsInf(v, 0) {
			return errors.Errorf("%s must be non-negative, got %v", name, v)
		}
	}
	return nil
}

// Period is the interval between loop ticks.
func (cfg Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / cfg.FrequencyHz)
}

// correctionDt returns the dt for a correction given the fixed constant of the sensor and the measured
// stamp gap between the samples the correction uses.
func (cfg Config) correctionDt(fixed, measured float64) float64 {
	if cfg.CorrectionDtMode == DtModeMeasured && measured > 0 {
		return measured
	}
	return fixed
}
