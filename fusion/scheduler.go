// Package fusion drives the EKF: it buffers the latest sample of every sensor, runs prediction and
// corrections on a fixed-rate loop and publishes one filtered estimate per triggering tick.
package fusion

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/ekffusion/ekf"
	"go.viam.com/ekffusion/logging"
	"go.viam.com/ekffusion/spatialmath"
)

// Sensor names used in logs and metric labels.
const (
	sensorImu    = "imu"
	sensorWheel  = "wheel"
	sensorLidar  = "lidar"
	stagePredict = "prediction"
)

// An Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for tick intervals and arrival times. Tests and replay use a mock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithMetrics sets the collectors the scheduler reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Snapshot is a copy of the estimate and of the sensor activation flags.
type Snapshot struct {
	State       *mat.VecDense
	Covariance  *mat.Dense
	Ticks       uint64
	ImuActive   bool
	WheelActive bool
	LidarActive bool
}

// Scheduler owns the estimator and runs the fusion loop. Add* may be called from any goroutine
// while the loop runs.
type Scheduler struct {
	cfg     Config
	sink    Sink
	logger  logging.Logger
	clock   clock.Clock
	metrics *Metrics

	imuModel   ekf.ImuModel
	wheelModel ekf.WheelModel
	lidarModel *ekf.LidarModel
	adaptive   ekf.AdaptiveNoise

	// mu guards the sensor slots and lastGyroZ. Critical sections only copy samples in or out.
	mu        sync.Mutex
	imu       slot[imuSample]
	wheel     slot[wheelSample]
	lidar     slot[lidarSample]
	lastGyroZ float64

	// estMu guards the estimator and the state only the loop mutates.
	estMu        sync.Mutex
	estimator    *ekf.Estimator
	lastTick     time.Time
	prevLidar    *lidarSample
	lastIndirect *ekf.Measurement
	ticks        uint64

	runMu                   sync.Mutex
	running                 bool
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewScheduler returns a scheduler with a fresh estimate at the origin. A nil sink discards output.
func NewScheduler(cfg Config, sink Sink, logger logging.Logger, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = Discard
	}
	s := &Scheduler{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		clock:      clock.New(),
		lidarModel: ekf.NewLidarModel(),
		adaptive: ekf.AdaptiveNoise{
			GammaVx:     cfg.GammaVx,
			GammaOmegaZ: cfg.GammaOmegaZ,
			DeltaVx:     cfg.DeltaVx,
			DeltaOmegaZ: cfg.DeltaOmegaZ,
		},
		estimator: ekf.NewEstimator(ekf.NewPredictionModel(cfg.PlanarMode), cfg.InitialCovariance, cfg.ProcessNoiseScale),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	s.lastTick = s.clock.Now()
	return s, nil
}

// Config returns the configuration the scheduler was built with.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// AddImu buffers an IMU sample, replacing any unconsumed one.
func (s *Scheduler) AddImu(rec ImuRecord) error {
	if err := rec.validate(); err != nil {
		s.metrics.RejectedSamples.WithLabelValues(sensorImu).Inc()
		return err
	}
	sample := newImuSample(&rec, &s.cfg)
	arrival := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.imu.put(sample, rec.Stamp, arrival)
	s.lastGyroZ = sample.gyroZ
	return nil
}

// AddWheel buffers a wheel sample. Its covariance is derived from the disagreement with the latest
// gyro yaw rate, which is zero until the IMU has reported.
func (s *Scheduler) AddWheel(rec WheelRecord) error {
	if err := rec.validate(); err != nil {
		s.metrics.RejectedSamples.WithLabelValues(sensorWheel).Inc()
		return err
	}
	arrival := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	cov := s.adaptive.Covariance(rec.YawRate, s.lastGyroZ)
	clampDiagonal(cov, s.cfg.CovarianceFloor)
	s.wheel.put(wheelSample{vx: rec.LinearVelocity, wz: rec.YawRate, cov: cov}, rec.Stamp, arrival)
	return nil
}

// AddLidar buffers a lidar odometry pose.
func (s *Scheduler) AddLidar(rec LidarRecord) error {
	if err := rec.validate(); err != nil {
		s.metrics.RejectedSamples.WithLabelValues(sensorLidar).Inc()
		return err
	}
	sample := newLidarSample(&rec, &s.cfg)
	arrival := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lidar.put(sample, rec.Stamp, arrival)
	return nil
}

// fired records which stages of a tick may trigger a publish.
type fired struct {
	prediction bool
	imu        *pending[imuSample]
	wheel      *pending[wheelSample]
	lidar      *pending[lidarSample]
}

// Tick runs one iteration of the loop: predict over the time elapsed since the previous tick, apply
// every enabled sensor with a fresh sample (imu, wheel, then lidar) and publish at most once. Failed
// updates are logged and skipped; only a sink error is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.cfg.EnableFilter {
		return nil
	}
	start := time.Now()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	odom, ok := s.step()
	if !ok {
		return nil
	}
	if err := s.sink.Publish(ctx, odom); err != nil {
		s.metrics.PublishErrors.Inc()
		return errors.Wrap(err, "failed to publish filtered odometry")
	}
	s.metrics.Publishes.WithLabelValues(string(odom.Trigger)).Inc()
	return nil
}

func (s *Scheduler) step() (FilteredOdometry, bool) {
	s.estMu.Lock()
	defer s.estMu.Unlock()

	now := s.clock.Now()
	dt := now.Sub(s.lastTick).Seconds()
	s.lastTick = now
	s.ticks++
	s.metrics.Ticks.Inc()
	s.metrics.MeasuredTickSecs.Set(dt)

	var f fired
	if err := s.estimator.Predict(dt); err != nil {
		s.skip(stagePredict, err)
	} else {
		f.prediction = true
	}

	imu, wheel, lidar := s.takePending()
	if imu != nil && s.correctImu(imu) {
		f.imu = imu
	}
	if wheel != nil && s.correctWheel(wheel) {
		f.wheel = wheel
	}
	if lidar != nil && s.correctLidar(lidar) {
		f.lidar = lidar
	}
	s.metrics.CovarianceTrace.Set(mat.Trace(s.estimator.Covariance()))

	trigger, stamp, ok := s.selectPublish(now, &f)
	if !ok {
		return FilteredOdometry{}, false
	}
	return s.odometry(stamp, trigger), true
}

// takePending copies out and clears the fresh samples of the enabled sensors. A disabled sensor keeps
// its sample unconsumed.
func (s *Scheduler) takePending() (*pending[imuSample], *pending[wheelSample], *pending[lidarSample]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		imu   *pending[imuSample]
		wheel *pending[wheelSample]
		lidar *pending[lidarSample]
	)
	if s.cfg.EnableImu {
		if p, ok := s.imu.take(); ok {
			imu = &p
		}
	}
	if s.cfg.EnableWheel {
		if p, ok := s.wheel.take(); ok {
			wheel = &p
		}
	}
	if s.cfg.EnableLidar {
		if p, ok := s.lidar.take(); ok {
			lidar = &p
		}
	}
	return imu, wheel, lidar
}

func (s *Scheduler) correctImu(p *pending[imuSample]) bool {
	m := s.imuModel.Measure(s.estimator.State(), p.sample.orientation, p.sample.orientationCov)
	return s.apply(sensorImu, m)
}

func (s *Scheduler) correctWheel(p *pending[wheelSample]) bool {
	m := s.wheelModel.Measure(s.estimator.State(), p.sample.vx, p.sample.wz, p.sample.cov)
	return s.apply(sensorWheel, m)
}

// correctLidar differences the pose against the previous consumed one. The first pose only becomes
// the reference for the next. In measured mode dt is the stamp gap between the two poses differenced.
func (s *Scheduler) correctLidar(p *pending[lidarSample]) bool {
	cur := p.sample
	prev := s.prevLidar
	s.prevLidar = &cur
	if prev == nil {
		s.logger.Debug("stored first lidar pose")
		return false
	}

	dt := s.cfg.correctionDt(s.cfg.LidarDt, cur.stamp.Sub(prev.stamp).Seconds())
	m := s.lidarModel.Measure(s.estimator.State(), cur.pose, prev.pose, cur.cov, prev.cov, dt)
	s.lastIndirect = m
	return s.apply(sensorLidar, m)
}

func (s *Scheduler) apply(sensor string, m *ekf.Measurement) bool {
	if err := s.estimator.Apply(m); err != nil {
		s.skip(sensor, err)
		return false
	}
	s.metrics.Corrections.WithLabelValues(sensor).Inc()
	s.logger.Debugw("applied correction", "sensor", sensor)
	return true
}

func (s *Scheduler) skip(stage string, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ekf.ErrSingularInnovation):
		reason = "singular_innovation"
	case errors.Is(err, ekf.ErrNonFinite):
		reason = "non_finite"
	}
	s.metrics.SkippedUpdates.WithLabelValues(stage, reason).Inc()
	s.logger.Warnw("skipping update", "stage", stage, "reason", reason, "error", err)
}

// selectPublish picks the single publish of a tick: prediction, then lidar, then wheel, then imu.
// Sensor triggered records carry the sample stamp advanced by the time spent since it arrived.
func (s *Scheduler) selectPublish(now time.Time, f *fired) (PublishTrigger, time.Time, bool) {
	switch {
	case s.cfg.PublishTrigger == TriggerPrediction && f.prediction:
		return TriggerPrediction, now, true
	case s.cfg.PublishTrigger == TriggerLidar && f.lidar != nil:
		return TriggerLidar, latencyStamp(f.lidar.stamp, f.lidar.arrival, now), true
	case s.cfg.PublishTrigger == TriggerWheel && f.wheel != nil:
		return TriggerWheel, latencyStamp(f.wheel.stamp, f.wheel.arrival, now), true
	case s.cfg.PublishTrigger == TriggerImu && f.imu != nil:
		return TriggerImu, latencyStamp(f.imu.stamp, f.imu.arrival, now), true
	default:
		return "", time.Time{}, false
	}
}

func latencyStamp(stamp, arrival, now time.Time) time.Time {
	latency := now.Sub(arrival)
	if latency < 0 {
		latency = 0
	}
	return stamp.Add(latency)
}

func (s *Scheduler) odometry(stamp time.Time, trigger PublishTrigger) FilteredOdometry {
	x := s.estimator.State()
	p := s.estimator.Covariance()
	ea := spatialmath.EulerAngles{Roll: x.AtVec(ekf.Roll), Pitch: x.AtVec(ekf.Pitch), Yaw: x.AtVec(ekf.Yaw)}

	odom := FilteredOdometry{
		Stamp:           stamp,
		FrameID:         s.cfg.FrameID,
		ChildFrameID:    s.cfg.ChildFrameID,
		Trigger:         trigger,
		Position:        r3.Vector{X: x.AtVec(ekf.X), Y: x.AtVec(ekf.Y), Z: x.AtVec(ekf.Z)},
		Orientation:     ea.Quaternion(),
		Euler:           ea,
		LinearVelocity:  r3.Vector{X: x.AtVec(ekf.Vx), Y: x.AtVec(ekf.Vy), Z: x.AtVec(ekf.Vz)},
		AngularVelocity: r3.Vector{X: x.AtVec(ekf.Wx), Y: x.AtVec(ekf.Wy), Z: x.AtVec(ekf.Wz)},
	}
	for i := 0; i < ekf.PoseDim; i++ {
		for j := 0; j < ekf.PoseDim; j++ {
			odom.PoseCovariance[i*ekf.PoseDim+j] = p.At(i, j)
			odom.TwistCovariance[i*ekf.TwistDim+j] = p.At(ekf.Vx+i, ekf.Vx+j)
		}
	}
	return odom
}

// Snapshot returns a copy of the current estimate.
func (s *Scheduler) Snapshot() Snapshot {
	s.estMu.Lock()
	snap := Snapshot{
		State:      s.estimator.State(),
		Covariance: s.estimator.Covariance(),
		Ticks:      s.ticks,
	}
	s.estMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ImuActive = s.imu.activated
	snap.WheelActive = s.wheel.activated
	snap.LidarActive = s.lidar.activated
	return snap
}

// LastIndirectLidar returns the most recent indirect lidar velocity measurement and its propagated
// covariance, if a lidar correction has been attempted.
func (s *Scheduler) LastIndirectLidar() (*ekf.Measurement, bool) {
	s.estMu.Lock()
	defer s.estMu.Unlock()
	if s.lastIndirect == nil {
		return nil, false
	}
	m := *s.lastIndirect
	return &m, true
}

// Start runs Tick on a ticker at the configured frequency until Stop is called. It does nothing when
// the filter is disabled.
func (s *Scheduler) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("fusion loop is already running")
	}
	if !s.cfg.EnableFilter {
		s.logger.Info("filter disabled, not starting the fusion loop")
		return nil
	}
	s.logger.Infow("starting fusion loop",
		"frequency_hz", s.cfg.FrequencyHz,
		"publish_trigger", s.cfg.PublishTrigger,
		"correction_dt_mode", s.cfg.CorrectionDtMode,
		"imu", s.cfg.EnableImu,
		"wheel", s.cfg.EnableWheel,
		"lidar", s.cfg.EnableLidar,
	)

	cancelCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.clock.Ticker(s.cfg.Period())
	s.estMu.Lock()
	s.lastTick = s.clock.Now()
	s.estMu.Unlock()

	waitCh := make(chan struct{})
	var started sync.Once
	s.activeBackgroundWorkers.Add(1)
	// ManagedGo restarts the loop after a panic, so waitCh is closed only once.
	utils.ManagedGo(func() {
		started.Do(func() { close(waitCh) })
		for {
			if cancelCtx.Err() != nil {
				return
			}
			select {
			case <-ticker.C:
				if err := s.Tick(cancelCtx); err != nil {
					s.logger.Warnw("tick failed", "error", err)
				}
			case <-cancelCtx.Done():
				return
			}
		}
	}, func() {
		ticker.Stop()
		s.activeBackgroundWorkers.Done()
	})
	<-waitCh
	s.running = true
	return nil
}

// Stop stops the loop and waits for it to exit. The estimate is kept.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.logger.Debug("stopping fusion loop")
	s.cancel()
	s.activeBackgroundWorkers.Wait()
	s.running = false
}
