package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	Ticks            prometheus.Counter
	Corrections      *prometheus.CounterVec
	SkippedUpdates   *prometheus.CounterVec
	RejectedSamples  *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
	PublishErrors    prometheus.Counter
	TickDuration     prometheus.Histogram
	CovarianceTrace  prometheus.Gauge
	MeasuredTickSecs prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "ticks_total",
			Help:      "Scheduler ticks run with the filter enabled.",
		}),
		Corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "corrections_total",
			Help:      "Corrections applied, by sensor.",
		}, []string{"sensor"}),
		SkippedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "skipped_updates_total",
			Help:      "Predictions or corrections skipped, by stage and reason.",
		}, []string{"stage", "reason"}),
		RejectedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "rejected_samples_total",
			Help:      "Sensor samples rejected on arrival, by sensor.",
		}, []string{"sensor"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "publishes_total",
			Help:      "Filtered odometry records published, by trigger.",
		}, []string{"trigger"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ekf",
			Name:      "publish_errors_total",
			Help:      "Sink errors while publishing filtered odometry.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ekf",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		CovarianceTrace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ekf",
			Name:      "covariance_trace",
			Help:      "Trace of the state covariance after the last tick.",
		}),
		MeasuredTickSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ekf",
			Name:      "prediction_dt_seconds",
			Help:      "Measured interval used by the last prediction.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return m, err
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Ticks, m.Corrections, m.SkippedUpdates, m.RejectedSamples, m.Publishes,
		m.PublishErrors, m.TickDuration, m.CovarianceTrace, m.MeasuredTickSecs,
	}
}
