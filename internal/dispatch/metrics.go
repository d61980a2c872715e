package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/conductor/internal/telemetry"
)

// Metrics exposes Prometheus collectors for dispatch activity.
type Metrics struct {
	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	discarded  prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors that are already
// registered are reused; any other registration error panics. A nil reg
// means the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Subsystem: "dispatch",
				Name:      "tasks_total",
				Help:      "Tasks that reached a terminal status.",
			},
			[]string{"profile", "mode", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conductor",
				Subsystem: "dispatch",
				Name:      "task_duration_seconds",
				Help:      "Wall-clock task execution time.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"profile", "status"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "conductor",
				Subsystem: "dispatch",
				Name:      "tasks_in_flight",
				Help:      "Tasks currently executing.",
			},
			[]string{"mode"},
		),
		discarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Subsystem: "dispatch",
				Name:      "notifications_discarded_total",
				Help:      "Background results dropped because nobody will collect them.",
			},
		),
	}

	m.dispatched = telemetry.Register(reg, m.dispatched)
	m.duration = telemetry.Register(reg, m.duration)
	m.inFlight = telemetry.Register(reg, m.inFlight)
	m.discarded = telemetry.Register(reg, m.discarded)
	return m
}

func (m *Metrics) observe(profile, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(profile, mode, status).Inc()
	m.duration.WithLabelValues(profile, status).Observe(d.Seconds())
}

func (m *Metrics) started(mode string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(mode).Inc()
}

func (m *Metrics) finished(mode string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(mode).Dec()
}

func (m *Metrics) discard() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}
