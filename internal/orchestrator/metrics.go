package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/conductor/internal/telemetry"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	goals          *prometheus.CounterVec
	rounds         prometheus.Histogram
	decideDuration prometheus.Histogram
	goalsActive    prometheus.Gauge
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

// MustNewMetrics constructs Metrics on reg, reusing collectors that are
// already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		goals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Subsystem: "orchestrator",
				Name:      "goals_total",
				Help:      "Goals that reached a terminal state.",
			},
			[]string{"state"},
		),
		rounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "conductor",
				Subsystem: "orchestrator",
				Name:      "rounds_per_goal",
				Help:      "Delegation rounds used per goal.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		decideDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "conductor",
				Subsystem: "orchestrator",
				Name:      "decide_duration_seconds",
				Help:      "Time spent in the decision policy per planning step.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		goalsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conductor",
				Subsystem: "orchestrator",
				Name:      "goals_active",
				Help:      "Goals currently running.",
			},
		),
	}
	m.goals = telemetry.Register(reg, m.goals)
	m.rounds = telemetry.Register(reg, m.rounds)
	m.decideDuration = telemetry.Register(reg, m.decideDuration)
	m.goalsActive = telemetry.Register(reg, m.goalsActive)
	return m
}

func (m *Metrics) goalStarted() {
	if m == nil {
		return
	}
	m.goalsActive.Inc()
}

func (m *Metrics) goalFinished(state State, rounds int) {
	if m == nil {
		return
	}
	m.goalsActive.Dec()
	m.goals.WithLabelValues(string(state)).Inc()
	m.rounds.Observe(float64(rounds))
}

func (m *Metrics) observeDecide(d time.Duration) {
	if m == nil {
		return
	}
	m.decideDuration.Observe(d.Seconds())
}
