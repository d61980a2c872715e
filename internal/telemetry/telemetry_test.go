package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func newCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
}

func TestRegister_ReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := Register(reg, newCounter())
	second := Register(reg, newCounter())

	first.Inc()
	assert.Same(t, first, second)
}

func TestRegister_PanicsOnConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, newCounter())

	conflicting := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_total", Help: "other help"})
	assert.Panics(t, func() { Register(reg, conflicting) })
}
