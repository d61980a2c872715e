// Package telemetry holds small helpers shared by the Prometheus and
// OpenTelemetry instrumentation of other packages.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Register registers c on reg. When an equal collector is already
// registered the existing one is returned, so several components (or
// tests) can construct metrics against the same registry. Any other
// registration error panics, like the promauto helpers.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MarkSpan records err on span, or marks it ok when err is nil.
func MarkSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
