package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/conductor/internal/telemetry"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	traceScope = "conductor.dispatch"

	traceSpanBatch = "conductor.dispatch.batch"
	traceSpanTask  = "conductor.dispatch.task"

	traceAttrTaskID    = "conductor.task_id"
	traceAttrProfile   = "conductor.profile"
	traceAttrMode      = "conductor.mode"
	traceAttrRound     = "conductor.round"
	traceAttrSessionID = "conductor.session_id"
	traceAttrStatus    = "conductor.status"
	traceAttrBatchSize = "conductor.batch_size"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func taskAttrs(t models.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(traceAttrTaskID, t.ID),
		attribute.String(traceAttrProfile, t.Profile),
		attribute.String(traceAttrMode, string(t.Mode)),
		attribute.Int(traceAttrRound, t.Round),
		attribute.String(traceAttrSessionID, t.SessionID),
	}
}

func markSpanResult(span trace.Span, r models.DispatchResult) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(traceAttrStatus, string(r.Status)))
	telemetry.MarkSpan(span, r.Err)
}
