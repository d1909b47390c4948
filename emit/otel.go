package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noetl/noetl/event"
)

// OTelEmitter implements Emitter by creating an OpenTelemetry span per
// event. Each event is a point in time (task started, step done, …)
// rather than a duration, so its span is started and ended immediately;
// `outcome.meta.trace_id` is not populated from here, and the engine
// does not set it either: it stays empty unless a tool driver fills it.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using tracer (e.g.
// otel.Tracer("noetl")).
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(ev event.Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, ev.Name)
	defer span.End()
	o.annotate(span, ev)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []event.Event) error {
	for _, ev := range events {
		_, span := o.tracer.Start(ctx, ev.Name)
		o.annotate(span, ev)
		span.End()
	}
	return nil
}

// Flush is a no-op: span export is owned by the configured
// sdktrace.TracerProvider's batch processor, not by this emitter.
func (o *OTelEmitter) Flush(_ context.Context) error { return nil }

func (o *OTelEmitter) annotate(span trace.Span, ev event.Event) {
	span.SetAttributes(
		attribute.String("execution_id", ev.ExecutionID),
		attribute.String("event_id", ev.EventID),
		attribute.Int64("seq", ev.Seq),
		attribute.String("entity_type", ev.EntityType),
		attribute.String("entity_id", ev.EntityID),
		attribute.String("status", string(ev.Status)),
	)
	if ev.Attempt > 0 {
		span.SetAttributes(attribute.Int("attempt", ev.Attempt))
	}
	if ev.Iteration > 0 {
		span.SetAttributes(attribute.Int("iteration", ev.Iteration))
	}
	if ev.Status == event.StatusFailed {
		msg := ev.Payload.Get("error").Get("message").S
		if msg == "" {
			msg = "task failed"
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}
