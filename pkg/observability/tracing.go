// Package observability provides a reference bus.ObservabilitySink backed
// by OpenTelemetry tracing: every published event becomes a short span,
// letting an operator correlate bus activity with the rest of a traced
// request in whatever backend the configured TracerProvider exports to.
package observability

import (
	"context"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaybus/relaybus/pkg/bus"
)

// TracingSink implements bus.ObservabilitySink. A nil TracerProvider falls
// back to the global one configured via otel.SetTracerProvider.
type TracingSink struct {
	tracer trace.Tracer
}

// NewTracingSink builds a sink using tp (or the global provider if tp is
// nil) under an instrumentation name scoped to this module.
func NewTracingSink(tp trace.TracerProvider) *TracingSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingSink{tracer: tp.Tracer("github.com/relaybus/relaybus/pkg/observability")}
}

// ObserveEvent starts and immediately ends a span describing event. It
// never blocks on an exporter and never returns an error: tracing failures
// must not affect bus delivery.
func (s *TracingSink) ObserveEvent(ctx context.Context, event bus.Event) error {
	msg := event.EventMessage()
	typeName := eventTypeName(event)

	_, span := s.tracer.Start(ctx, "bus.publish."+typeName, trace.WithAttributes(
		attribute.String("bus.event.type", typeName),
		attribute.String("bus.event.id", msg.MessageID),
		attribute.String("bus.session.id", msg.SessionID),
	))
	defer span.End()

	if se, ok := event.(bus.Scheduled); ok {
		span.SetAttributes(attribute.String("bus.event.fire_time", se.FireTime().Format("2006-01-02T15:04:05.000Z07:00")))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func eventTypeName(event bus.Event) string {
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
