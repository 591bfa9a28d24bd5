// Package tracing wraps the start of brokers and clients in an OpenTelemetry
// span. Spans go to the global tracer provider, which is a no-op unless the
// process installs an SDK, so relay behaviour never depends on tracing.
package tracing

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zsiec/mpipe"

// Span names.
const (
	SpanBrokerStart = "START OutputStream"
	SpanClientStart = "START InputStream"
)

// Label keys recorded on start spans.
const (
	LabelHost         = "host"
	LabelPort         = "port"
	LabelToken        = "token"
	LabelStatus       = "status"
	LabelErrMessage   = "errMessage"
	LabelStreamStatus = "mpipeStreamStatus"
)

// Tracer returns a tracer from tp, or from the global provider when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// Span is a start span that may be finished from several code paths; only
// the first End takes effect.
type Span struct {
	span trace.Span
	once sync.Once
}

// Start opens a root span named name on tracer with the given labels.
func Start(ctx context.Context, tracer trace.Tracer, name string, labels ...attribute.KeyValue) (context.Context, *Span) {
	if tracer == nil {
		tracer = Tracer(nil)
	}
	ctx, span := tracer.Start(ctx, name, trace.WithNewRoot(), trace.WithAttributes(labels...))
	return ctx, &Span{span: span}
}

// Endpoint returns the host, port and token labels.
func Endpoint(host string, port int, token string) []attribute.KeyValue {
	labels := []attribute.KeyValue{
		attribute.String(LabelPort, strconv.Itoa(port)),
		attribute.String(LabelToken, token),
	}
	if host != "" {
		labels = append(labels, attribute.String(LabelHost, host))
	}
	return labels
}

// Label records a string label.
func (s *Span) Label(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

// Succeed records status 200.
func (s *Span) Succeed() {
	s.span.SetAttributes(attribute.Int(LabelStatus, 200))
	s.span.SetStatus(otelcodes.Ok, "")
}

// Fail records status 500 and the error message.
func (s *Span) Fail(err error) {
	s.span.SetAttributes(
		attribute.Int(LabelStatus, 500),
		attribute.String(LabelErrMessage, err.Error()),
	)
	s.span.RecordError(err)
	s.span.SetStatus(otelcodes.Error, err.Error())
}

// End finishes the span.
func (s *Span) End() {
	s.once.Do(func() { s.span.End() })
}
