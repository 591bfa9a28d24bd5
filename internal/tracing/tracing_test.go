package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func attrs(kvs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestStartSucceed(t *testing.T) {
	t.Parallel()
	rec, tp := newRecorder()

	_, span := Start(context.Background(), Tracer(tp), SpanClientStart, Endpoint("localhost", 10000, "T")...)
	span.Label(LabelStreamStatus, "200")
	span.Succeed()
	span.End()
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := attrs(ended[0].Attributes())
	want := map[string]string{
		LabelHost:         "localhost",
		LabelPort:         "10000",
		LabelToken:        "T",
		LabelStreamStatus: "200",
		LabelStatus:       "200",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("label %s = %q, want %q", k, got[k], v)
		}
	}
	if ended[0].Name() != SpanClientStart {
		t.Errorf("name = %q, want %q", ended[0].Name(), SpanClientStart)
	}
}

func TestStartFail(t *testing.T) {
	t.Parallel()
	rec, tp := newRecorder()

	_, span := Start(context.Background(), Tracer(tp), SpanBrokerStart, Endpoint("", 10000, "T")...)
	span.Fail(errors.New("address already in use"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := attrs(ended[0].Attributes())
	if got[LabelStatus] != "500" {
		t.Errorf("status = %q, want 500", got[LabelStatus])
	}
	if got[LabelErrMessage] != "address already in use" {
		t.Errorf("errMessage = %q", got[LabelErrMessage])
	}
	if _, ok := got[LabelHost]; ok {
		t.Error("host label recorded for empty host")
	}
	if ended[0].Status().Code != otelcodes.Error {
		t.Errorf("status code = %v, want Error", ended[0].Status().Code)
	}
}

func TestStartNilTracer(t *testing.T) {
	t.Parallel()
	_, span := Start(context.Background(), nil, SpanClientStart)
	span.Succeed()
	span.End()
}
