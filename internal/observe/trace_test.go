package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test.
func useGlobalTracer(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestCorrelationID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	ctx, span := tp.Tracer("test").Start(context.Background(), "submit")
	defer span.End()
	cid := CorrelationID(ctx)
	if want := span.SpanContext().TraceID().String(); cid != want {
		t.Errorf("CorrelationID = %q, want %q", cid, want)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	ctx, span := StartSpan(context.Background(), "conversation.submit")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "conversation.submit" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "conversation.submit")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestWithTrace(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	spanCtx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace bool
	}{
		{"without span", context.Background(), false},
		{"with span", spanCtx, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "backend")

			WithTrace(tt.ctx, base).Info("completion failed")

			out := buf.String()
			if !strings.Contains(out, "component=backend") {
				t.Errorf("base attributes lost: %s", out)
			}
			for _, key := range []string{"trace_id=", "span_id="} {
				if got := strings.Contains(out, key); got != tt.wantTrace {
					t.Errorf("%s present = %v, want %v: %s", key, got, tt.wantTrace, out)
				}
			}
		})
	}
}

func TestFail(t *testing.T) {
	tp, exp := newTestTracerProvider(t)

	_, span := tp.Tracer("test").Start(context.Background(), "backend.complete")
	Fail(span, errors.New("connection refused"), "unreachable")
	span.End()

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Error || got.Status.Description != "unreachable" {
		t.Errorf("status = %+v, want error %q", got.Status, "unreachable")
	}
	if len(got.Events) != 1 || got.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", got.Events)
	}
}
