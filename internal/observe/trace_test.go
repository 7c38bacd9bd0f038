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

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test. Tests using it must not run in parallel.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestEndSpan(t *testing.T) {
	errHandshake := errors.New("handshake refused")
	tests := []struct {
		name     string
		err      error
		desc     string
		wantCode codes.Code
		wantDesc string
		events   int
	}{
		{name: "success", wantCode: codes.Unset},
		{name: "error with description", err: errHandshake, desc: "teardown incomplete", wantCode: codes.Error, wantDesc: "teardown incomplete", events: 1},
		{name: "error text as description", err: errHandshake, wantCode: codes.Error, wantDesc: "handshake refused", events: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTracer(t)
			_, span := StartSpan(context.Background(), "session.start")
			EndSpan(span, tt.err, tt.desc)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Name != "session.start" {
				t.Errorf("name = %q", got.Name)
			}
			if got.Status.Code != tt.wantCode || got.Status.Description != tt.wantDesc {
				t.Errorf("status = %v %q, want %v %q", got.Status.Code, got.Status.Description, tt.wantCode, tt.wantDesc)
			}
			if len(got.Events) != tt.events {
				t.Errorf("events = %d, want %d", len(got.Events), tt.events)
			}
		})
	}
}

func TestSpanContextFlowsIntoLogs(t *testing.T) {
	useTracer(t)
	buf := captureLog(t, slog.LevelInfo)

	ctx, span := StartSpan(context.Background(), "session.teardown")
	defer span.End()

	id := CorrelationID(ctx)
	if len(id) != 32 {
		t.Fatalf("CorrelationID = %q, want 32 hex chars", id)
	}
	if id != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want span trace id", id)
	}

	Logger(ctx).Info("releasing microphone")
	out := buf.String()
	for _, want := range []string{"trace_id=" + id, "span_id=" + span.SpanContext().SpanID().String()} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestLoggerWithoutSpan(t *testing.T) {
	buf := captureLog(t, slog.LevelInfo)

	if id := CorrelationID(context.Background()); id != "" {
		t.Errorf("CorrelationID = %q, want empty", id)
	}
	Logger(context.Background()).Info("idle")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id: %s", buf.String())
	}
}
