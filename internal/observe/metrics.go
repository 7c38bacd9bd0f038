// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through [Telemetry.MetricsHandler]. [DefaultMetrics] binds to the global
// meter provider; tests pass their own provider to [NewMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from start() to the peer's open signal.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay open.
	SessionDuration metric.Float64Histogram

	// --- Capture path ---

	// FramesCaptured counts microphone frames that entered the pipeline.
	FramesCaptured metric.Int64Counter

	// ChunksSent counts encoded chunks handed to the transport.
	ChunksSent metric.Int64Counter

	// SendErrors counts failed SendAudio calls.
	SendErrors metric.Int64Counter

	// --- Playback path ---

	// ChunksReceived counts audio chunks received from the peer.
	ChunksReceived metric.Int64Counter

	// CodecErrors counts inbound chunks dropped as malformed.
	CodecErrors metric.Int64Counter

	// UnitsScheduled counts playback units handed to the output device.
	UnitsScheduled metric.Int64Counter

	// Interruptions counts playback flushes caused by the peer.
	Interruptions metric.Int64Counter

	// TurnsCompleted counts finalised turns.
	TurnsCompleted metric.Int64Counter

	// --- Errors ---

	// SessionErrors counts surfaced session errors. Use with attribute:
	//   attribute.String("kind", "connection"|"device"|"protocol")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// durationBuckets covers session lifetimes from seconds to an hour.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicelink.session.connect.duration",
		metric.WithDescription("Latency of the peer handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicelink.session.duration",
		metric.WithDescription("Lifetime of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesCaptured, "voicelink.capture.frames", "Microphone frames captured."},
		{&met.ChunksSent, "voicelink.capture.chunks_sent", "Encoded chunks sent to the peer."},
		{&met.SendErrors, "voicelink.capture.send_errors", "Failed audio sends."},
		{&met.ChunksReceived, "voicelink.playback.chunks_received", "Audio chunks received from the peer."},
		{&met.CodecErrors, "voicelink.playback.codec_errors", "Inbound audio chunks dropped as malformed."},
		{&met.UnitsScheduled, "voicelink.playback.units_scheduled", "Playback units scheduled on the output device."},
		{&met.Interruptions, "voicelink.playback.interruptions", "Playback flushes caused by interruptions."},
		{&met.TurnsCompleted, "voicelink.transcript.turns", "Completed conversational turns."},
		{&met.SessionErrors, "voicelink.session.errors", "Surfaced session errors by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionError records a surfaced session error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChunkSent records one SendAudio outcome for the given provider.
func (m *Metrics) RecordChunkSent(ctx context.Context, provider string, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if err != nil {
		m.SendErrors.Add(ctx, 1, attrs)
		return
	}
	m.ChunksSent.Add(ctx, 1, attrs)
}
