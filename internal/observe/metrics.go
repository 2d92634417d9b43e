// Package observe provides application-wide observability primitives for
// chorus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chorus metrics.
const meterName = "github.com/chorus-chat/chorus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("purpose", ...)
	LLMDuration metric.Float64Histogram

	// BroadcastDuration tracks gateway fan-out latency per firehose message.
	BroadcastDuration metric.Float64Histogram

	// FrameDuration tracks perceiver frame processing latency end to end.
	FrameDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesConsumed counts stream entries consumed. Use with attributes:
	//   attribute.String("service", ...), attribute.String("stream", ...)
	MessagesConsumed metric.Int64Counter

	// MessagesDropped counts entries dropped before reaching their sink.
	// Use with attributes:
	//   attribute.String("service", ...), attribute.String("reason", ...)
	MessagesDropped metric.Int64Counter

	// PersonaMessages counts bot messages published. Use with attributes:
	//   attribute.String("persona_id", ...), attribute.String("kind", ...)
	// where kind is "reply" or "auto".
	PersonaMessages metric.Int64Counter

	// ObservationsEmitted counts stream observations published by the
	// perceiver.
	ObservationsEmitted metric.Int64Counter

	// MemoryWrites counts memory item writes by outcome. Use with attribute:
	//   attribute.String("status", ...) with "accepted", "rejected",
	//   "redacted" or "failed".
	MemoryWrites metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts LLM provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("purpose", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveWSConnections tracks currently connected websocket subscribers.
	ActiveWSConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("chorus.llm.duration",
		metric.WithDescription("Latency of LLM calls by provider and purpose."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDuration, err = m.Float64Histogram("chorus.broadcast.duration",
		metric.WithDescription("Latency of gateway fan-out per message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("chorus.frame.duration",
		metric.WithDescription("End-to-end frame processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesConsumed, err = m.Int64Counter("chorus.messages.consumed",
		metric.WithDescription("Total stream entries consumed by service and stream."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("chorus.messages.dropped",
		metric.WithDescription("Total entries dropped by service and reason."),
	); err != nil {
		return nil, err
	}
	if met.PersonaMessages, err = m.Int64Counter("chorus.persona.messages",
		metric.WithDescription("Total bot messages published by persona ID and kind."),
	); err != nil {
		return nil, err
	}
	if met.ObservationsEmitted, err = m.Int64Counter("chorus.observations.emitted",
		metric.WithDescription("Total stream observations emitted by the perceiver."),
	); err != nil {
		return nil, err
	}
	if met.MemoryWrites, err = m.Int64Counter("chorus.memory.writes",
		metric.WithDescription("Total memory item writes by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("chorus.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider and purpose."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWSConnections, err = m.Int64UpDownCounter("chorus.active_ws_connections",
		metric.WithDescription("Number of currently connected websocket subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chorus.http.request.duration",
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

// RecordConsumed records one consumed stream entry.
func (m *Metrics) RecordConsumed(ctx context.Context, service, stream string) {
	m.MessagesConsumed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("stream", stream),
		),
	)
}

// RecordDropped records one dropped entry with the drop reason.
func (m *Metrics) RecordDropped(ctx context.Context, service, reason string) {
	m.MessagesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("reason", reason),
		),
	)
}

// RecordPersonaMessage records one published bot message. kind is "reply"
// for reactive messages and "auto" for auto-commentary.
func (m *Metrics) RecordPersonaMessage(ctx context.Context, personaID, kind string) {
	m.PersonaMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("persona_id", personaID),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderError records one LLM provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, purpose string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("purpose", purpose),
		),
	)
}

// RecordLLMDuration records one LLM call's wall time in seconds.
func (m *Metrics) RecordLLMDuration(ctx context.Context, provider, purpose string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("purpose", purpose),
		),
	)
}

// RecordBroadcastDuration records one fan-out dispatch in seconds.
func (m *Metrics) RecordBroadcastDuration(ctx context.Context, seconds float64) {
	m.BroadcastDuration.Record(ctx, seconds)
}

// RecordFrameDuration records one frame's end-to-end processing in seconds.
func (m *Metrics) RecordFrameDuration(ctx context.Context, seconds float64) {
	m.FrameDuration.Record(ctx, seconds)
}

// RecordObservationEmitted records one emitted stream observation.
func (m *Metrics) RecordObservationEmitted(ctx context.Context) {
	m.ObservationsEmitted.Add(ctx, 1)
}

// RecordMemoryWrite records one memory write outcome. status is "accepted",
// "rejected", "redacted" or "failed".
func (m *Metrics) RecordMemoryWrite(ctx context.Context, status string) {
	m.MemoryWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordWSConnection moves the websocket connection gauge by delta.
func (m *Metrics) RecordWSConnection(ctx context.Context, delta int64) {
	m.ActiveWSConnections.Add(ctx, delta)
}
