// Package observe provides the observability primitives shared by Parley:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by the [Telemetry] that [Init] builds. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should call
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all metric instruments. The OTel instruments handle their own
// synchronisation.
type Metrics struct {
	// --- Latency ---

	// SubmitDuration tracks a whole submit: context assembly, backend call,
	// persistence and hand-off to playback. Attribute: status.
	SubmitDuration metric.Float64Histogram

	// BackendDuration tracks language-model calls. Attributes: provider, status.
	BackendDuration metric.Float64Histogram

	// TTSFirstAudio tracks the delay between Speak and the first audio chunk.
	TTSFirstAudio metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handlers. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram

	// --- Context window ---

	// ContextTurns records how many prior turns were included per prompt.
	ContextTurns metric.Int64Histogram

	// ContextChars records the accounted character total per prompt.
	ContextChars metric.Int64Histogram

	// --- Turn taking ---

	// InterruptDecisions counts detector outcomes. Attribute: reason.
	InterruptDecisions metric.Int64Counter

	// ModeTransitions counts state-machine transitions. Attributes: from, to.
	ModeTransitions metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes.
	// Attributes: breaker, to.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var turnBuckets = []float64{0, 1, 2, 5, 10, 15, 20, 30, 50}

var charBuckets = []float64{100, 500, 1000, 2500, 5000, 7500, 10000, 20000}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	seconds := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.SubmitDuration, err = seconds("parley.submit.duration",
		"Latency of a full submit from command to queued reply."); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = seconds("parley.backend.duration",
		"Latency of language-model completions."); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = seconds("parley.tts.first_audio",
		"Delay between a speak request and its first synthesized audio."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ContextTurns, err = m.Int64Histogram("parley.context.turns",
		metric.WithDescription("Prior turns included in an assembled prompt."),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextChars, err = m.Int64Histogram("parley.context.chars",
		metric.WithDescription("Accounted characters of an assembled prompt."),
		metric.WithExplicitBucketBoundaries(charBuckets...),
	); err != nil {
		return nil, err
	}

	if met.InterruptDecisions, err = m.Int64Counter("parley.interrupt.decisions",
		metric.WithDescription("Interruption detector outcomes by reason."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("parley.mode.transitions",
		metric.WithDescription("Turn-taking mode transitions."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Circuit-breaker state changes."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBackend records one language-model call.
func (m *Metrics) RecordBackend(ctx context.Context, provider, status string, d time.Duration) {
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSubmit records one orchestrator submit.
func (m *Metrics) RecordSubmit(ctx context.Context, status string, d time.Duration) {
	m.SubmitDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordContext records the size of one assembled prompt.
func (m *Metrics) RecordContext(ctx context.Context, turns, chars int) {
	m.ContextTurns.Record(ctx, int64(turns))
	m.ContextChars.Record(ctx, int64(chars))
}

// RecordInterruptDecision counts one detector outcome.
func (m *Metrics) RecordInterruptDecision(ctx context.Context, reason string) {
	m.InterruptDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordModeTransition counts one mode change.
func (m *Metrics) RecordModeTransition(ctx context.Context, from, to string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerTransition counts one circuit-breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
