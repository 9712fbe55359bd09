// Package observe provides application-wide observability primitives for
// Quarrel: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Quarrel metrics.
const meterName = "github.com/MrWong99/quarrel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks text-to-speech synthesis latency. Use with attribute:
	//   attribute.String("provider", ...)
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks how long an utterance held a playback slot.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts scheduler outcomes. Use with attributes:
	//   attribute.String("priority", ...), attribute.String("outcome", ...)
	Utterances metric.Int64Counter

	// Segments counts long-form segments by outcome.
	Segments metric.Int64Counter

	// Interruptions counts interjection attempts. Use with attribute:
	//   attribute.String("outcome", "allowed"|"denied")
	Interruptions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueLength tracks the number of utterances waiting for a slot.
	QueueLength metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of utterances currently playing.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis and playback of spoken lines.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTSDuration, err = m.Float64Histogram("quarrel.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("quarrel.playback.duration",
		metric.WithDescription("Time an utterance occupied a playback slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("quarrel.utterances",
		metric.WithDescription("Total utterances by priority and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("quarrel.segments",
		metric.WithDescription("Total long-form segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("quarrel.interruptions",
		metric.WithDescription("Total interjection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("quarrel.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("quarrel.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueLength, err = m.Int64UpDownCounter("quarrel.scheduler.queue_length",
		metric.WithDescription("Number of utterances waiting for a playback slot."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("quarrel.scheduler.active_speakers",
		metric.WithDescription("Number of utterances currently playing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("quarrel.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTTS records one synthesis call's latency.
func (m *Metrics) RecordTTS(ctx context.Context, provider string, d time.Duration) {
	m.TTSDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordUtterance records the final outcome of a scheduled utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, priority, outcome string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("priority", priority),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordPlayback records how long an utterance held its playback slot.
func (m *Metrics) RecordPlayback(ctx context.Context, priority string, d time.Duration) {
	m.PlaybackDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("priority", priority)),
	)
}

// RecordSegment records the outcome of one long-form segment.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordInterruption records an interjection attempt.
func (m *Metrics) RecordInterruption(ctx context.Context, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
