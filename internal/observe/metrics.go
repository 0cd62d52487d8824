// Package observe provides application-wide observability primitives for
// Mimamori: OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Mimamori metrics.
const meterName = "github.com/mimamori-dev/mimamori"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// FastRecognizeDuration tracks fast-pass transcription latency. This is
	// the latency the real-time path pays per segment.
	FastRecognizeDuration metric.Float64Histogram

	// FinalRecognizeDuration tracks final-pass transcription latency.
	FinalRecognizeDuration metric.Float64Histogram

	// SummarizeDuration tracks one summarization attempt's latency.
	SummarizeDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts utterance segments emitted by the segmenter.
	Segments metric.Int64Counter

	// Utterances counts stored transcript lines. Use with attribute:
	//   attribute.String("stage", "fast"|"final")
	Utterances metric.Int64Counter

	// KeywordHits counts keyword detections. Use with attribute:
	//   attribute.Int("tier", ...)
	KeywordHits metric.Int64Counter

	// Jobs counts summarization job outcomes. Use with attribute:
	//   attribute.String("status", "written"|"failed"|"duplicate")
	Jobs metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveViewers tracks the number of connected live-log subscribers.
	ActiveViewers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// fast-pass recognition up to slow summarization calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FastRecognizeDuration, err = m.Float64Histogram("mimamori.recognize.fast.duration",
		metric.WithDescription("Latency of fast-pass speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalRecognizeDuration, err = m.Float64Histogram("mimamori.recognize.final.duration",
		metric.WithDescription("Latency of final-pass speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarizeDuration, err = m.Float64Histogram("mimamori.summarize.duration",
		metric.WithDescription("Latency of one summarization attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("mimamori.segments",
		metric.WithDescription("Total utterance segments emitted by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("mimamori.utterances",
		metric.WithDescription("Total stored transcript lines by stage."),
	); err != nil {
		return nil, err
	}
	if met.KeywordHits, err = m.Int64Counter("mimamori.keyword.hits",
		metric.WithDescription("Total keyword detections by tier."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("mimamori.jobs",
		metric.WithDescription("Total summarization job outcomes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("mimamori.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveViewers, err = m.Int64UpDownCounter("mimamori.active_viewers",
		metric.WithDescription("Number of connected live-log subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mimamori.http.request.duration",
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

// RecordUtterance records one stored transcript line.
func (m *Metrics) RecordUtterance(ctx context.Context, stage string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordKeywordHit records one keyword detection.
func (m *Metrics) RecordKeywordHit(ctx context.Context, tier int) {
	m.KeywordHits.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("tier", tier)),
	)
}

// RecordJob records one summarization job outcome.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
