// Package observe provides application-wide observability primitives for the
// VoiceNote audio-processing service: OpenTelemetry metrics, distributed
// tracing, structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoiceNote metrics.
const meterName = "github.com/Skyjoy0512/voicenote"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-phase pipeline latency. Use with attribute:
	//   attribute.String("stage", ...): preprocessing, speaker_analysis,
	//   chunk_processing, transcribing, integrating.
	StageDuration metric.Float64Histogram

	// ProviderDuration tracks speech-provider call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// JobsFinished counts terminal job transitions. Use with attribute:
	//   attribute.String("status", ...): completed, error, cancelled.
	JobsFinished metric.Int64Counter

	// ProgressWriteFailures counts swallowed progress-store write errors.
	ProgressWriteFailures metric.Int64Counter

	// FingerprintUpdates counts voice-fingerprint updates by outcome.
	FingerprintUpdates metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of currently running audio jobs.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Pipeline
// phases run from sub-second progress writes up to multi-minute provider
// calls on long recordings.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("voicenote.stage.duration",
		metric.WithDescription("Latency of each audio-pipeline phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("voicenote.provider.duration",
		metric.WithDescription("Latency of speech-provider transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicenote.provider.requests",
		metric.WithDescription("Total speech-provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsFinished, err = m.Int64Counter("voicenote.jobs.finished",
		metric.WithDescription("Terminal job transitions by final status."),
	); err != nil {
		return nil, err
	}
	if met.ProgressWriteFailures, err = m.Int64Counter("voicenote.progress.write_failures",
		metric.WithDescription("Progress-store writes that failed and were swallowed."),
	); err != nil {
		return nil, err
	}
	if met.FingerprintUpdates, err = m.Int64Counter("voicenote.fingerprint.updates",
		metric.WithDescription("Voice-fingerprint updates by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("voicenote.active_jobs",
		metric.WithDescription("Number of currently running audio jobs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicenote.http.request.duration",
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
