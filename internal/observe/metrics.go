// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([Default]) is provided for convenience; tests should
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/kmizuno/streamscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscribeDuration tracks inference latency per speech segment.
	TranscribeDuration metric.Float64Histogram

	// SegmentsProcessed counts speech segments submitted for transcription.
	// Use with Attr("stream_id", ...).
	SegmentsProcessed metric.Int64Counter

	// SegmentsDropped counts segments discarded by backpressure.
	SegmentsDropped metric.Int64Counter

	// SentencesPosted counts sentences published to chat threads.
	SentencesPosted metric.Int64Counter

	// MediaRestarts counts media pipeline reconnects.
	MediaRestarts metric.Int64Counter

	// CommandsHandled counts user commands by name and outcome. Use with
	// Attr("command", ...) and Attr("status", ...).
	CommandsHandled metric.Int64Counter

	// ActiveStreams tracks the number of live transcription streams.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// Attr("method", ...) and Attr("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech-segment inference latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("streamscribe.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text inference per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentsProcessed, err = m.Int64Counter("streamscribe.segments.processed",
		metric.WithDescription("Total speech segments submitted for transcription."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("streamscribe.segments.dropped",
		metric.WithDescription("Total segments discarded by backpressure."),
	); err != nil {
		return nil, err
	}
	if met.SentencesPosted, err = m.Int64Counter("streamscribe.sentences.posted",
		metric.WithDescription("Total sentences posted to chat threads."),
	); err != nil {
		return nil, err
	}
	if met.MediaRestarts, err = m.Int64Counter("streamscribe.media.restarts",
		metric.WithDescription("Total media pipeline reconnects."),
	); err != nil {
		return nil, err
	}
	if met.CommandsHandled, err = m.Int64Counter("streamscribe.commands.handled",
		metric.WithDescription("Total user commands by command and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("streamscribe.active_streams",
		metric.WithDescription("Number of live transcription streams."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamscribe.http.request.duration",
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

// Default returns the package-level [Metrics] instance, creating it on first
// call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr wraps a single string attribute as a measurement option to reduce
// verbosity at call sites.
func Attr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}
