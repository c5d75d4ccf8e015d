// Package observe provides application-wide observability primitives for
// voxid: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter so they can be scraped from /metrics.
// [DefaultMetrics] returns a package-level instance bound to the global
// provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxid metrics.
const meterName = "github.com/MrWong99/voxid"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// MatchDuration tracks speaker matching latency.
	MatchDuration metric.Float64Histogram

	// StoreDuration tracks embedding persistence plus profile recompute.
	StoreDuration metric.Float64Histogram

	// OperationDuration tracks every telemetry-recorded operation. Use with
	// attributes: attribute.String("operation", ...), attribute.String("outcome", ...)
	OperationDuration metric.Float64Histogram

	// --- Counters ---

	// Operations counts telemetry-recorded operations. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("outcome", ...)
	Operations metric.Int64Counter

	// MatchDecisions counts matcher decisions. Use with attributes:
	//   attribute.String("confidence", ...), attribute.Bool("is_new", ...)
	MatchDecisions metric.Int64Counter

	// SpeakersCreated counts new persistent speaker identities.
	SpeakersCreated metric.Int64Counter

	// Failures counts recorded diarization failures. Use with attributes:
	//   attribute.String("type", ...), attribute.String("severity", ...)
	Failures metric.Int64Counter

	// HealthTransitions counts session health changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("reason", ...)
	HealthTransitions metric.Int64Counter

	// RecoveryJobs counts post-session recovery enqueues. Use with attribute:
	//   attribute.String("inserted", "true"|"false")
	RecoveryJobs metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live diarization sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Matching
// is in-process and usually sub-millisecond; storage may hit the network.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MatchDuration, err = m.Float64Histogram("voxid.match.duration",
		metric.WithDescription("Latency of matching one embedding against all profiles."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("voxid.embedding.store.duration",
		metric.WithDescription("Latency of persisting an embedding and recomputing its profile."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OperationDuration, err = m.Float64Histogram("voxid.operation.duration",
		metric.WithDescription("Latency of telemetry-recorded operations by operation and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Operations, err = m.Int64Counter("voxid.operations",
		metric.WithDescription("Total operations by operation and outcome."),
	); err != nil {
		return nil, err
	}
	if met.MatchDecisions, err = m.Int64Counter("voxid.match.decisions",
		metric.WithDescription("Total matching decisions by confidence tier and novelty."),
	); err != nil {
		return nil, err
	}
	if met.SpeakersCreated, err = m.Int64Counter("voxid.speakers.created",
		metric.WithDescription("Total persistent speaker identities created."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("voxid.failures",
		metric.WithDescription("Total recorded diarization failures by type and severity."),
	); err != nil {
		return nil, err
	}
	if met.HealthTransitions, err = m.Int64Counter("voxid.health.transitions",
		metric.WithDescription("Total session health transitions."),
	); err != nil {
		return nil, err
	}
	if met.RecoveryJobs, err = m.Int64Counter("voxid.recovery.jobs",
		metric.WithDescription("Total recovery job enqueue attempts by whether a job was inserted."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxid.circuit_breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxid.active_sessions",
		metric.WithDescription("Number of live diarization sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxid.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMatchDecision increments the decision counter.
func (m *Metrics) RecordMatchDecision(ctx context.Context, confidence string, isNew bool) {
	m.MatchDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("confidence", confidence),
			attribute.Bool("is_new", isNew),
		),
	)
}

// RecordFailure increments the failure counter.
func (m *Metrics) RecordFailure(ctx context.Context, failureType, severity string) {
	m.Failures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", failureType),
			attribute.String("severity", severity),
		),
	)
}

// RecordHealthTransition increments the health transition counter.
func (m *Metrics) RecordHealthTransition(ctx context.Context, from, to, reason string) {
	m.HealthTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

// RecordRecoveryJob increments the recovery enqueue counter.
func (m *Metrics) RecordRecoveryJob(ctx context.Context, inserted bool) {
	m.RecoveryJobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("inserted", strconv.FormatBool(inserted))),
	)
}

// RecordBreakerTransition increments the circuit breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
