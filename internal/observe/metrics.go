// Package observe provides application-wide observability primitives for
// toolmesh: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all toolmesh metrics.
const meterName = "github.com/basilisklabs/toolmesh"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolExecutionDuration tracks end-to-end tool call latency, including
	// any retries. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolExecutionDuration metric.Float64Histogram

	// PoolAcquireWaitDuration tracks how long callers block in
	// [pool.Pool.Acquire] waiting for a free connection. Use with attribute:
	//   attribute.String("server", ...)
	PoolAcquireWaitDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BreakerStateTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("server", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerStateTransitions metric.Int64Counter

	// HealthCheckFailures counts failed server health checks. Use with
	// attribute:
	//   attribute.String("server", ...)
	HealthCheckFailures metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of messages currently sitting in the
	// priority queue. Use with attribute:
	//   attribute.String("priority", ...)
	QueueDepth metric.Int64UpDownCounter

	// WorkerCount tracks the number of live workers in the elastic worker
	// pool.
	WorkerCount metric.Int64UpDownCounter

	// ActiveConnections tracks the number of pooled connections currently
	// acquired by a caller. Use with attribute:
	//   attribute.String("server", ...)
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// subprocess round-trip latencies: tool calls typically land in the tens to
// hundreds of milliseconds, with a long tail out past several seconds for
// slow external servers.
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
	if met.ToolExecutionDuration, err = m.Float64Histogram("toolmesh.tool_execution.duration",
		metric.WithDescription("Latency of tool execution, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PoolAcquireWaitDuration, err = m.Float64Histogram("toolmesh.pool.acquire_wait.duration",
		metric.WithDescription("Time callers spend blocked acquiring a pooled connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("toolmesh.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerStateTransitions, err = m.Int64Counter("toolmesh.breaker.state_transitions",
		metric.WithDescription("Total circuit breaker state transitions by server, from-state, and to-state."),
	); err != nil {
		return nil, err
	}
	if met.HealthCheckFailures, err = m.Int64Counter("toolmesh.health_check.failures",
		metric.WithDescription("Total failed server health checks by server."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("toolmesh.queue.depth",
		metric.WithDescription("Number of messages currently queued, by priority."),
	); err != nil {
		return nil, err
	}
	if met.WorkerCount, err = m.Int64UpDownCounter("toolmesh.worker.count",
		metric.WithDescription("Number of live workers in the elastic worker pool."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("toolmesh.pool.active_connections",
		metric.WithDescription("Number of pooled connections currently acquired, by server."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolmesh.http.request.duration",
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

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition is a convenience method that records a circuit
// breaker state transition.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, server, from, to string) {
	m.BreakerStateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordHealthCheckFailure is a convenience method that records a failed
// health check for server.
func (m *Metrics) RecordHealthCheckFailure(ctx context.Context, server string) {
	m.HealthCheckFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("server", server)),
	)
}

// RecordPoolAcquireWait is a convenience method that records how long a
// caller waited to acquire a pooled connection for server.
func (m *Metrics) RecordPoolAcquireWait(ctx context.Context, server string, seconds float64) {
	m.PoolAcquireWaitDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("server", server)),
	)
}
