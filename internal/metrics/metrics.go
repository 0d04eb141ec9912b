// Package metrics exposes engine counters through an OpenTelemetry meter
// backed by a Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"taskweave/internal/types"
)

const meterName = "taskweave"

var (
	attrSource  = attribute.Key("source")
	attrWorker  = attribute.Key("worker")
	attrOutcome = attribute.Key("outcome")
)

// WorkloadSource reports current worker load for the load gauges.
type WorkloadSource interface {
	Workloads() []types.WorkerProfile
}

// Metrics owns a private MeterProvider. It implements the router's
// ResolutionObserver and the balancer's Observer.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	handler  http.Handler

	resolutions metric.Int64Counter
	tokensSaved metric.Int64Counter
	tokensUsed  metric.Int64Counter
	latency     metric.Float64Histogram
	assignments metric.Int64Counter
	workerLoad  metric.Int64ObservableGauge
	workerEff   metric.Float64ObservableGauge
}

// New builds the provider and instruments.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = meterName
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter(meterName),
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	if m.resolutions, err = m.meter.Int64Counter("taskweave_resolutions_total",
		metric.WithDescription("Resolved requests by source (pattern, local, escalated, degraded, failed)")); err != nil {
		return nil, err
	}
	if m.tokensSaved, err = m.meter.Int64Counter("taskweave_tokens_saved_total",
		metric.WithDescription("Estimated tokens saved by local and cached resolution")); err != nil {
		return nil, err
	}
	if m.tokensUsed, err = m.meter.Int64Counter("taskweave_tokens_used_total",
		metric.WithDescription("Tokens spent on escalated reasoning")); err != nil {
		return nil, err
	}
	if m.latency, err = m.meter.Float64Histogram("taskweave_resolution_duration_seconds",
		metric.WithDescription("Resolution latency in seconds")); err != nil {
		return nil, err
	}
	if m.assignments, err = m.meter.Int64Counter("taskweave_assignments_total",
		metric.WithDescription("Balancer assignment attempts by outcome")); err != nil {
		return nil, err
	}
	if m.workerLoad, err = m.meter.Int64ObservableGauge("taskweave_worker_tasks",
		metric.WithDescription("Tasks currently held by each worker")); err != nil {
		return nil, err
	}
	if m.workerEff, err = m.meter.Float64ObservableGauge("taskweave_worker_efficiency",
		metric.WithDescription("Worker efficiency score")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler { return m.handler }

// MeterProvider is exposed for HTTP instrumentation.
func (m *Metrics) MeterProvider() metric.MeterProvider { return m.provider }

// WatchWorkloads registers the per-worker gauges against src.
func (m *Metrics) WatchWorkloads(src WorkloadSource) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, w := range src.Workloads() {
			attrs := metric.WithAttributes(attrWorker.String(w.WorkerID))
			o.ObserveInt64(m.workerLoad, int64(w.CurrentTaskCount), attrs)
			o.ObserveFloat64(m.workerEff, w.EfficiencyScore, attrs)
		}
		return nil
	}, m.workerLoad, m.workerEff)
	return err
}

// ObserveResolution records one finished resolution.
func (m *Metrics) ObserveResolution(ctx context.Context, source string, tokensSaved, tokensUsed int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attrSource.String(source))
	m.resolutions.Add(ctx, 1, attrs)
	if tokensSaved > 0 {
		m.tokensSaved.Add(ctx, int64(tokensSaved), attrs)
	}
	if tokensUsed > 0 {
		m.tokensUsed.Add(ctx, int64(tokensUsed), attrs)
	}
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}

// ObserveAssignment records one assignment attempt.
func (m *Metrics) ObserveAssignment(ctx context.Context, workerID string, ok bool) {
	outcome := "assigned"
	if !ok {
		outcome = "no_capacity"
	}
	m.assignments.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome), attrWorker.String(workerID)))
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
