// Package telemetry exposes operation and pipeline metrics through an
// OpenTelemetry meter provider backed by the Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/retry"
)

// MeterName is the instrumentation scope for every jobharvest instrument.
const MeterName = "github.com/kalambet/jobharvest"

// Provider owns the meter provider and the Prometheus registry it exports to.
type Provider struct {
	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
}

// NewProvider creates a meter provider exporting to a private Prometheus
// registry, so several providers can coexist in one process.
func NewProvider() (*Provider, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{registry: reg, mp: mp}, nil
}

// MeterProvider returns the underlying OpenTelemetry meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// Handler serves the Prometheus text exposition.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	opsStarted   metric.Int64Counter
	opsEnded     metric.Int64Counter
	opDuration   metric.Float64Histogram
	items        metric.Int64Counter
	retries      metric.Int64Counter
	throttleWait metric.Float64Counter
	hubDrops     metric.Int64Counter
}

// NewMetrics creates the instruments on provider. A nil provider yields nil
// (no-op) metrics.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MeterName)

	m := &Metrics{}
	var err error
	if m.opsStarted, err = meter.Int64Counter(
		"jobharvest_operations_started_total",
		metric.WithDescription("Operations registered, by kind"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.opsEnded, err = meter.Int64Counter(
		"jobharvest_operations_ended_total",
		metric.WithDescription("Operations finished, by kind and outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.opDuration, err = meter.Float64Histogram(
		"jobharvest_operation_duration_seconds",
		metric.WithDescription("Wall time of finished operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	); err != nil {
		return nil, err
	}
	if m.items, err = meter.Int64Counter(
		"jobharvest_pipeline_items_total",
		metric.WithDescription("Pipeline items, by source and result"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter(
		"jobharvest_retries_total",
		metric.WithDescription("Retried external calls, by failure class"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.throttleWait, err = meter.Float64Counter(
		"jobharvest_throttle_wait_seconds_total",
		metric.WithDescription("Time spent waiting on throttle channels"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.hubDrops, err = meter.Int64Counter(
		"jobharvest_session_events_dropped_total",
		metric.WithDescription("Session events skipped because a subscriber was full"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// OperationStarted implements operations.Listener.
func (m *Metrics) OperationStarted(st operations.Status) {
	if m == nil {
		return
	}
	m.opsStarted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(st.Kind))))
}

// OperationEnded implements operations.Listener.
func (m *Metrics) OperationEnded(st operations.Status, outcome operations.Outcome) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", string(st.Kind)),
		attribute.String("outcome", string(outcome)),
	)
	m.opsEnded.Add(ctx, 1, attrs)
	if !st.StartedAt.IsZero() {
		m.opDuration.Record(ctx, time.Since(st.StartedAt).Seconds(), attrs)
	}
}

// RecordItem counts one pipeline item.
func (m *Metrics) RecordItem(source, result string) {
	if m == nil {
		return
	}
	m.items.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordRetry counts one retry of a failed call. It has the shape of
// retry.Policy.Notify.
func (m *Metrics) RecordRetry(_ int, _ time.Duration, err error) {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("class", string(retry.Classify(err).Kind))))
}

// RecordThrottleWait adds to the wait time of a throttle channel. It has the
// shape of throttle.Observer.
func (m *Metrics) RecordThrottleWait(channel string, waited time.Duration) {
	if m == nil || waited <= 0 {
		return
	}
	m.throttleWait.Add(context.Background(), waited.Seconds(),
		metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordHubDrop counts one dropped session event.
func (m *Metrics) RecordHubDrop() {
	if m == nil {
		return
	}
	m.hubDrops.Add(context.Background(), 1)
}

var _ operations.Listener = (*Metrics)(nil)
