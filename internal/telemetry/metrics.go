package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/kimhsiao/fieldsync/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync cycles.
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	itemOutcomes  metric.Int64Counter
	conflicts     metric.Int64Counter
	queueDepth    metric.Int64Gauge
}

// NewSyncMetrics creates SyncMetrics with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"fieldsync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	itemOutcomes, err := meter.Int64Counter(
		"fieldsync_items_total",
		metric.WithDescription("Queued items processed, by kind and outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"fieldsync_conflicts_total",
		metric.WithDescription("Detected conflicts, by resource type and resolution mode"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"fieldsync_queue_depth",
		metric.WithDescription("Queued items by kind and status"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		itemOutcomes:  itemOutcomes,
		conflicts:     conflicts,
		queueDepth:    queueDepth,
	}, nil
}

// RecordCycle records the duration of one sync cycle.
func (m *SyncMetrics) RecordCycle(ctx context.Context, scope string, duration time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.Bool("success", success),
	))
}

// RecordItem counts one processed item.
func (m *SyncMetrics) RecordItem(ctx context.Context, kind, outcome string) {
	if m == nil || m.itemOutcomes == nil {
		return
	}
	m.itemOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordConflict counts one detected conflict.
func (m *SyncMetrics) RecordConflict(ctx context.Context, resourceType string, auto bool) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_type", resourceType),
		attribute.Bool("auto", auto),
	))
}

// RecordQueueDepth records the number of items of kind in status.
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, kind, status string, count int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Record(ctx, count, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}
