package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewSyncMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("nil metrics are no-ops", func(t *testing.T) {
		t.Parallel()

		var metrics *SyncMetrics
		ctx := context.Background()
		metrics.RecordCycle(ctx, "all", time.Second, true)
		metrics.RecordItem(ctx, "upload", "uploaded")
		metrics.RecordConflict(ctx, "analysis", true)
		metrics.RecordQueueDepth(ctx, "upload", "queued", 3)
	})
}

func TestSyncMetrics_record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordCycle(ctx, "all", 1500*time.Millisecond, true)
	metrics.RecordItem(ctx, "upload", "uploaded")
	metrics.RecordItem(ctx, "upload", "uploaded")
	metrics.RecordConflict(ctx, "analysis", false)
	metrics.RecordQueueDepth(ctx, "action", "queued", 4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != SyncMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			found[m.Name] = m
		}
	}

	require.Contains(t, found, "fieldsync_cycle_duration_seconds")
	require.Contains(t, found, "fieldsync_conflicts_total")
	require.Contains(t, found, "fieldsync_queue_depth")

	items, ok := found["fieldsync_items_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, items.DataPoints, 1)
	assert.Equal(t, int64(2), items.DataPoints[0].Value)

	depth, ok := found["fieldsync_queue_depth"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, depth.DataPoints, 1)
	assert.Equal(t, int64(4), depth.DataPoints[0].Value)
}
