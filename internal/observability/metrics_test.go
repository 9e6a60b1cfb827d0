package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/pipewatch/pipewatch/internal/observability"
)

var errTestPollFailed = errors.New("poll failed")

func newTestMeter(t *testing.T) (metric.Meter, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		err := provider.Shutdown(context.Background())
		require.NoError(t, err)
	})

	return provider.Meter("test"), reader
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()

	var data metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &data)
	require.NoError(t, err)

	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}

	t.Fatalf("metric %q not collected", name)

	return metricdata.Metrics{}
}

func sumInt64DataPoints(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum data for %s", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}

	return total
}

func TestREDMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	rm, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	rm.RecordRequest(ctx, "GET /api/pipelines", "ok", 15*time.Millisecond)
	rm.RecordRequest(ctx, "GET /api/pipelines", "error", 5*time.Millisecond)

	requests := collectMetric(t, reader, "pipewatch.http.requests.total")
	assert.Equal(t, int64(2), sumInt64DataPoints(t, requests))
}

func TestREDMetrics_ErrorsOnlyCountErrorStatus(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	rm, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	rm.RecordRequest(ctx, "GET /api/stats/summary", "ok", time.Millisecond)
	rm.RecordRequest(ctx, "GET /api/stats/summary", "ok", time.Millisecond)
	rm.RecordRequest(ctx, "GET /api/stats/summary", "error", time.Millisecond)

	errs := collectMetric(t, reader, "pipewatch.http.errors.total")
	assert.Equal(t, int64(1), sumInt64DataPoints(t, errs))
}

func TestREDMetrics_TrackInflight(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	rm, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	done := rm.TrackInflight(ctx, "GET /api/pipelines")

	inflight := collectMetric(t, reader, "pipewatch.http.inflight.requests")
	assert.Equal(t, int64(1), sumInt64DataPoints(t, inflight))

	done()

	inflight = collectMetric(t, reader, "pipewatch.http.inflight.requests")
	assert.Equal(t, int64(0), sumInt64DataPoints(t, inflight))
}

func TestServiceMetrics_PollCycleOutcomes(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	sm, err := observability.NewServiceMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	sm.RecordPollCycle(ctx, "platform", nil)
	sm.RecordPollCycle(ctx, "platform", errTestPollFailed)
	sm.RecordPollCycle(ctx, "infra", nil)

	cycles := collectMetric(t, reader, "pipewatch.poll.cycles.total")
	assert.Equal(t, int64(3), sumInt64DataPoints(t, cycles))

	sum, ok := cycles.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 3, "each group/outcome pair gets its own series")
}

func TestServiceMetrics_Counters(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	sm, err := observability.NewServiceMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	sm.AddPipelines(ctx, "graphql", 30)
	sm.AddPipelines(ctx, "rest", 12)
	sm.RecordUpsertFailure(ctx)
	sm.AddUsernamesEnriched(ctx, "graphql", 48)
	sm.RecordBackfillProject(ctx, nil)
	sm.RecordBackfillProject(ctx, errTestPollFailed)
	sm.RecordCacheLookup(ctx, true)
	sm.RecordCacheLookup(ctx, false)

	assert.Equal(t, int64(42), sumInt64DataPoints(t, collectMetric(t, reader, "pipewatch.poll.pipelines.total")))
	assert.Equal(t, int64(1), sumInt64DataPoints(t, collectMetric(t, reader, "pipewatch.upsert.failures.total")))
	assert.Equal(t, int64(48), sumInt64DataPoints(t, collectMetric(t, reader, "pipewatch.enrich.usernames.total")))
	assert.Equal(t, int64(2), sumInt64DataPoints(t, collectMetric(t, reader, "pipewatch.backfill.projects.total")))
	assert.Equal(t, int64(2), sumInt64DataPoints(t, collectMetric(t, reader, "pipewatch.cache.lookups.total")))
}

func TestServiceMetrics_WatermarkAge(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	sm, err := observability.NewServiceMetrics(meter)
	require.NoError(t, err)

	sm.RecordWatermarkAge(context.Background(), "platform", 90*time.Second)

	age := collectMetric(t, reader, "pipewatch.watermark.age.seconds")

	gauge, ok := age.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected int64 gauge data")
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(90), gauge.DataPoints[0].Value)
}

func TestNewSchedulerMetrics_Collects(t *testing.T) {
	t.Parallel()

	meter, reader := newTestMeter(t)

	_, err := observability.NewSchedulerMetrics(meter)
	require.NoError(t, err)

	goroutines := collectMetric(t, reader, "pipewatch.runtime.goroutines")

	gauge, ok := goroutines.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.NotEmpty(t, gauge.DataPoints)
	assert.Positive(t, gauge.DataPoints[0].Value)
}
