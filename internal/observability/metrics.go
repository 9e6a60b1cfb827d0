package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "pipewatch.http.requests.total"
	metricRequestDuration  = "pipewatch.http.request.duration.seconds"
	metricErrorsTotal      = "pipewatch.http.errors.total"
	metricInflightRequests = "pipewatch.http.inflight.requests"

	metricPollCycles     = "pipewatch.poll.cycles.total"
	metricPollPipelines  = "pipewatch.poll.pipelines.total"
	metricUpsertFailures = "pipewatch.upsert.failures.total"
	metricUsernames      = "pipewatch.enrich.usernames.total"
	metricBackfill       = "pipewatch.backfill.projects.total"
	metricWatermarkAge   = "pipewatch.watermark.age.seconds"
	metricCacheLookups   = "pipewatch.cache.lookups.total"

	attrOp      = "op"
	attrStatus  = "status"
	attrGroup   = "group"
	attrOutcome = "outcome"
	attrSource  = "source"
	attrVia     = "via"
	attrResult  = "result"

	statusOK    = "ok"
	statusError = "error"

	outcomeOK    = "ok"
	outcomeError = "error"

	resultHit  = "hit"
	resultMiss = "miss"
)

// durationBucketBoundaries covers 1ms to 10s: cache hits land in the
// low-millisecond buckets, cold aggregate scans in the seconds range.
var durationBucketBoundaries = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics
// on the HTTP query surface.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &REDMetrics{
		requestsTotal:    b.counter(metricRequestsTotal, "Total number of HTTP requests", "{request}"),
		requestDuration:  b.histogram(metricRequestDuration, "HTTP request duration in seconds", "s", durationBucketBoundaries...),
		errorsTotal:      b.counter(metricErrorsTotal, "Total number of HTTP errors", "{error}"),
		inflightRequests: b.upDownCounter(metricInflightRequests, "Number of in-flight HTTP requests", "{request}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordRequest records a completed request with its operation, status, and duration.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOp, op),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to decrement it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// ServiceMetrics holds the OTel instruments for the ingest side:
// poll cycles, pipeline upserts, backfill progress, username enrichment,
// watermark freshness, and query cache effectiveness.
type ServiceMetrics struct {
	pollCycles        metric.Int64Counter
	pollPipelines     metric.Int64Counter
	upsertFailures    metric.Int64Counter
	usernamesEnriched metric.Int64Counter
	backfillProjects  metric.Int64Counter
	watermarkAge      metric.Int64Gauge
	cacheLookups      metric.Int64Counter
}

// NewServiceMetrics creates ingest-side metric instruments from the given meter.
func NewServiceMetrics(mt metric.Meter) (*ServiceMetrics, error) {
	b := newMetricBuilder(mt)

	sm := &ServiceMetrics{
		pollCycles:        b.counter(metricPollCycles, "Total number of poll cycles per group", "{cycle}"),
		pollPipelines:     b.counter(metricPollPipelines, "Total number of pipeline records fetched", "{pipeline}"),
		upsertFailures:    b.counter(metricUpsertFailures, "Total number of failed pipeline upserts", "{pipeline}"),
		usernamesEnriched: b.counter(metricUsernames, "Total number of usernames resolved", "{pipeline}"),
		backfillProjects:  b.counter(metricBackfill, "Total number of projects processed during backfill", "{project}"),
		watermarkAge:      b.gauge(metricWatermarkAge, "Age of the poll watermark per group", "s"),
		cacheLookups:      b.counter(metricCacheLookups, "Total number of query cache lookups", "{lookup}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return sm, nil
}

// RecordPollCycle records one completed poll cycle for a group.
func (sm *ServiceMetrics) RecordPollCycle(ctx context.Context, group string, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}

	sm.pollCycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrGroup, group),
		attribute.String(attrOutcome, outcome),
	))
}

// AddPipelines records pipeline records fetched from the given source.
func (sm *ServiceMetrics) AddPipelines(ctx context.Context, source string, n int64) {
	sm.pollPipelines.Add(ctx, n, metric.WithAttributes(
		attribute.String(attrSource, source),
	))
}

// RecordUpsertFailure records one failed pipeline upsert.
func (sm *ServiceMetrics) RecordUpsertFailure(ctx context.Context) {
	sm.upsertFailures.Add(ctx, 1)
}

// AddUsernamesEnriched records usernames resolved through the given lookup path.
func (sm *ServiceMetrics) AddUsernamesEnriched(ctx context.Context, via string, n int64) {
	sm.usernamesEnriched.Add(ctx, n, metric.WithAttributes(
		attribute.String(attrVia, via),
	))
}

// RecordBackfillProject records one project finishing backfill.
func (sm *ServiceMetrics) RecordBackfillProject(ctx context.Context, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}

	sm.backfillProjects.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOutcome, outcome),
	))
}

// RecordWatermarkAge records how far behind now the group's watermark sits.
func (sm *ServiceMetrics) RecordWatermarkAge(ctx context.Context, group string, age time.Duration) {
	sm.watermarkAge.Record(ctx, int64(age.Seconds()), metric.WithAttributes(
		attribute.String(attrGroup, group),
	))
}

// RecordCacheLookup records one query cache lookup with its hit/miss result.
func (sm *ServiceMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := resultMiss
	if hit {
		result = resultHit
	}

	sm.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result),
	))
}
