// Package poller runs the ingest side of the observer: the one-shot history
// backfill, the incremental monitor loop, and the username enricher. All
// three feed the store's upsert path, which keeps the daily aggregates in
// step, and they share the forge client's rate limit and circuit breaker.
package poller

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/store"
)

const tracerName = "pipewatch/poller"

// ActivitySource scans one group for recently updated pipelines.
type ActivitySource interface {
	IncrementalActivity(ctx context.Context, group string, since time.Time) ([]gitlab.ProjectActivity, error)
}

// Monitor polls each configured group for pipelines updated since the
// persisted watermark and ingests what it finds. The watermark only
// advances after a successful scan, so a failed cycle retries the same
// window instead of leaving a gap.
type Monitor struct {
	source  ActivitySource
	store   *store.Store
	cache   *cache.QueryCache
	logger  *slog.Logger
	metrics *observability.ServiceMetrics
	tracer  trace.Tracer

	groups       []string
	interval     time.Duration
	branchFilter *regexp.Regexp

	refresh chan struct{}
}

// MonitorOptions wires a Monitor. Cache, Metrics, and Tracer may be nil.
type MonitorOptions struct {
	Source  ActivitySource
	Store   *store.Store
	Cache   *cache.QueryCache
	Logger  *slog.Logger
	Metrics *observability.ServiceMetrics
	Tracer  trace.Tracer

	// Groups are the group full paths to poll each cycle.
	Groups []string

	// Interval is the sleep between cycles.
	Interval time.Duration

	// BranchFilter skips pipelines on non-matching refs. Nil keeps all.
	BranchFilter *regexp.Regexp
}

// NewMonitor builds a Monitor from the given options.
func NewMonitor(opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Monitor{
		source:       opts.Source,
		store:        opts.Store,
		cache:        opts.Cache,
		logger:       logger.With("job", "monitor"),
		metrics:      opts.Metrics,
		tracer:       tracer,
		groups:       opts.Groups,
		interval:     opts.Interval,
		branchFilter: opts.BranchFilter,
		refresh:      make(chan struct{}, 1),
	}
}

// ForceRefresh wakes the loop for an immediate cycle. The signal is
// edge-triggered: fires while a wake is already pending collapse into one.
func (m *Monitor) ForceRefresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is cancelled. The first cycle starts immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor starting", "groups", m.groups, "interval", m.interval.String())

	for {
		m.Cycle(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "reason", ctx.Err())
			return
		case <-time.After(m.interval):
		case <-m.refresh:
			m.logger.Info("forced refresh")
		}
	}
}

// Cycle polls every configured group once. Group failures are logged and do
// not stop the cycle; any ingested row drops the query cache.
func (m *Monitor) Cycle(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "poll.cycle")
	defer span.End()

	cycleStart := time.Now()

	var ingested int64

	for _, group := range m.groups {
		n, err := m.pollGroup(ctx, group, cycleStart)

		if m.metrics != nil {
			m.metrics.RecordPollCycle(ctx, group, err)
		}

		if err != nil {
			m.logger.Error("group poll failed", "group", group, "error", err)
			continue
		}

		ingested += n
	}

	if ingested > 0 && m.cache != nil {
		m.cache.InvalidateAll()
	}

	m.logger.Info("poll cycle complete",
		"pipelines", ingested,
		"elapsed", time.Since(cycleStart).Round(time.Millisecond).String())
}

// pollGroup scans one group since the watermark (fallback: cycle start) and
// ingests the result. The watermark moves to cycle start only after the
// scan succeeds and before the upserts; re-reading a row later is harmless.
func (m *Monitor) pollGroup(ctx context.Context, group string, cycleStart time.Time) (int64, error) {
	since := cycleStart

	ts, ok, err := m.store.Watermark(ctx)
	if err != nil {
		return 0, err
	}

	if ok {
		since = time.Unix(ts, 0)
	}

	if m.metrics != nil {
		m.metrics.RecordWatermarkAge(ctx, group, time.Since(since))
	}

	activity, err := m.source.IncrementalActivity(ctx, group, since)
	if err != nil {
		return 0, err
	}

	setErr := m.store.SetWatermark(ctx, cycleStart.Unix())
	if setErr != nil {
		return 0, setErr
	}

	var ingested int64

	for _, pa := range activity {
		for _, row := range pa.Pipelines {
			if m.branchFilter != nil && !m.branchFilter.MatchString(row.RefName) {
				continue
			}

			upsertErr := m.store.UpsertPipeline(ctx, row)
			if upsertErr != nil {
				if m.metrics != nil {
					m.metrics.RecordUpsertFailure(ctx)
				}

				m.logger.Error("pipeline upsert failed",
					"pipeline", row.ID, "project", row.ProjectFullPath, "error", upsertErr)

				continue
			}

			ingested++
		}
	}

	if m.metrics != nil {
		m.metrics.AddPipelines(ctx, "monitor", ingested)
	}

	return ingested, nil
}
