package poller

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/store"
)

const (
	// backfillConcurrency caps concurrent history fetches against the forge.
	backfillConcurrency = 10

	// Per-project retry policy: three tries, 500ms initial, doubling.
	retryInitialInterval = 500 * time.Millisecond
	retryMaxTries        = 3
)

// ProjectSource enumerates projects and lists their pipeline history.
type ProjectSource interface {
	DiscoverProjects(ctx context.Context, groups []string) ([]gitlab.Project, error)
	ProjectPipelines(ctx context.Context, project gitlab.Project, updatedAfter time.Time) ([]store.Pipeline, error)
}

// Backfill seeds the store with the recent pipeline history of every
// project under the configured groups and publishes the discovered set to
// the registry.
type Backfill struct {
	source   ProjectSource
	store    *store.Store
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.ServiceMetrics
	tracer   trace.Tracer

	groups       []string
	lookback     time.Duration
	branchFilter *regexp.Regexp
}

// BackfillOptions wires a Backfill. Metrics and Tracer may be nil.
type BackfillOptions struct {
	Source   ProjectSource
	Store    *store.Store
	Registry *Registry
	Logger   *slog.Logger
	Metrics  *observability.ServiceMetrics
	Tracer   trace.Tracer

	// Groups are the group full paths whose projects get backfilled.
	Groups []string

	// Lookback bounds the history window; pipelines last updated before
	// now-Lookback are not fetched.
	Lookback time.Duration

	// BranchFilter skips pipelines on non-matching refs. Nil keeps all.
	BranchFilter *regexp.Regexp
}

// NewBackfill builds a Backfill from the given options.
func NewBackfill(opts BackfillOptions) *Backfill {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Backfill{
		source:       opts.Source,
		store:        opts.Store,
		registry:     opts.Registry,
		logger:       logger,
		metrics:      opts.Metrics,
		tracer:       tracer,
		groups:       opts.Groups,
		lookback:     opts.Lookback,
		branchFilter: opts.BranchFilter,
	}
}

// Run discovers the monitored projects, publishes them to the registry, and
// ingests their pipeline history. Projects whose fetch fails after all
// retries contribute nothing and the run carries on; a store failure aborts.
// It reports the number of pipelines ingested.
func (b *Backfill) Run(ctx context.Context) (int64, error) {
	ctx, span := b.tracer.Start(ctx, "backfill.run")
	defer span.End()

	logger := b.logger.With("job", "backfill", "run_id", uuid.NewString())
	started := time.Now()

	projects, err := b.source.DiscoverProjects(ctx, b.groups)
	if err != nil {
		return 0, fmt.Errorf("discover projects: %w", err)
	}

	b.registry.Replace(projects)

	cutoff := time.Now().Add(-b.lookback)
	logger.Info("backfill starting",
		"projects", len(projects),
		"groups", b.groups,
		"cutoff", cutoff.UTC().Format(time.RFC3339))

	results := make([][]store.Pipeline, len(projects))
	sem := semaphore.NewWeighted(backfillConcurrency)

	for i, project := range projects {
		acquireErr := sem.Acquire(ctx, 1)
		if acquireErr != nil {
			return 0, fmt.Errorf("acquire backfill slot: %w", acquireErr)
		}

		go func() {
			defer sem.Release(1)

			results[i] = b.fetchWithRetry(ctx, logger, project, cutoff)
		}()
	}

	// Draining the whole weight waits for every in-flight fetch.
	drainErr := sem.Acquire(ctx, backfillConcurrency)
	if drainErr != nil {
		return 0, fmt.Errorf("wait for backfill fetches: %w", drainErr)
	}

	var ingested, skipped int64

	for i, project := range projects {
		for _, row := range results[i] {
			if b.branchFilter != nil && !b.branchFilter.MatchString(row.RefName) {
				skipped++
				continue
			}

			upsertErr := b.store.UpsertPipeline(ctx, row)
			if upsertErr != nil {
				return ingested, fmt.Errorf("ingest pipeline %d of %s: %w", row.ID, project.FullPath, upsertErr)
			}

			ingested++
		}
	}

	if b.metrics != nil {
		b.metrics.AddPipelines(ctx, "backfill", ingested)
	}

	logger.Info("backfill complete",
		"projects", len(projects),
		"pipelines", ingested,
		"skipped", skipped,
		"elapsed", time.Since(started).Round(time.Millisecond).String())

	return ingested, nil
}

// fetchWithRetry pulls one project's history, retrying transient failures.
// A project that still fails is logged and yields an empty history; partial
// backfill beats aborting.
func (b *Backfill) fetchWithRetry(ctx context.Context, logger *slog.Logger, project gitlab.Project, cutoff time.Time) []store.Pipeline {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval
	expo.Multiplier = 2

	rows, err := backoff.Retry(ctx, func() ([]store.Pipeline, error) {
		return b.source.ProjectPipelines(ctx, project, cutoff)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(retryMaxTries))

	if b.metrics != nil {
		b.metrics.RecordBackfillProject(ctx, err)
	}

	if err != nil {
		logger.Warn("project backfill failed, continuing without its history",
			"project", project.FullPath, "error", err)

		return nil
	}

	logger.Debug("project history fetched", "project", project.FullPath, "pipelines", len(rows))

	return rows
}
