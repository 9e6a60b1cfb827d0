package poller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/store"
)

const (
	enrichBatchSize   = 500
	enrichChunkSize   = 50
	enrichConcurrency = 10

	// enrichChunkPause spaces chunks out so lookups do not hammer the forge.
	enrichChunkPause = 200 * time.Millisecond

	viaGraphQL = "graphql"
	viaREST    = "rest"
)

// UserSource resolves the user who triggered a pipeline.
type UserSource interface {
	PipelineUserByGID(ctx context.Context, gid string) (string, bool, error)
	PipelineUserViaREST(ctx context.Context, projectID, pipelineID int64) (string, bool, error)
}

// Enricher fills in the user names the incremental scans and REST listings
// left empty. Names are resolved per pipeline, GraphQL global-ID lookup
// first, REST detail fetch as the fallback.
type Enricher struct {
	source  UserSource
	store   *store.Store
	logger  *slog.Logger
	metrics *observability.ServiceMetrics
	tracer  trace.Tracer
}

// EnricherOptions wires an Enricher. Metrics and Tracer may be nil.
type EnricherOptions struct {
	Source  UserSource
	Store   *store.Store
	Logger  *slog.Logger
	Metrics *observability.ServiceMetrics
	Tracer  trace.Tracer
}

// NewEnricher builds an Enricher from the given options.
func NewEnricher(opts EnricherOptions) *Enricher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Enricher{
		source:  opts.Source,
		store:   opts.Store,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  tracer,
	}
}

// Run drains the backlog of fact rows missing a user name. It returns once
// a batch comes back empty, or once a whole batch resolves nothing — rows
// whose pipelines genuinely have no user would otherwise be re-selected
// forever.
func (e *Enricher) Run(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "enrich.run")
	defer span.End()

	logger := e.logger.With("job", "enrich", "run_id", uuid.NewString())

	var total int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := e.store.PendingUsernames(ctx, enrichBatchSize)
		if err != nil {
			return fmt.Errorf("list pending usernames: %w", err)
		}

		if len(batch) == 0 {
			logger.Info("username backlog drained", "resolved", total)
			return nil
		}

		resolved := e.processBatch(ctx, logger, batch)
		total += resolved

		if resolved == 0 {
			logger.Info("username backlog stalled, leaving remainder unresolved",
				"remaining", len(batch), "resolved", total)

			return nil
		}
	}
}

// processBatch dispatches the batch in chunks of enrichChunkSize, each chunk
// fanned out at enrichConcurrency, and reports how many rows it resolved.
func (e *Enricher) processBatch(ctx context.Context, logger *slog.Logger, batch []store.UsernameCandidate) int64 {
	var resolved atomic.Int64

	for chunk := range slices.Chunk(batch, enrichChunkSize) {
		sem := semaphore.NewWeighted(enrichConcurrency)

		for _, candidate := range chunk {
			acquireErr := sem.Acquire(ctx, 1)
			if acquireErr != nil {
				return resolved.Load()
			}

			go func() {
				defer sem.Release(1)

				if e.enrichOne(ctx, logger, candidate) {
					resolved.Add(1)
				}
			}()
		}

		drainErr := sem.Acquire(ctx, enrichConcurrency)
		if drainErr != nil {
			return resolved.Load()
		}

		select {
		case <-ctx.Done():
			return resolved.Load()
		case <-time.After(enrichChunkPause):
		}
	}

	return resolved.Load()
}

// enrichOne resolves and writes one candidate's user name. The write is
// guarded: a row that gained a name since the batch was read stays as is.
func (e *Enricher) enrichOne(ctx context.Context, logger *slog.Logger, candidate store.UsernameCandidate) bool {
	name, via, ok := e.lookup(ctx, logger, candidate)
	if !ok {
		return false
	}

	updated, err := e.store.SetUsername(ctx, candidate.ID, name)
	if err != nil {
		logger.Error("username write failed", "pipeline", candidate.ID, "error", err)
		return false
	}

	if updated {
		if e.metrics != nil {
			e.metrics.AddUsernamesEnriched(ctx, via, 1)
		}

		logger.Debug("username resolved", "pipeline", candidate.ID, "user", name, "via", via)
	}

	return updated
}

// lookup resolves one candidate's user name. The REST fallback covers both
// a GraphQL miss and a GraphQL failure.
func (e *Enricher) lookup(ctx context.Context, logger *slog.Logger, candidate store.UsernameCandidate) (name, via string, ok bool) {
	name, ok, err := e.source.PipelineUserByGID(ctx, gitlab.PipelineGID(candidate.ID))
	if err == nil && ok {
		return name, viaGraphQL, true
	}

	if err != nil {
		logger.Debug("graphql user lookup failed, trying rest", "pipeline", candidate.ID, "error", err)
	}

	name, ok, err = e.source.PipelineUserViaREST(ctx, candidate.ProjectID, candidate.ID)
	if err != nil {
		logger.Warn("user lookup failed on both transports", "pipeline", candidate.ID, "error", err)
		return "", "", false
	}

	return name, viaREST, ok
}
