// Package commands implements CLI command handlers for pipewatch.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pipewatch/pipewatch/internal/api"
	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/config"
	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/poller"
	"github.com/pipewatch/pipewatch/internal/store"
	"github.com/pipewatch/pipewatch/pkg/version"
)

// NewServeCommand creates the serve command: the long-running observer.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the observer: backfill, poll, enrich, and serve the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.Init(ctx, observabilityConfig(cfg, observability.ModeServe))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		if shutdownErr := providers.Shutdown(context.Background()); shutdownErr != nil {
			providers.Logger.Error("observability shutdown failed", "error", shutdownErr)
		}
	}()

	return runService(ctx, cfg, providers)
}

func runService( //nolint:funlen // sequential service assembly.
	ctx context.Context,
	cfg *config.Config,
	providers *observability.Providers,
) error {
	logger := providers.Logger

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("build red metrics: %w", err)
	}

	metrics, err := observability.NewServiceMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("build service metrics: %w", err)
	}

	if _, err := observability.NewSchedulerMetrics(providers.Meter); err != nil {
		return fmt.Errorf("build scheduler metrics: %w", err)
	}

	st, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("store close failed", "error", closeErr)
		}
	}()

	forge, err := gitlab.New(gitlab.Options{
		BaseURL:           cfg.GitLab.URL,
		Token:             cfg.GitLab.Token,
		Timeout:           cfg.GitLab.HTTPTimeout(),
		RequestsPerSecond: cfg.GitLab.RequestsPerSecond,
		SkipInvalidCerts:  cfg.GitLab.SkipInvalidCerts,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build forge client: %w", err)
	}

	queryCache := cache.New(cfg.Poller.Capacity, cfg.Poller.CacheTTL())
	registry := poller.NewRegistry()

	backfill := poller.NewBackfill(poller.BackfillOptions{
		Source:       forge,
		Store:        st,
		Registry:     registry,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       providers.Tracer,
		Groups:       cfg.GitLab.MonitorGroups,
		Lookback:     cfg.Poller.Lookback(),
		BranchFilter: cfg.GitLab.BranchFilter,
	})

	if err := seedHistory(ctx, cfg, st, backfill, forge, registry, logger); err != nil {
		return err
	}

	monitor := poller.NewMonitor(poller.MonitorOptions{
		Source:       forge,
		Store:        st,
		Cache:        queryCache,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       providers.Tracer,
		Groups:       cfg.GitLab.MonitorGroups,
		Interval:     cfg.Poller.Interval(),
		BranchFilter: cfg.GitLab.BranchFilter,
	})

	enricher := poller.NewEnricher(poller.EnricherOptions{
		Source:  forge,
		Store:   st,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  providers.Tracer,
	})

	server := api.NewServer(api.Options{
		Store:        st,
		Cache:        queryCache,
		Registry:     registry,
		Refresher:    monitor,
		Logger:       logger,
		Tracer:       providers.Tracer,
		RED:          red,
		Metrics:      metrics,
		PromHandler:  providers.PromHandler,
		BranchFilter: cfg.GitLab.BranchFilter,
		Addr:         cfg.Server.Addr(),
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		monitor.Run(ctx)
		return nil
	})

	group.Go(func() error {
		if runErr := enricher.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("username enrichment stopped", "error", runErr)
		}

		return nil
	})

	group.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	logger.Info("pipewatch started",
		"addr", cfg.Server.Addr(),
		"groups", cfg.GitLab.MonitorGroups,
		"interval", cfg.Poller.Interval())

	return group.Wait()
}

// seedHistory prepares the store for serving. A fresh install blocks on a
// full backfill; a warm start only refreshes the project registry in the
// background so /api/monitored_projects has data without refetching
// history. Empty aggregates are rebuilt from the facts either way.
func seedHistory(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	backfill *poller.Backfill,
	forge *gitlab.Client,
	registry *poller.Registry,
	logger *slog.Logger,
) error {
	count, err := st.CountPipelines(ctx)
	if err != nil {
		return err
	}

	if count == 0 {
		logger.Info("fresh install, backfilling pipeline history",
			"groups", cfg.GitLab.MonitorGroups,
			"lookback_days", cfg.Poller.BackfillDays)

		if _, err := backfill.Run(ctx); err != nil {
			return fmt.Errorf("initial backfill: %w", err)
		}
	} else {
		go func() {
			projects, discoverErr := forge.DiscoverProjects(ctx, cfg.GitLab.MonitorGroups)
			if discoverErr != nil {
				logger.Warn("project discovery failed, registry stays empty", "error", discoverErr)
				return
			}

			registry.Replace(projects)
			logger.Info("project registry refreshed", "projects", len(projects))
		}()
	}

	aggregates, err := st.CountDailyStats(ctx)
	if err != nil {
		return err
	}

	if aggregates == 0 && count > 0 {
		logger.Info("daily aggregates empty, rebuilding from facts")

		if err := st.RebuildAggregates(ctx, store.RebuildAll, nil); err != nil {
			return fmt.Errorf("startup aggregate rebuild: %w", err)
		}
	}

	return nil
}

// openStore opens and initializes the SQLite store.
func openStore(ctx context.Context, path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// observabilityConfig maps the service configuration onto the telemetry
// bootstrap.
func observabilityConfig(cfg *config.Config, mode observability.AppMode) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceVersion = version.Version
	obs.Mode = mode
	obs.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obs.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obs.OTLPInsecure = cfg.Telemetry.Insecure
	obs.SampleRatio = cfg.Telemetry.SampleRatio
	obs.LogLevel = cfg.Logging.SlogLevel()
	obs.LogJSON = cfg.Logging.JSON()

	return obs
}
