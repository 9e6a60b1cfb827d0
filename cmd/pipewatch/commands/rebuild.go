package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewatch/pipewatch/internal/config"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/store"
)

// ErrNoBranchFilter is returned when --filtered is passed without a
// configured branch filter.
var ErrNoBranchFilter = errors.New("--filtered requires gitlab.branch_filter_regex to be set")

// NewRebuildCommand creates the rebuild command: a one-shot recomputation
// of the daily aggregates from the fact table.
func NewRebuildCommand() *cobra.Command {
	var (
		configPath string
		filtered   bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the daily aggregates from the fact table",
		Long: `Rebuild derives daily_stats from the pipelines fact table. With
--filtered, only refs matching the configured branch filter contribute;
everything else is zeroed out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd.Context(), configPath, filtered)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVar(&filtered, "filtered", false, "Only aggregate refs matching gitlab.branch_filter_regex")

	return cmd
}

func runRebuild(ctx context.Context, configPath string, filtered bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	providers, err := observability.Init(ctx, observabilityConfig(cfg, observability.ModeCLI))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() { _ = providers.Shutdown(context.Background()) }()

	logger := providers.Logger

	st, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	mode := store.RebuildAll
	if filtered {
		if cfg.GitLab.BranchFilter == nil {
			return ErrNoBranchFilter
		}

		mode = store.RebuildFiltered
	}

	start := time.Now()

	if err := st.RebuildAggregates(ctx, mode, cfg.GitLab.BranchFilter); err != nil {
		return fmt.Errorf("rebuild aggregates: %w", err)
	}

	logger.Info("daily aggregates rebuilt",
		"filtered", filtered,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return nil
}
