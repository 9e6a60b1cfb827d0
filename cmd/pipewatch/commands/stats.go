package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pipewatch/pipewatch/internal/config"
	"github.com/pipewatch/pipewatch/internal/store"
)

// Success-rate coloring thresholds, in percent.
const (
	rateGood = 90
	rateWarn = 75
)

const defaultStatsDays = 30

// NewStatsCommand creates the stats command: a terminal summary of the
// collected pipeline data.
func NewStatsCommand() *cobra.Command {
	var (
		configPath string
		days       int
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print a summary of the collected pipeline data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), configPath, days, noColor, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVar(&days, "days", defaultStatsDays, "Window size in days")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	return cmd
}

func runStats(ctx context.Context, configPath string, days int, noColor bool, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	st, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	from := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	filter := store.Filter{FromTS: &from}

	summary, err := st.SummaryStats(ctx, filter)
	if err != nil {
		return err
	}

	projects, err := st.ProjectStats(ctx, filter)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Pipelines, last %d days\n\n", days)
	fmt.Fprintf(out, "  Total runs:   %s\n", humanize.Comma(summary.TotalCount))
	fmt.Fprintf(out, "  Success rate: %s\n", colorRate(summary.SuccessRate))
	fmt.Fprintf(out, "  Avg duration: %s\n\n", formatDuration(summary.AvgDuration))

	renderProjectTable(out, projects)

	return nil
}

func colorRate(rate float64) string {
	text := fmt.Sprintf("%.1f%%", rate)

	switch {
	case rate >= rateGood:
		return color.GreenString(text)
	case rate >= rateWarn:
		return color.YellowString(text)
	default:
		return color.RedString(text)
	}
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}

	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}

func renderProjectTable(out io.Writer, projects []store.ProjectStat) {
	if len(projects) == 0 {
		fmt.Fprintln(out, "No pipeline data collected yet.")
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Project", "Runs", "Avg Duration", "Last Status"})

	var total int64

	for _, p := range projects {
		tbl.AppendRow(table.Row{
			p.ProjectFullPath,
			humanize.Comma(p.Count),
			formatDuration(p.AvgDuration),
			p.LastStatus,
		})

		total += p.Count
	}

	tbl.AppendFooter(table.Row{"Total", humanize.Comma(total)})
	tbl.Render()
}
