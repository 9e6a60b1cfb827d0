package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/pipewatch/pipewatch/internal/store"
)

const (
	dashboardWindow = 30 * 24 * time.Hour

	chartWidth  = "1200px"
	chartHeight = "560px"
	dataZoomEnd = 100
	legendTop   = "30"
)

// statusColors pins the familiar forge palette to the common statuses;
// anything else falls back to the theme cycle.
var statusColors = map[string]string{
	"success":  "#1f9d55",
	"failed":   "#dd2b0e",
	"running":  "#1f75cb",
	"canceled": "#868686",
	"skipped":  "#a7a7a7",
	"pending":  "#c28b00",
}

// handleDashboard renders the per-day per-status trend as a standalone
// chart page straight off the daily aggregates.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	points, err := s.store.TrendStats(r.Context(), store.Filter{},
		now.Add(-dashboardWindow).Unix(), now.Unix())
	if err != nil {
		s.storeError(w, r, "trend stats", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := trendChart(points).Render(w); err != nil {
		s.logger.ErrorContext(r.Context(), "dashboard render failed", "error", err)
	}
}

// trendChart pivots (date, status, count) rows into one line per status
// over the union of observed dates. Missing cells plot as zero.
func trendChart(points []store.TrendPoint) *charts.Line {
	counts := make(map[string]map[string]int64)
	dateSet := make(map[string]struct{})

	for _, p := range points {
		if _, ok := counts[p.Status]; !ok {
			counts[p.Status] = make(map[string]int64)
		}

		counts[p.Status][p.Date] = p.Count
		dateSet[p.Date] = struct{}{}
	}

	dates := make([]string, 0, len(dateSet))
	for date := range dateSet {
		dates = append(dates, date)
	}

	slices.Sort(dates)

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}

	slices.Sort(statuses)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "pipewatch",
			Width:     chartWidth,
			Height:    chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Pipeline activity",
			Subtitle: "runs per day by status, last 30 days",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: legendTop}),
		charts.WithDataZoomOpts(
			opts.DataZoom{Type: "slider", Start: 0, End: dataZoomEnd},
			opts.DataZoom{Type: "inside"},
		),
	)

	line.SetXAxis(dates)

	for _, status := range statuses {
		data := make([]opts.LineData, len(dates))
		for i, date := range dates {
			data[i] = opts.LineData{Value: counts[status][date]}
		}

		seriesOpts := []charts.SeriesOpts{
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		}

		if color, ok := statusColors[status]; ok {
			seriesOpts = append(seriesOpts,
				charts.WithItemStyleOpts(opts.ItemStyle{Color: color}),
				charts.WithLineStyleOpts(opts.LineStyle{Color: color}),
			)
		}

		line.AddSeries(status, data, seriesOpts...)
	}

	return line
}
