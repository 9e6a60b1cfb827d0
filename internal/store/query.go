package store

import (
	"context"
	"fmt"
	"strings"
)

// Filter narrows the read queries. All fields are optional; the zero value
// matches everything. ProjectName and ExcludeProjects compare against
// project_full_path. For ProjectName and RefName, "" and "All" mean
// unfiltered and a comma-separated value becomes an IN list.
type Filter struct {
	ProjectName     string
	RefName         string
	ExcludeProjects string
	Status          string
	FromTS          *int64
	ToTS            *int64
}

// FastPath reports whether aggregate queries can be served from
// daily_stats. Any concrete ref filter forces the fact table because the
// aggregate is not keyed by ref.
func (f Filter) FastPath() bool {
	return f.RefName == "" || f.RefName == "All"
}

// whereBuilder accumulates " AND ..." clauses and their bind args in the
// order they will appear in the query.
type whereBuilder struct {
	sql  strings.Builder
	args []any
}

func (wb *whereBuilder) and(clause string, args ...any) {
	wb.sql.WriteString(" AND ")
	wb.sql.WriteString(clause)
	wb.args = append(wb.args, args...)
}

// value adds `column = ?` for a single value, or `column IN (...)` with
// whitespace-trimmed items for a comma-separated one.
func (wb *whereBuilder) value(column, value string) {
	if value == "" || value == "All" {
		return
	}

	if !strings.Contains(value, ",") {
		wb.and(column+" = ?", value)
		return
	}

	items := strings.Split(value, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}

	wb.in(column, "IN", items)
}

// exclude adds `project_full_path NOT IN (...)`. Items are split verbatim.
func (wb *whereBuilder) exclude(value string) {
	if value == "" {
		return
	}

	wb.in("project_full_path", "NOT IN", strings.Split(value, ","))
}

func (wb *whereBuilder) in(column, op string, items []string) {
	wb.sql.WriteString(" AND ")
	wb.sql.WriteString(column)
	wb.sql.WriteString(" ")
	wb.sql.WriteString(op)
	wb.sql.WriteString(" (")
	wb.sql.WriteString(placeholders(len(items)))
	wb.sql.WriteString(")")

	for _, it := range items {
		wb.args = append(wb.args, it)
	}
}

// dateRange compares against the aggregate date column (fast path).
func (wb *whereBuilder) dateRange(f Filter) {
	if f.FromTS != nil {
		wb.and("date >= date(?, 'unixepoch')", *f.FromTS)
	}

	if f.ToTS != nil {
		wb.and("date <= date(?, 'unixepoch')", *f.ToTS)
	}
}

// createdRange compares against the fact created_at column (slow path).
func (wb *whereBuilder) createdRange(f Filter) {
	if f.FromTS != nil {
		wb.and("created_at >= ?", *f.FromTS)
	}

	if f.ToTS != nil {
		wb.and("created_at <= ?", *f.ToTS)
	}
}

func (wb *whereBuilder) clause() string {
	return wb.sql.String()
}

const listPipelinesSQL = `
SELECT id, project_id, project_name, project_full_path, ref_name,
       COALESCE(user_name, '') AS user_name, COALESCE(sha, '') AS sha,
       status, created_at, finished_at, duration, web_url
FROM pipelines WHERE 1=1`

// ListPipelines returns the 100 most recent fact rows matching f, newest
// first. A status=running query ignores the timestamp window: a run that
// started outside it is still live now.
func (s *Store) ListPipelines(ctx context.Context, f Filter) ([]Pipeline, error) {
	wb := &whereBuilder{}
	wb.value("project_full_path", f.ProjectName)
	wb.value("ref_name", f.RefName)
	wb.exclude(f.ExcludeProjects)

	if f.Status != "" {
		wb.and("status = ?", f.Status)
	}

	if f.Status != "running" {
		wb.createdRange(f)
	}

	query := listPipelinesSQL + wb.clause() + " ORDER BY created_at DESC LIMIT 100"

	var rows []Pipeline
	if err := s.db.SelectContext(ctx, &rows, query, wb.args...); err != nil {
		return nil, fmt.Errorf("%w: list pipelines: %w", ErrStore, err)
	}

	return rows, nil
}

const summaryFastSQL = `
SELECT COALESCE(SUM(count), 0) AS total_count,
       COALESCE(CAST(SUM(total_duration) AS REAL) / NULLIF(SUM(count_with_duration), 0), 0) AS avg_duration,
       COALESCE(SUM(CASE WHEN status = 'success' THEN count ELSE 0 END) * 100.0 / SUM(count), 0) AS success_rate
FROM daily_stats WHERE 1=1`

const summarySlowSQL = `
SELECT COUNT(*) AS total_count,
       COALESCE(AVG(duration), 0) AS avg_duration,
       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 0) AS success_rate
FROM pipelines WHERE 1=1`

// SummaryStats computes the overall count, mean duration, and success rate
// under f, reading daily_stats when the ref filter permits.
func (s *Store) SummaryStats(ctx context.Context, f Filter) (SummaryStat, error) {
	wb := &whereBuilder{}
	wb.value("project_full_path", f.ProjectName)

	var head string

	if f.FastPath() {
		wb.exclude(f.ExcludeProjects)
		wb.dateRange(f)

		head = summaryFastSQL
	} else {
		wb.value("ref_name", f.RefName)
		wb.exclude(f.ExcludeProjects)
		wb.createdRange(f)

		head = summarySlowSQL
	}

	var out SummaryStat
	if err := s.db.GetContext(ctx, &out, head+wb.clause(), wb.args...); err != nil {
		return SummaryStat{}, fmt.Errorf("%w: summary stats: %w", ErrStore, err)
	}

	return out, nil
}

const projectStatsFastSQL = `
SELECT MAX(project_name) AS project_name,
       project_full_path,
       SUM(count) AS count,
       COALESCE(CAST(SUM(total_duration) AS REAL) / NULLIF(SUM(count_with_duration), 0), 0) AS avg_duration,
       COALESCE((SELECT status FROM pipelines p2
                 WHERE p2.project_full_path = daily_stats.project_full_path
                 ORDER BY created_at DESC LIMIT 1), '') AS last_status
FROM daily_stats WHERE 1=1`

const projectStatsSlowSQL = `
SELECT MAX(project_name) AS project_name,
       project_full_path,
       COUNT(*) AS count,
       COALESCE(AVG(duration), 0) AS avg_duration,
       COALESCE((SELECT status FROM pipelines p2
                 WHERE p2.project_full_path = pipelines.project_full_path
                 ORDER BY created_at DESC LIMIT 1), '') AS last_status
FROM pipelines WHERE 1=1`

// ProjectStats aggregates per project under f, ordered by average duration
// ascending.
func (s *Store) ProjectStats(ctx context.Context, f Filter) ([]ProjectStat, error) {
	wb := &whereBuilder{}
	wb.value("project_full_path", f.ProjectName)

	var head string

	if f.FastPath() {
		wb.exclude(f.ExcludeProjects)
		wb.dateRange(f)

		head = projectStatsFastSQL
	} else {
		wb.value("ref_name", f.RefName)
		wb.exclude(f.ExcludeProjects)
		wb.createdRange(f)

		head = projectStatsSlowSQL
	}

	query := head + wb.clause() + " GROUP BY project_full_path ORDER BY avg_duration ASC"

	var rows []ProjectStat
	if err := s.db.SelectContext(ctx, &rows, query, wb.args...); err != nil {
		return nil, fmt.Errorf("%w: project stats: %w", ErrStore, err)
	}

	return rows, nil
}

const trendFastSQL = `
SELECT date, status, SUM(count) AS count
FROM daily_stats
WHERE date >= date(?, 'unixepoch') AND date <= date(?, 'unixepoch')`

const trendSlowSQL = `
SELECT date(created_at, 'unixepoch') AS date, status, COUNT(*) AS count
FROM pipelines
WHERE created_at >= ? AND created_at <= ?`

// TrendStats buckets pipelines per (day, status) over [startTS, endTS],
// newest day first. Callers resolve the range defaults before calling.
func (s *Store) TrendStats(ctx context.Context, f Filter, startTS, endTS int64) ([]TrendPoint, error) {
	wb := &whereBuilder{}
	wb.args = append(wb.args, startTS, endTS)

	var head, tail string

	if f.FastPath() {
		head = trendFastSQL
		tail = " GROUP BY date, status ORDER BY date DESC"
	} else {
		head = trendSlowSQL
		tail = " GROUP BY 1, 2 ORDER BY 1 DESC"
	}

	wb.value("project_full_path", f.ProjectName)

	if !f.FastPath() {
		wb.value("ref_name", f.RefName)
	}

	wb.exclude(f.ExcludeProjects)

	var rows []TrendPoint
	if err := s.db.SelectContext(ctx, &rows, head+wb.clause()+tail, wb.args...); err != nil {
		return nil, fmt.Errorf("%w: trend stats: %w", ErrStore, err)
	}

	return rows, nil
}

// DistinctProjects lists every project_full_path seen in the fact table.
func (s *Store) DistinctProjects(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT project_full_path FROM pipelines ORDER BY project_full_path`); err != nil {
		return nil, fmt.Errorf("%w: distinct projects: %w", ErrStore, err)
	}

	return out, nil
}

// DistinctRefs lists every ref_name seen in the fact table.
func (s *Store) DistinctRefs(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ref_name FROM pipelines ORDER BY ref_name`); err != nil {
		return nil, fmt.Errorf("%w: distinct refs: %w", ErrStore, err)
	}

	return out, nil
}
