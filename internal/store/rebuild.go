package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// RebuildMode selects which fact rows a bulk rebuild aggregates over.
type RebuildMode int

const (
	// RebuildAll recomputes aggregates from every fact row.
	RebuildAll RebuildMode = iota

	// RebuildFiltered recomputes aggregates only from fact rows whose ref
	// matches the branch filter, dropping rows an earlier filter let
	// through. Counts will no longer match the full fact table; use it to
	// reconcile after tightening the filter.
	RebuildFiltered
)

const rebuildSelectSQL = `
INSERT INTO daily_stats (date, project_id, project_name, project_full_path, status,
                         count, total_duration, count_with_duration)
SELECT date(created_at, 'unixepoch') AS date,
       project_id,
       MAX(project_name) AS project_name,
       MAX(project_full_path) AS project_full_path,
       status,
       COUNT(*) AS count,
       COALESCE(SUM(duration), 0) AS total_duration,
       SUM(CASE WHEN duration IS NOT NULL THEN 1 ELSE 0 END) AS count_with_duration
FROM pipelines
%s
GROUP BY date, project_id, status
ON CONFLICT(date, project_id, status) DO UPDATE SET
    count = excluded.count,
    total_duration = excluded.total_duration,
    count_with_duration = excluded.count_with_duration,
    project_name = excluded.project_name,
    project_full_path = excluded.project_full_path`

// RebuildAggregates recomputes every daily_stats cell from the fact table
// inside one transaction: all cells are zeroed first, then the grouped
// re-aggregation overwrites the ones the selected facts reach. Cells whose
// group vanished from the facts stay present at zero rather than being
// deleted. Running it on a store whose aggregates already match the facts
// changes nothing.
//
// refFilter is only consulted in RebuildFiltered mode; the distinct refs
// are matched in Go and bound as an IN list, so the regex dialect never
// leaks into SQL. A filter matching no refs zeroes everything.
func (s *Store) RebuildAggregates(ctx context.Context, mode RebuildMode, refFilter *regexp.Regexp) error {
	where := ""

	var args []any

	if mode == RebuildFiltered && refFilter != nil {
		refs, err := s.matchingRefs(ctx, refFilter)
		if err != nil {
			return err
		}

		where, args = refInClause(refs)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rebuild: %w", ErrStore, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE daily_stats SET count = 0, total_duration = 0, count_with_duration = 0`); err != nil {
		return fmt.Errorf("%w: zero aggregates: %w", ErrStore, err)
	}

	query := fmt.Sprintf(rebuildSelectSQL, where)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: reaggregate: %w", ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rebuild: %w", ErrStore, err)
	}

	return nil
}

func (s *Store) matchingRefs(ctx context.Context, refFilter *regexp.Regexp) ([]string, error) {
	var refs []string
	if err := s.db.SelectContext(ctx, &refs,
		`SELECT DISTINCT ref_name FROM pipelines ORDER BY ref_name`); err != nil {
		return nil, fmt.Errorf("%w: list refs for rebuild: %w", ErrStore, err)
	}

	matched := refs[:0]

	for _, r := range refs {
		if refFilter.MatchString(r) {
			matched = append(matched, r)
		}
	}

	return matched, nil
}

// refInClause renders WHERE ref_name IN (...) for the matched refs. An
// empty match list selects nothing, which leaves every cell at zero.
func refInClause(refs []string) (string, []any) {
	if len(refs) == 0 {
		return "WHERE 1 = 0", nil
	}

	args := make([]any, len(refs))
	for i, r := range refs {
		args[i] = r
	}

	return "WHERE ref_name IN (" + placeholders(len(refs)) + ")", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
