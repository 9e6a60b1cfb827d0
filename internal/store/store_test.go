package store_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "pipewatch.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Init(t.Context()))

	return s
}

// cell mirrors one daily_stats row for assertions.
type cell struct {
	Date              string `db:"date"`
	ProjectID         int64  `db:"project_id"`
	ProjectName       string `db:"project_name"`
	ProjectFullPath   string `db:"project_full_path"`
	Status            string `db:"status"`
	Count             int64  `db:"count"`
	TotalDuration     int64  `db:"total_duration"`
	CountWithDuration int64  `db:"count_with_duration"`
}

const selectCellsSQL = `
SELECT date, project_id, project_name, project_full_path, status,
       count, total_duration, count_with_duration
FROM daily_stats`

func readCell(t *testing.T, s *store.Store, date string, projectID int64, status string) (cell, bool) {
	t.Helper()

	var c cell

	err := store.DB(s).GetContext(t.Context(), &c,
		selectCellsSQL+` WHERE date = ? AND project_id = ? AND status = ?`,
		date, projectID, status)
	if errors.Is(err, sql.ErrNoRows) {
		return cell{}, false
	}

	require.NoError(t, err)

	return c, true
}

func allCells(t *testing.T, s *store.Store) []cell {
	t.Helper()

	var cells []cell
	require.NoError(t, store.DB(s).SelectContext(t.Context(), &cells,
		selectCellsSQL+` ORDER BY date, project_id, status`))

	return cells
}

// assertAggregatesMatchFacts recomputes every (date, project, status) group
// from the fact table and requires the aggregate cells to agree; cells with
// no backing facts must be fully zeroed.
func assertAggregatesMatchFacts(t *testing.T, s *store.Store) {
	t.Helper()

	var groups []cell
	require.NoError(t, store.DB(s).SelectContext(t.Context(), &groups, `
SELECT date(created_at, 'unixepoch') AS date,
       project_id,
       '' AS project_name,
       '' AS project_full_path,
       status,
       COUNT(*) AS count,
       COALESCE(SUM(duration), 0) AS total_duration,
       SUM(CASE WHEN duration IS NOT NULL THEN 1 ELSE 0 END) AS count_with_duration
FROM pipelines
GROUP BY date, project_id, status`))

	type key struct {
		date      string
		projectID int64
		status    string
	}

	want := make(map[key]cell, len(groups))
	for _, g := range groups {
		want[key{g.Date, g.ProjectID, g.Status}] = g
	}

	for _, c := range allCells(t, s) {
		k := key{c.Date, c.ProjectID, c.Status}

		g, ok := want[k]
		if !ok {
			assert.Zerof(t, c.Count, "cell %v has count without facts", k)
			assert.Zerof(t, c.TotalDuration, "cell %v has duration without facts", k)
			assert.Zerof(t, c.CountWithDuration, "cell %v has duration count without facts", k)

			continue
		}

		assert.Equalf(t, g.Count, c.Count, "count for cell %v", k)
		assert.Equalf(t, g.TotalDuration, c.TotalDuration, "total duration for cell %v", k)
		assert.Equalf(t, g.CountWithDuration, c.CountWithDuration, "duration count for cell %v", k)

		delete(want, k)
	}

	assert.Empty(t, want, "fact groups without an aggregate cell")
}

func ptrI64(v int64) *int64 {
	return &v
}

func ptrStr(v string) *string {
	return &v
}

// newPipeline builds the baseline fixture: project 7 (acme/billing), ref
// main, created 2024-01-01T00:00:00Z.
func newPipeline(id int64, status string) store.Pipeline {
	return store.Pipeline{
		ID:              id,
		ProjectID:       7,
		ProjectName:     "billing",
		ProjectFullPath: "acme/billing",
		RefName:         "main",
		SHA:             "a1b2c3",
		Status:          status,
		CreatedAt:       1704067200,
	}
}

func TestOpen_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	require.NoError(t, s.Init(t.Context()))
	require.NoError(t, s.Ping(t.Context()))
}

func TestInit_MigratesLegacyDailyStats(t *testing.T) {
	t.Parallel()

	s, err := store.Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	ctx := t.Context()
	require.NoError(t, s.Init(ctx))

	// Recreate daily_stats the way early builds shipped it: without
	// count_with_duration and without project_full_path.
	db := store.DB(s)
	_, err = db.ExecContext(ctx, `DROP TABLE daily_stats`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
CREATE TABLE daily_stats (
    date TEXT NOT NULL,
    project_id INTEGER NOT NULL,
    project_name TEXT NOT NULL,
    status TEXT NOT NULL,
    count INTEGER DEFAULT 0,
    total_duration INTEGER DEFAULT 0,
    PRIMARY KEY (date, project_id, status)
)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
INSERT INTO pipelines (id, project_id, project_name, project_full_path, ref_name, status, created_at)
VALUES (1, 7, 'billing', 'acme/billing', 'main', 'success', 1704067200)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
INSERT INTO daily_stats (date, project_id, project_name, status, count, total_duration)
VALUES ('2024-01-01', 7, 'billing', 'success', 3, 900)`)
	require.NoError(t, err)

	require.NoError(t, s.Init(ctx))

	c, ok := readCell(t, s, "2024-01-01", 7, "success")
	require.True(t, ok)
	assert.Equal(t, int64(3), c.Count)
	assert.Equal(t, int64(900), c.TotalDuration)
	assert.Zero(t, c.CountWithDuration)
	assert.Equal(t, "acme/billing", c.ProjectFullPath)
}

func TestInit_BackfillFallsBackToProjectName(t *testing.T) {
	t.Parallel()

	s, err := store.Open(filepath.Join(t.TempDir(), "orphan.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	ctx := t.Context()
	require.NoError(t, s.Init(ctx))

	db := store.DB(s)
	_, err = db.ExecContext(ctx, `DROP TABLE daily_stats`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
CREATE TABLE daily_stats (
    date TEXT NOT NULL,
    project_id INTEGER NOT NULL,
    project_name TEXT NOT NULL,
    status TEXT NOT NULL,
    count INTEGER DEFAULT 0,
    total_duration INTEGER DEFAULT 0,
    PRIMARY KEY (date, project_id, status)
)`)
	require.NoError(t, err)

	// A cell whose project has no fact rows keeps its own name as path.
	_, err = db.ExecContext(ctx, `
INSERT INTO daily_stats (date, project_id, project_name, status, count, total_duration)
VALUES ('2024-01-01', 42, 'ghost/project', 'failed', 1, 0)`)
	require.NoError(t, err)

	require.NoError(t, s.Init(ctx))

	c, ok := readCell(t, s, "2024-01-01", 42, "failed")
	require.True(t, ok)
	assert.Equal(t, "ghost/project", c.ProjectFullPath)
}

func TestCountPipelines_TracksInserts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := t.Context()

	n, err := s.CountPipelines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.UpsertPipeline(ctx, newPipeline(1, "pending")))

	n, err = s.CountPipelines(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cells, err := s.CountDailyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cells)
}
