package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/store"
)

// seedQueryFixtures inserts five pipelines across three projects, three
// days, and four statuses:
//
//	id 1  acme/billing  main       success  2024-01-01  dur 300
//	id 2  acme/billing  main       failed   2024-01-01  dur 60
//	id 3  acme/web      develop    success  2024-01-02  dur 120
//	id 4  acme/web      main       running  2024-01-02  no dur
//	id 5  acme/infra    feature/x  pending  2023-12-31  no dur
func seedQueryFixtures(t *testing.T, s *store.Store) {
	t.Helper()

	ctx := t.Context()

	p1 := newPipeline(1, "success")
	p1.UserName = "alice"
	p1.FinishedAt = ptrI64(1704067500)
	p1.Duration = ptrI64(300)
	require.NoError(t, s.UpsertPipeline(ctx, p1))

	p2 := newPipeline(2, "failed")
	p2.CreatedAt = 1704070800
	p2.FinishedAt = ptrI64(1704070860)
	p2.Duration = ptrI64(60)
	require.NoError(t, s.UpsertPipeline(ctx, p2))

	p3 := store.Pipeline{
		ID: 3, ProjectID: 8, ProjectName: "web", ProjectFullPath: "acme/web",
		RefName: "develop", SHA: "c3", Status: "success",
		CreatedAt: 1704153600, FinishedAt: ptrI64(1704153720), Duration: ptrI64(120),
	}
	require.NoError(t, s.UpsertPipeline(ctx, p3))

	p4 := store.Pipeline{
		ID: 4, ProjectID: 8, ProjectName: "web", ProjectFullPath: "acme/web",
		RefName: "main", SHA: "c4", Status: "running",
		CreatedAt: 1704153700,
	}
	require.NoError(t, s.UpsertPipeline(ctx, p4))

	p5 := store.Pipeline{
		ID: 5, ProjectID: 9, ProjectName: "infra", ProjectFullPath: "acme/infra",
		RefName: "feature/x", SHA: "c5", Status: "pending",
		CreatedAt: 1703980800,
	}
	require.NoError(t, s.UpsertPipeline(ctx, p5))
}

func pipelineIDs(rows []store.Pipeline) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	return ids
}

// allRefsSlow is a ref filter covering every seeded ref, forcing the slow
// path over the same row set the fast path aggregates.
const allRefsSlow = "main,develop,feature/x"

func TestListPipelines_NewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2, 1, 5}, pipelineIDs(rows))
}

func TestListPipelines_AllKeywordMeansUnfiltered(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{ProjectName: "All", RefName: "All"})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestListPipelines_ProjectFilter(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{ProjectName: "acme/billing"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, pipelineIDs(rows))
}

func TestListPipelines_ProjectFilterCommaListTrimsItems(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{ProjectName: "acme/billing, acme/web"})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2, 1}, pipelineIDs(rows))
}

func TestListPipelines_ExcludeProjectsSplitsVerbatim(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{ExcludeProjects: "acme/billing,acme/web"})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, pipelineIDs(rows))

	// Items are not trimmed: " acme/web" matches nothing, so acme/web stays.
	rows, err = s.ListPipelines(t.Context(), store.Filter{ExcludeProjects: "acme/billing, acme/web"})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 5}, pipelineIDs(rows))
}

func TestListPipelines_RefFilter(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{RefName: "main"})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 1}, pipelineIDs(rows))
}

func TestListPipelines_StatusAndWindow(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{
		Status: "success",
		FromTS: ptrI64(1704153600),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, pipelineIDs(rows))
}

func TestListPipelines_RunningIgnoresWindow(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ListPipelines(t.Context(), store.Filter{
		Status: "running",
		FromTS: ptrI64(9999999999),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, pipelineIDs(rows), "a live run predating the window is still shown")
}

func TestSummaryStats_FastMatchesSlow(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	ctx := t.Context()

	fast, err := s.SummaryStats(ctx, store.Filter{})
	require.NoError(t, err)

	slow, err := s.SummaryStats(ctx, store.Filter{RefName: allRefsSlow})
	require.NoError(t, err)

	assert.Equal(t, int64(5), fast.TotalCount)
	assert.InDelta(t, 160.0, fast.AvgDuration, 0.001)
	assert.InDelta(t, 40.0, fast.SuccessRate, 0.001)
	assert.Equal(t, fast, slow)
}

func TestSummaryStats_EmptyStoreIsAllZero(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	out, err := s.SummaryStats(t.Context(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, store.SummaryStat{}, out)

	out, err = s.SummaryStats(t.Context(), store.Filter{RefName: "main"})
	require.NoError(t, err)
	assert.Equal(t, store.SummaryStat{}, out)
}

func TestSummaryStats_WindowOnFastPath(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	out, err := s.SummaryStats(t.Context(), store.Filter{FromTS: ptrI64(1704153600)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.TotalCount)
	assert.InDelta(t, 120.0, out.AvgDuration, 0.001)
	assert.InDelta(t, 50.0, out.SuccessRate, 0.001)
}

func TestProjectStats_OrderedByAvgDuration(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ProjectStats(t.Context(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "acme/infra", rows[0].ProjectFullPath)
	assert.Equal(t, "infra", rows[0].ProjectName)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.InDelta(t, 0.0, rows[0].AvgDuration, 0.001)
	assert.Equal(t, "pending", rows[0].LastStatus)

	assert.Equal(t, "acme/web", rows[1].ProjectFullPath)
	assert.Equal(t, int64(2), rows[1].Count)
	assert.InDelta(t, 120.0, rows[1].AvgDuration, 0.001)
	assert.Equal(t, "running", rows[1].LastStatus)

	assert.Equal(t, "acme/billing", rows[2].ProjectFullPath)
	assert.Equal(t, int64(2), rows[2].Count)
	assert.InDelta(t, 180.0, rows[2].AvgDuration, 0.001)
	assert.Equal(t, "failed", rows[2].LastStatus)
}

func TestProjectStats_SlowPathWithRefFilter(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	rows, err := s.ProjectStats(t.Context(), store.Filter{RefName: "main"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "acme/web", rows[0].ProjectFullPath)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.InDelta(t, 0.0, rows[0].AvgDuration, 0.001)

	assert.Equal(t, "acme/billing", rows[1].ProjectFullPath)
	assert.Equal(t, int64(2), rows[1].Count)
	assert.InDelta(t, 180.0, rows[1].AvgDuration, 0.001)
}

func trendByBucket(points []store.TrendPoint) map[string]int64 {
	out := make(map[string]int64, len(points))
	for _, p := range points {
		out[p.Date+"|"+p.Status] = p.Count
	}

	return out
}

func TestTrendStats_FastBucketsPerDayAndStatus(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	points, err := s.TrendStats(t.Context(), store.Filter{}, 1703980800, 1704153700)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"2023-12-31|pending": 1,
		"2024-01-01|success": 1,
		"2024-01-01|failed":  1,
		"2024-01-02|success": 1,
		"2024-01-02|running": 1,
	}, trendByBucket(points))

	require.NotEmpty(t, points)
	assert.Equal(t, "2024-01-02", points[0].Date, "newest day first")
}

func TestTrendStats_SlowMatchesFast(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	ctx := t.Context()

	fast, err := s.TrendStats(ctx, store.Filter{}, 1703980800, 1704153700)
	require.NoError(t, err)

	slow, err := s.TrendStats(ctx, store.Filter{RefName: allRefsSlow}, 1703980800, 1704153700)
	require.NoError(t, err)

	assert.Equal(t, trendByBucket(fast), trendByBucket(slow))
}

func TestTrendStats_EmptyRange(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	points, err := s.TrendStats(t.Context(), store.Filter{}, 100, 200)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestDistinctProjectsAndRefs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	ctx := t.Context()

	projects, err := s.DistinctProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/billing", "acme/infra", "acme/web"}, projects)

	refs, err := s.DistinctRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"develop", "feature/x", "main"}, refs)
}

func TestPendingUsernames_ListsOnlyEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	ctx := t.Context()

	pending, err := s.PendingUsernames(ctx, 500)
	require.NoError(t, err)

	ids := make([]int64, len(pending))
	for i, c := range pending {
		ids[i] = c.ID
	}

	assert.ElementsMatch(t, []int64{2, 3, 4, 5}, ids)

	limited, err := s.PendingUsernames(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSetUsername_GuardedAgainstOverwrite(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedQueryFixtures(t, s)

	ctx := t.Context()

	changed, err := s.SetUsername(ctx, 2, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetUsername(ctx, 2, "carol")
	require.NoError(t, err)
	assert.False(t, changed, "a learned name is never overwritten")

	rows, err := s.ListPipelines(ctx, store.Filter{ProjectName: "acme/billing"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "bob", rows[0].UserName)
	assert.Equal(t, "alice", rows[1].UserName)
}
