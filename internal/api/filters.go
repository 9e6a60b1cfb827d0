package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pipewatch/pipewatch/internal/store"
)

// Trend queries default to the last 30 days, and a window under a day is
// widened to a week so the chart always has something to draw.
const (
	trendDefaultWindow = 30 * 24 * time.Hour
	trendMinWindow     = 24 * time.Hour
	trendWidenedWindow = 7 * 24 * time.Hour
)

// parseFilter reads the shared filter tuple from the query string. A
// malformed timestamp rejects the request instead of silently widening it.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()

	f := store.Filter{
		ProjectName:     q.Get("project_name"),
		RefName:         q.Get("ref_name"),
		ExcludeProjects: q.Get("exclude_projects"),
		Status:          q.Get("status"),
	}

	var err error

	f.FromTS, err = parseUnixParam(q.Get("from_ts"))
	if err != nil {
		return store.Filter{}, fmt.Errorf("from_ts: %w", err)
	}

	f.ToTS, err = parseUnixParam(q.Get("to_ts"))
	if err != nil {
		return store.Filter{}, fmt.Errorf("to_ts: %w", err)
	}

	return f, nil
}

func parseUnixParam(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not a unix timestamp: %q", raw)
	}

	return &ts, nil
}

// trendRange resolves the trend window against the clock. The default start
// is relative to now, not to an explicit end, so a caller pinning only
// to_ts still sees the trailing month before it is widened.
func trendRange(f store.Filter, now time.Time) (startTS, endTS int64) {
	endTS = now.Unix()
	if f.ToTS != nil {
		endTS = *f.ToTS
	}

	startTS = now.Add(-trendDefaultWindow).Unix()
	if f.FromTS != nil {
		startTS = *f.FromTS
	}

	if endTS-startTS < int64(trendMinWindow/time.Second) {
		startTS = endTS - int64(trendWidenedWindow/time.Second)
	}

	return startTS, endTS
}

// filterKey renders the cache key for an aggregate endpoint: the endpoint
// name plus the filter tuple, with the empty and "All" spellings of
// project and ref collapsing to one entry.
func filterKey(endpoint string, f store.Filter) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		endpoint, orAll(f.ProjectName), orAll(f.RefName), f.ExcludeProjects,
		tsKey(f.FromTS), tsKey(f.ToTS))
}

// trendKey keys trend responses by the resolved range, so callers relying
// on the defaults never collide with explicit ones, and by the table the
// filter routes to.
func trendKey(f store.Filter, startTS, endTS int64) string {
	table := "slow"
	if f.FastPath() {
		table = "fast"
	}

	return fmt.Sprintf("trend:%s:%s:%s:%s:%d:%d",
		table, orAll(f.ProjectName), orAll(f.RefName), f.ExcludeProjects, startTS, endTS)
}

func orAll(v string) string {
	if v == "" {
		return "All"
	}

	return v
}

func tsKey(ts *int64) string {
	if ts == nil {
		return "-"
	}

	return strconv.FormatInt(*ts, 10)
}
