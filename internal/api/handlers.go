package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/store"
)

// PipelineResponse is one row of GET /api/pipelines. Timestamps go out as
// RFC 3339 strings; fields the forge never reported stay null.
type PipelineResponse struct {
	ID              int64   `json:"id"`
	ProjectID       int64   `json:"project_id"`
	ProjectName     string  `json:"project_name"`
	ProjectFullPath string  `json:"project_full_path"`
	RefName         string  `json:"ref_name"`
	UserName        string  `json:"user_name"`
	SHA             string  `json:"sha"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	FinishedAt      *string `json:"finished_at"`
	Duration        *int64  `json:"duration"`
	WebURL          *string `json:"web_url"`
}

func newPipelineResponse(p store.Pipeline) PipelineResponse {
	resp := PipelineResponse{
		ID:              p.ID,
		ProjectID:       p.ProjectID,
		ProjectName:     p.ProjectName,
		ProjectFullPath: p.ProjectFullPath,
		RefName:         p.RefName,
		UserName:        p.UserName,
		SHA:             p.SHA,
		Status:          p.Status,
		CreatedAt:       rfc3339(p.CreatedAt),
		Duration:        p.Duration,
		WebURL:          p.WebURL,
	}

	if p.FinishedAt != nil {
		finished := rfc3339(*p.FinishedAt)
		resp.FinishedAt = &finished
	}

	return resp
}

func rfc3339(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// handleListPipelines serves the latest matching fact rows. Listings are
// not cached: they change on every poll and the query is indexed.
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.store.ListPipelines(r.Context(), f)
	if err != nil {
		s.storeError(w, r, "list pipelines", err)
		return
	}

	resp := make([]PipelineResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, newPipelineResponse(row))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummaryStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := filterKey("summary", f)
	if s.serveCached(w, r, key) {
		return
	}

	stat, err := s.store.SummaryStats(r.Context(), f)
	if err != nil {
		s.storeError(w, r, "summary stats", err)
		return
	}

	s.writeCached(w, key, stat)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := filterKey("projects", f)
	if s.serveCached(w, r, key) {
		return
	}

	rows, err := s.store.ProjectStats(r.Context(), f)
	if err != nil {
		s.storeError(w, r, "project stats", err)
		return
	}

	if rows == nil {
		rows = []store.ProjectStat{}
	}

	s.writeCached(w, key, rows)
}

func (s *Server) handleTrendStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	startTS, endTS := trendRange(f, time.Now())

	key := trendKey(f, startTS, endTS)
	if s.serveCached(w, r, key) {
		return
	}

	points, err := s.store.TrendStats(r.Context(), f, startTS, endTS)
	if err != nil {
		s.storeError(w, r, "trend stats", err)
		return
	}

	if points == nil {
		points = []store.TrendPoint{}
	}

	s.writeCached(w, key, points)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.DistinctProjects(r.Context())
	if err != nil {
		s.storeError(w, r, "distinct projects", err)
		return
	}

	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleListRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.store.DistinctRefs(r.Context())
	if err != nil {
		s.storeError(w, r, "distinct refs", err)
		return
	}

	if refs == nil {
		refs = []string{}
	}

	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleMonitoredProjects(w http.ResponseWriter, r *http.Request) {
	projects := []gitlab.Project{}
	if s.registry != nil {
		projects = s.registry.Projects()
	}

	if projects == nil {
		projects = []gitlab.Project{}
	}

	s.writeJSON(w, http.StatusOK, projects)
}

// handleRebuildAggregates recomputes daily_stats from the fact table.
// ?mode=filtered reconciles only the refs matching the configured branch
// filter and zeroes the rest.
func (s *Server) handleRebuildAggregates(w http.ResponseWriter, r *http.Request) {
	mode, modeName := store.RebuildAll, "all"

	if r.URL.Query().Get("mode") == "filtered" {
		if s.branchFilter == nil {
			s.writeError(w, http.StatusBadRequest, "no branch filter configured")
			return
		}

		mode, modeName = store.RebuildFiltered, "filtered"
	}

	start := time.Now()

	if err := s.store.RebuildAggregates(r.Context(), mode, s.branchFilter); err != nil {
		s.storeError(w, r, "rebuild aggregates", err)
		return
	}

	if s.cache != nil {
		s.cache.InvalidateAll()
	}

	s.logger.Info("daily aggregates rebuilt",
		"mode", modeName,
		"elapsed", time.Since(start).Round(time.Millisecond))

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": modeName})
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not running")
		return
	}

	s.refresher.ForceRefresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

// serveCached writes the stored payload for key when present. Every lookup
// is counted, hit or miss.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.cache == nil {
		return false
	}

	payload, ok := s.cache.Get(key)

	if s.metrics != nil {
		s.metrics.RecordCacheLookup(r.Context(), ok)
	}

	if !ok {
		return false
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, payload)

	return true
}

// writeCached stores the rendered payload under key and writes it out, so
// a later hit serves byte-identical JSON.
func (s *Server) writeCached(w http.ResponseWriter, key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "encode response")
		return
	}

	if s.cache != nil {
		s.cache.Put(key, string(data))
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// storeError reports a failed read as a 500 without leaking SQL detail.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.ErrorContext(r.Context(), "query failed", "op", op, "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}
