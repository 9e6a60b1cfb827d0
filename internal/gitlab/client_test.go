package gitlab_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/gitlab"
)

func newTestClient(t *testing.T, handler http.Handler) *gitlab.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gitlab.New(gitlab.Options{
		BaseURL: server.URL,
		Token:   "secret",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	return client
}

func TestDiscoverProjects_PagesThroughGroup(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups/platform/projects", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_subgroups"))
		assert.Equal(t, "false", r.URL.Query().Get("archived"))
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))

		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("X-Next-Page", "2")
			_, _ = w.Write([]byte(`[
				{"id": 7, "name": "billing", "path_with_namespace": "acme/billing",
				 "web_url": "https://git.example.com/acme/billing",
				 "last_activity_at": "2024-01-05T10:00:00Z"},
				{"id": 8, "name": "api", "path_with_namespace": "acme/api",
				 "web_url": "https://git.example.com/acme/api"}
			]`))
		default:
			_, _ = w.Write([]byte(`[
				{"id": 9, "name": "web", "path_with_namespace": "acme/web",
				 "web_url": "https://git.example.com/acme/web"}
			]`))
		}
	})

	client := newTestClient(t, mux)

	projects, err := client.DiscoverProjects(t.Context(), []string{"platform"})
	require.NoError(t, err)
	require.Len(t, projects, 3)

	assert.Equal(t, int64(7), projects[0].ID)
	assert.Equal(t, "billing", projects[0].Name)
	assert.Equal(t, "acme/billing", projects[0].FullPath)
	assert.Equal(t, "https://git.example.com/acme/billing", projects[0].WebURL)
	require.NotNil(t, projects[0].LastActivityAt)
	assert.Nil(t, projects[1].LastActivityAt)
	assert.Equal(t, int64(9), projects[2].ID)
}

func TestDiscoverProjects_RemoteFailure(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.DiscoverProjects(t.Context(), []string{"platform"})
	require.ErrorIs(t, err, gitlab.ErrRemote)
}

func TestProjectPipelines_MapsListRows(t *testing.T) {
	t.Parallel()

	updatedAfter := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/7/pipelines", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("updated_after"), "2024-01-01")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 100, "ref": "main", "sha": "abc123", "status": "success",
			 "web_url": "https://git.example.com/acme/billing/-/pipelines/100",
			 "created_at": "2024-01-02T10:00:00Z", "updated_at": "2024-01-02T10:05:00Z"},
			{"id": 101, "ref": "develop", "sha": "def456", "status": "running",
			 "created_at": "2024-01-02T11:00:00Z"}
		]`))
	})

	client := newTestClient(t, mux)
	project := gitlab.Project{ID: 7, Name: "billing", FullPath: "acme/billing"}

	rows, err := client.ProjectPipelines(t.Context(), project, updatedAfter)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	finished := rows[0]
	assert.Equal(t, int64(100), finished.ID)
	assert.Equal(t, int64(7), finished.ProjectID)
	assert.Equal(t, "billing", finished.ProjectName)
	assert.Equal(t, "acme/billing", finished.ProjectFullPath)
	assert.Equal(t, "main", finished.RefName)
	assert.Equal(t, "success", finished.Status)
	assert.Empty(t, finished.UserName, "list rows carry no user")
	require.NotNil(t, finished.FinishedAt)
	require.NotNil(t, finished.Duration)
	assert.Equal(t, int64(300), *finished.Duration, "updated-created span stands in for duration")
	require.NotNil(t, finished.WebURL)

	running := rows[1]
	assert.Equal(t, "running", running.Status)
	assert.Nil(t, running.Duration)
	assert.Nil(t, running.WebURL)
}

func TestProjectPipelines_ZeroWindowOmitsParam(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/7/pipelines", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("updated_after"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	client := newTestClient(t, mux)

	rows, err := client.ProjectPipelines(t.Context(), gitlab.Project{ID: 7}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPipelineUserViaREST(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/7/pipelines/100", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 100, "user": {"name": "Jane Smith"}}`))
	})
	mux.HandleFunc("/api/v4/projects/7/pipelines/101", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 101}`))
	})

	client := newTestClient(t, mux)

	name, ok, err := client.PipelineUserViaREST(t.Context(), 7, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Jane Smith", name)

	name, ok, err = client.PipelineUserViaREST(t.Context(), 7, 101)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	for range 5 {
		_, _, err := client.PipelineUserViaREST(t.Context(), 7, 100)
		require.ErrorIs(t, err, gitlab.ErrRemote)
	}

	seen := hits.Load()

	// The circuit is open now: calls on either transport fail without
	// touching the remote.
	_, _, err := client.PipelineUserViaREST(t.Context(), 7, 100)
	require.ErrorIs(t, err, gitlab.ErrRemote)

	_, err = client.IncrementalActivity(t.Context(), "platform", time.Now())
	require.ErrorIs(t, err, gitlab.ErrRemote)

	assert.Equal(t, seen, hits.Load(), "open circuit must not reach the remote")
}
