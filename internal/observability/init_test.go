package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/observability"
)

func TestInit_NoOTLPEndpoint(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = "test"

	providers, err := observability.Init(t.Context(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		err := providers.Shutdown(context.Background())
		assert.NoError(t, err)
	})

	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Logger)
	require.NotNil(t, providers.PromHandler)
	require.NotNil(t, providers.Shutdown)
}

func TestInit_PrometheusEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()

	providers, err := observability.Init(t.Context(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = providers.Shutdown(context.Background())
	})

	sm, err := observability.NewServiceMetrics(providers.Meter)
	require.NoError(t, err)

	sm.RecordPollCycle(context.Background(), "platform", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()

	providers.PromHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipewatch_poll_cycles")
}

func TestParseOTLPHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single pair", raw: "authorization=Bearer abc", want: map[string]string{"authorization": "Bearer abc"}},
		{name: "multiple pairs", raw: "a=1,b=2", want: map[string]string{"a": "1", "b": "2"}},
		{name: "spaces trimmed", raw: " a = 1 , b = 2 ", want: map[string]string{"a": "1", "b": "2"}},
		{name: "malformed entries skipped", raw: "a=1,nonsense,=2", want: map[string]string{"a": "1"}},
		{name: "only malformed", raw: "nonsense", want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := observability.ParseOTLPHeaders(tc.raw)
			assert.Equal(t, tc.want, got)
		})
	}
}
