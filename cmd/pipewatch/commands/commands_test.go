package commands_test

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/store"
)

const testToken = "glpat-test-token"

// writeConfigFile writes a minimal valid configuration pointing at storePath.
// extraGitLab is injected verbatim into the gitlab block.
func writeConfigFile(t *testing.T, dir, storePath, extraGitLab string) string {
	t.Helper()

	content := fmt.Sprintf(`store:
  path: %q
gitlab:
  url: https://gitlab.example.com
  token: %s
  monitor_groups:
    - acme
%slogging:
  level: error
`, storePath, testToken, extraGitLab)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	return cfgPath
}

// seedPipelines initializes a store at dbPath and upserts the given rows.
func seedPipelines(t *testing.T, dbPath string, rows ...store.Pipeline) {
	t.Helper()

	st, err := store.Open(dbPath)
	require.NoError(t, err)

	require.NoError(t, st.Init(t.Context()))

	for _, p := range rows {
		require.NoError(t, st.UpsertPipeline(t.Context(), p))
	}

	require.NoError(t, st.Close())
}

func finishedPipeline(id int64, fullPath, ref, status string, createdAt int64) store.Pipeline {
	finished := createdAt + 300
	duration := int64(300)
	webURL := fmt.Sprintf("https://git.example.com/%s/-/pipelines/%d", fullPath, id)

	return store.Pipeline{
		ID:              id,
		ProjectID:       7,
		ProjectName:     path.Base(fullPath),
		ProjectFullPath: fullPath,
		RefName:         ref,
		SHA:             "abc123",
		Status:          status,
		CreatedAt:       createdAt,
		FinishedAt:      &finished,
		Duration:        &duration,
		WebURL:          &webURL,
	}
}
