package cli

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devchain/devchain/internal/config"
)

func TestWritePortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "devchain.port")

	require.NoError(t, writePortFile(path, 3000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var pf portFile
	require.NoError(t, json.Unmarshal(data, &pf))
	assert.Equal(t, 3000, pf.Port)
	_, err = uuid.Parse(pf.RuntimeToken)
	assert.NoError(t, err, "runtime token is a uuid")

	// Rewriting replaces the file with a fresh token.
	require.NoError(t, writePortFile(path, 3001))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var again portFile
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, 3001, again.Port)
	assert.NotEqual(t, pf.RuntimeToken, again.RuntimeToken)

	// No temp litter left next to the file.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewAppWiresHTTPSurface(t *testing.T) {
	cfg := &config.Config{
		Mode:           config.ModeNormal,
		RepoRoot:       t.TempDir(),
		DatabaseURL:    filepath.Join(t.TempDir(), "devchain.db"),
		Port:           3000,
		DockerProbeTTL: time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := newApp(cfg, logger)
	require.NoError(t, err)
	defer app.Close()

	ts := httptest.NewServer(app.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	// Bad worktree names are rejected before any lookup.
	resp, err = http.Get(ts.URL + "/wt/..evil/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Valid but unknown names are a 404.
	resp, err = http.Get(ts.URL + "/wt/no-such-worktree/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no-such-worktree", resp.Header.Get("X-Worktree-Name"))
}

func TestNewLoggerPicksJSONOffTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	logger := newLogger(f)
	logger.Info("hello", "component", "cli")

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"component":"cli"`)
}
