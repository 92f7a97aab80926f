package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ModeNormal, cfg.Mode)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, DefaultDockerProbeTTL, cfg.DockerProbeTTL)
	assert.Empty(t, cfg.EnabledProviders)
	assert.False(t, cfg.SkipPreflight)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "mode: main\nport: 4100\nrepo_root: /srv/repo\nenabled_providers: claude,codex\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devchain.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ModeMain, cfg.Mode)
	assert.Equal(t, 4100, cfg.Port)
	assert.Equal(t, "/srv/repo", cfg.RepoRoot)
	assert.Equal(t, []string{"claude", "codex"}, cfg.EnabledProviders)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devchain.yaml"), []byte("port: 4100\n"), 0o644))

	t.Setenv("PORT", "5200")
	t.Setenv("SKIP_PREFLIGHT", "1")
	t.Setenv("WORKTREES_DOCKER_AVAILABILITY_TTL_MS", "1500")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5200, cfg.Port)
	assert.True(t, cfg.SkipPreflight)
	assert.Equal(t, 1500*time.Millisecond, cfg.DockerProbeTTL)
}

func TestValidate(t *testing.T) {
	repo := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"normal mode ok", Config{Mode: ModeNormal, Port: 3000}, ""},
		{"main mode with repo", Config{Mode: ModeMain, RepoRoot: repo, Port: 3000}, ""},
		{"bad mode", Config{Mode: "cluster", Port: 3000}, "DEVCHAIN_MODE"},
		{"main without repo root", Config{Mode: ModeMain, Port: 3000}, "REPO_ROOT is required"},
		{"main with missing repo root", Config{Mode: ModeMain, RepoRoot: filepath.Join(repo, "gone"), Port: 3000}, "REPO_ROOT"},
		{"port zero", Config{Mode: ModeNormal, Port: 0}, "PORT"},
		{"port too big", Config{Mode: ModeNormal, Port: 70000}, "PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRejectsFileAsRepoRoot(t *testing.T) {
	f := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	err := (&Config{Mode: ModeMain, RepoRoot: f, Port: 3000}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestResolvePaths(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, filepath.Join("/srv/repo", ".devchain", "worktrees"), cfg.ResolveWorktreesRoot("/srv/repo"))
	assert.Equal(t, filepath.Join("/srv/repo", ".devchain", "worktrees-data"), cfg.ResolveWorktreesDataRoot("/srv/repo"))

	cfg = &Config{WorktreesRoot: "/mnt/wt", WorktreesData: "/mnt/data"}
	assert.Equal(t, "/mnt/wt", cfg.ResolveWorktreesRoot("/srv/repo"))
	assert.Equal(t, "/mnt/data", cfg.ResolveWorktreesDataRoot("/srv/repo"))
}

func TestMcpEndpoint(t *testing.T) {
	cfg := &Config{Port: 3000}
	assert.Equal(t, "http://127.0.0.1:3000/mcp", cfg.McpEndpoint())
}

func TestProviderEnabled(t *testing.T) {
	open := &Config{}
	assert.True(t, open.ProviderEnabled("claude"))

	limited := &Config{EnabledProviders: []string{"Claude", "gemini"}}
	assert.True(t, limited.ProviderEnabled("claude"))
	assert.True(t, limited.ProviderEnabled("GEMINI"))
	assert.False(t, limited.ProviderEnabled("codex"))
}
