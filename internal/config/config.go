// Package config loads devchain configuration from an optional
// devchain.yaml plus the environment variables recognized by the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects between a normal orchestrator and the main-repo
// orchestrator that imports merged epics into its own project.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeMain   Mode = "main"
)

// Default timeouts used across the core.
const (
	DefaultContainerTimeout    = 5 * time.Second
	DefaultProviderCLITimeout  = 10 * time.Second
	DefaultHealthWaitTotal     = 60 * time.Second
	DefaultDockerProbeTTL      = 60 * time.Second
	DefaultPreflightCacheTTL   = 60 * time.Second
	DefaultOverviewCacheTTL    = 30 * time.Second
	DefaultActivityRetention   = 30 * 24 * time.Hour
	DefaultRetentionSweepEvery = 24 * time.Hour
)

// Config holds the resolved orchestrator configuration.
type Config struct {
	Mode             Mode
	RepoRoot         string
	WorktreesRoot    string
	WorktreesData    string
	Port             int
	TemplatesDir     string
	EnabledProviders []string // empty means all
	SkipPreflight    bool
	DockerProbeTTL   time.Duration
	DatabaseURL      string
	PortFile         string // optional runtime port file path
}

// EnvVarMapping defines the mapping between environment variables and
// config keys. File values are overridden by environment values.
var EnvVarMapping = map[string]string{
	"DEVCHAIN_MODE":                        "mode",
	"REPO_ROOT":                            "repo_root",
	"WORKTREES_ROOT":                       "worktrees_root",
	"WORKTREES_DATA_ROOT":                  "worktrees_data_root",
	"PORT":                                 "port",
	"TEMPLATES_DIR":                        "templates_dir",
	"ENABLED_PROVIDERS":                    "enabled_providers",
	"SKIP_PREFLIGHT":                       "skip_preflight",
	"WORKTREES_DOCKER_AVAILABILITY_TTL_MS": "docker_availability_ttl_ms",
	"DEVCHAIN_DB_URL":                      "database_url",
	"DEVCHAIN_PORT_FILE":                   "port_file",
}

// Load reads devchain.yaml (if present in dir) and overlays environment
// variables. It does not validate; call Validate separately so the CLI
// can distinguish load failures from environment failures.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("devchain")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetDefault("mode", string(ModeNormal))
	v.SetDefault("port", 3000)
	v.SetDefault("docker_availability_ttl_ms", int(DefaultDockerProbeTTL/time.Millisecond))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for env, key := range EnvVarMapping {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			v.Set(key, val)
		}
	}

	cfg := &Config{
		Mode:          Mode(strings.ToLower(v.GetString("mode"))),
		RepoRoot:      v.GetString("repo_root"),
		WorktreesRoot: v.GetString("worktrees_root"),
		WorktreesData: v.GetString("worktrees_data_root"),
		Port:          v.GetInt("port"),
		TemplatesDir:  v.GetString("templates_dir"),
		SkipPreflight: v.GetString("skip_preflight") == "1" || v.GetBool("skip_preflight"),
		DatabaseURL:   v.GetString("database_url"),
		PortFile:      v.GetString("port_file"),
	}

	if raw := v.GetString("enabled_providers"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.EnabledProviders = append(cfg.EnabledProviders, p)
			}
		}
	}

	ttlMs := v.GetInt("docker_availability_ttl_ms")
	if ttlMs <= 0 {
		ttlMs = int(DefaultDockerProbeTTL / time.Millisecond)
	}
	cfg.DockerProbeTTL = time.Duration(ttlMs) * time.Millisecond

	return cfg, nil
}

// Validate checks the environment-derived configuration. Errors from
// here map to exit code 2.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeNormal, ModeMain:
	default:
		return fmt.Errorf("DEVCHAIN_MODE must be %q or %q, got %q", ModeNormal, ModeMain, c.Mode)
	}

	if c.Mode == ModeMain {
		if c.RepoRoot == "" {
			return fmt.Errorf("REPO_ROOT is required in main mode")
		}
		info, err := os.Stat(c.RepoRoot)
		if err != nil {
			return fmt.Errorf("REPO_ROOT %q: %w", c.RepoRoot, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("REPO_ROOT %q is not a directory", c.RepoRoot)
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}

	return nil
}

// ResolveWorktreesRoot returns the default worktree checkout root for a
// repository when WORKTREES_ROOT is unset.
func (c *Config) ResolveWorktreesRoot(repoRoot string) string {
	if c.WorktreesRoot != "" {
		return c.WorktreesRoot
	}
	return filepath.Join(repoRoot, ".devchain", "worktrees")
}

// ResolveWorktreesDataRoot returns the persistent container data root.
func (c *Config) ResolveWorktreesDataRoot(repoRoot string) string {
	if c.WorktreesData != "" {
		return c.WorktreesData
	}
	return filepath.Join(repoRoot, ".devchain", "worktrees-data")
}

// McpEndpoint returns the local MCP endpoint registered into providers.
func (c *Config) McpEndpoint() string {
	return "http://127.0.0.1:" + strconv.Itoa(c.Port) + "/mcp"
}

// ProviderEnabled reports whether the provider name passes the
// ENABLED_PROVIDERS allow-list. An empty list allows everything.
func (c *Config) ProviderEnabled(name string) bool {
	if len(c.EnabledProviders) == 0 {
		return true
	}
	for _, p := range c.EnabledProviders {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// errorsAs is a tiny indirection so the viper error check reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
