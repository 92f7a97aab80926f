package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/git"
)

// Outcome classifies what an ensure call did.
type Outcome string

const (
	OutcomeAlreadyConfigured Outcome = "already_configured"
	OutcomeFixedMismatch     Outcome = "fixed_mismatch"
	OutcomeAdded             Outcome = "added"
	OutcomeError             Outcome = "error"
)

// Result is the reconciliation verdict for one ensure call.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

const defaultCLITimeout = 10 * time.Second

// Coordinator reconciles provider MCP server lists. Concurrent calls
// for the same (provider, projectPath) key share one in-flight run;
// different keys proceed in parallel.
type Coordinator struct {
	store    *db.DB
	run      git.CommandRunner
	endpoint string
	logger   *slog.Logger
	timeout  time.Duration

	flight singleflight.Group

	// onChange clears the preflight cache after a successful update.
	onChange func()
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Store    *db.DB
	Runner   git.CommandRunner
	Endpoint string
	Logger   *slog.Logger
	Timeout  time.Duration
	OnChange func()
}

// NewCoordinator wires an MCP-ensure coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	runner := opts.Runner
	if runner == nil {
		runner = git.NewExecRunner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCLITimeout
	}
	return &Coordinator{
		store:    opts.Store,
		run:      runner,
		endpoint: opts.Endpoint,
		logger:   logger,
		timeout:  timeout,
		onChange: opts.OnChange,
	}
}

// Ensure reconciles one provider's MCP list for a project scope.
// projectPath may be empty for the global scope; when set it must be
// an absolute, normalized path of a registered project.
func (c *Coordinator) Ensure(ctx context.Context, providerID, projectPath string) (*Result, error) {
	if err := c.validateProjectPath(projectPath); err != nil {
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}

	scope := projectPath
	if scope == "" {
		scope = "global"
	}
	key := providerID + ":" + scope

	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.ensure(ctx, providerID, projectPath)
	})
	if result, ok := v.(*Result); ok {
		return result, err
	}
	if err != nil {
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}
	return nil, err
}

func (c *Coordinator) validateProjectPath(projectPath string) error {
	if projectPath == "" {
		return nil
	}
	if !filepath.IsAbs(projectPath) {
		return deverrors.Newf(deverrors.CodeInvalidPath, "project path %q is not absolute", projectPath)
	}
	clean := filepath.Clean(projectPath)
	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if seg == ".." {
			return deverrors.Newf(deverrors.CodeInvalidPath, "project path %q escapes its root", projectPath)
		}
	}
	project, err := c.store.GetProjectByPath(clean)
	if err != nil {
		return err
	}
	if project == nil {
		return deverrors.Newf(deverrors.CodeProjectNotFound, "no registered project at %q", projectPath)
	}
	return nil
}

func (c *Coordinator) ensure(ctx context.Context, providerID, projectPath string) (*Result, error) {
	provider, err := c.store.GetProvider(providerID)
	if err != nil {
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}
	if provider == nil {
		err := deverrors.Newf(deverrors.CodeProviderNotFound, "provider %s not found", providerID)
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}
	if provider.BinPath == nil || *provider.BinPath == "" {
		err := deverrors.Newf(deverrors.CodeBinaryMissing, "provider %s has no binary path", provider.Name)
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}

	adapter, err := AdapterFor(provider.Name)
	if err != nil {
		return &Result{Outcome: OutcomeError, Message: err.Error()}, err
	}

	entries, err := c.runAdapter(ctx, *provider.BinPath, projectPath, adapter.ListArgs())
	if err != nil {
		wrapped := deverrors.Wrap(deverrors.CodeProviderCLIFailed,
			fmt.Sprintf("%s MCP list failed", provider.Name), err)
		return &Result{Outcome: OutcomeError, Message: wrapped.Error()}, wrapped
	}

	existing := findAlias(adapter.ParseList(entries), Alias)
	outcome := OutcomeAdded
	switch {
	case existing != nil && existing.Endpoint == c.endpoint:
		return &Result{Outcome: OutcomeAlreadyConfigured}, nil
	case existing != nil:
		if _, err := c.runAdapter(ctx, *provider.BinPath, projectPath, adapter.RemoveArgs(Alias)); err != nil {
			wrapped := deverrors.Wrap(deverrors.CodeProviderCLIFailed,
				fmt.Sprintf("%s MCP remove failed", provider.Name), err)
			return &Result{Outcome: OutcomeError, Message: wrapped.Error()}, wrapped
		}
		outcome = OutcomeFixedMismatch
	}

	if _, err := c.runAdapter(ctx, *provider.BinPath, projectPath, adapter.AddArgs(Alias, c.endpoint)); err != nil {
		wrapped := deverrors.Wrap(deverrors.CodeProviderCLIFailed,
			fmt.Sprintf("%s MCP add failed", provider.Name), err)
		return &Result{Outcome: OutcomeError, Message: wrapped.Error()}, wrapped
	}

	// Metadata and the allow-list merge are best effort; the provider
	// CLI is already reconciled.
	if err := c.store.UpdateProviderMcp(provider.ID, c.endpoint, time.Now().UTC()); err != nil {
		c.logger.Warn("record MCP registration", "provider", provider.Name, "error", err)
	}
	if strings.EqualFold(provider.Name, "claude") && projectPath != "" {
		if err := mergeClaudeAllowList(projectPath); err != nil {
			c.logger.Warn("merge claude allow-list", "project", projectPath, "error", err)
		}
	}
	if c.onChange != nil {
		c.onChange()
	}

	return &Result{Outcome: outcome}, nil
}

// EvaluateStatus reports pass/warn/fail for one provider's MCP state
// without changing anything. Missing or mismatched entries are warn
// (ensure can fix them); a failing list command is fail.
func (c *Coordinator) EvaluateStatus(ctx context.Context, provider *db.Provider, projectPath string) (string, string) {
	if provider.BinPath == nil || *provider.BinPath == "" {
		return "fail", "no binary path configured"
	}
	adapter, err := AdapterFor(provider.Name)
	if err != nil {
		return "fail", err.Error()
	}
	out, err := c.runAdapter(ctx, *provider.BinPath, projectPath, adapter.ListArgs())
	if err != nil {
		return "fail", fmt.Sprintf("MCP list failed: %v", err)
	}
	existing := findAlias(adapter.ParseList(out), Alias)
	switch {
	case existing == nil:
		return "warn", "devchain MCP server not registered"
	case existing.Endpoint != c.endpoint:
		return "warn", fmt.Sprintf("devchain MCP server points at %s, expected %s", existing.Endpoint, c.endpoint)
	}
	return "pass", ""
}

func (c *Coordinator) runAdapter(ctx context.Context, binPath, workDir string, args []string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.run.Run(cctx, workDir, binPath, args...)
}

func findAlias(entries []ServerEntry, alias string) *ServerEntry {
	for i := range entries {
		if entries[i].Alias == alias {
			return &entries[i]
		}
	}
	return nil
}

// mergeClaudeAllowList adds the devchain MCP tool to the project's
// local Claude settings, preserving everything else in the file.
func mergeClaudeAllowList(projectPath string) error {
	const allowEntry = "mcp__" + Alias

	dir := filepath.Join(projectPath, ".claude")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, "settings.local.json")

	settings := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	perms, _ := settings["permissions"].(map[string]any)
	if perms == nil {
		perms = map[string]any{}
	}
	allow, _ := perms["allow"].([]any)
	for _, entry := range allow {
		if s, ok := entry.(string); ok && s == allowEntry {
			return nil
		}
	}
	perms["allow"] = append(allow, allowEntry)
	settings["permissions"] = perms

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0644)
}
