// Package preflight runs cached readiness checks for session launches:
// tmux presence, provider binaries and options, MCP registration, and
// write access to the project's .devchain directory.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/devchain/devchain/internal/config"
	"github.com/devchain/devchain/internal/db"
)

// Status is one check's verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is a single named probe result.
type Check struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report aggregates all checks for one project scope.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// tmux needs 2.6 for the features the launcher relies on.
const (
	minTmuxMajor = 2
	minTmuxMinor = 6
)

// VersionProbe is the slice of the tmux wrapper the checker uses.
type VersionProbe interface {
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) (major, minor int, err error)
}

// McpEvaluator reports a provider's MCP registration state.
type McpEvaluator interface {
	EvaluateStatus(ctx context.Context, provider *db.Provider, projectPath string) (string, string)
}

// Checker runs the readiness probes with a per-scope result cache.
type Checker struct {
	store  *db.DB
	cfg    *config.Config
	tmux   VersionProbe
	mcp    McpEvaluator
	logger *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedReport
}

type cachedReport struct {
	report    *Report
	fetchedAt time.Time
}

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	Store  *db.DB
	Config *config.Config
	Tmux   VersionProbe
	Mcp    McpEvaluator
	Logger *slog.Logger
	TTL    time.Duration
}

// NewChecker wires a preflight checker.
func NewChecker(opts CheckerOptions) *Checker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = config.DefaultPreflightCacheTTL
	}
	return &Checker{
		store:  opts.Store,
		cfg:    opts.Config,
		tmux:   opts.Tmux,
		mcp:    opts.Mcp,
		logger: logger,
		ttl:    ttl,
		cache:  map[string]cachedReport{},
	}
}

// InvalidateCache drops every cached report.
func (c *Checker) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[string]cachedReport{}
}

// Run executes the checks for one project scope (empty projectPath is
// the global scope), serving cached results within the TTL. With
// SKIP_PREFLIGHT set the report is an unconditional pass.
func (c *Checker) Run(ctx context.Context, projectPath string) (*Report, error) {
	if c.cfg != nil && c.cfg.SkipPreflight {
		return &Report{Status: StatusPass, CheckedAt: time.Now().UTC()}, nil
	}

	c.mu.Lock()
	if cached, ok := c.cache[projectPath]; ok && time.Since(cached.fetchedAt) <= c.ttl {
		c.mu.Unlock()
		return cached.report, nil
	}
	c.mu.Unlock()

	report := &Report{CheckedAt: time.Now().UTC()}
	report.Checks = append(report.Checks, c.checkTmux(ctx))
	providerChecks, err := c.checkProviders(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	report.Checks = append(report.Checks, providerChecks...)
	if projectPath != "" {
		report.Checks = append(report.Checks, checkDevchainDir(projectPath))
	}
	report.Status = overall(report.Checks)

	c.mu.Lock()
	c.cache[projectPath] = cachedReport{report: report, fetchedAt: time.Now()}
	c.mu.Unlock()
	return report, nil
}

func (c *Checker) checkTmux(ctx context.Context) Check {
	check := Check{Name: "tmux"}
	if c.tmux == nil || !c.tmux.IsAvailable(ctx) {
		check.Status = StatusFail
		check.Message = "tmux not found on PATH"
		return check
	}
	major, minor, err := c.tmux.Version(ctx)
	if err != nil {
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("could not parse tmux version: %v", err)
		return check
	}
	check.Details = map[string]any{"version": fmt.Sprintf("%d.%d", major, minor)}
	if major < minTmuxMajor || (major == minTmuxMajor && minor < minTmuxMinor) {
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("tmux %d.%d is older than %d.%d; scrollback handling may degrade",
			major, minor, minTmuxMajor, minTmuxMinor)
		return check
	}
	check.Status = StatusPass
	return check
}

func (c *Checker) checkProviders(ctx context.Context, projectPath string) ([]Check, error) {
	providers, err := c.store.ListProviders()
	if err != nil {
		return nil, err
	}

	var checks []Check
	for _, provider := range providers {
		if c.cfg != nil && !c.cfg.ProviderEnabled(provider.Name) {
			continue
		}
		check := Check{Name: "provider:" + strings.ToLower(provider.Name), Status: StatusPass}
		var problems []string
		worst := StatusPass

		if msg := checkBinary(provider); msg != "" {
			problems = append(problems, msg)
			worst = StatusFail
		}

		profiles, err := c.store.ListProfilesByProvider(provider.ID)
		if err != nil {
			return nil, err
		}
		for _, profile := range profiles {
			if err := ValidateOptions(profile.Options); err != nil {
				problems = append(problems, fmt.Sprintf("profile %q: %v", profile.Name, err))
				worst = StatusFail
			}
		}

		if worst != StatusFail && c.mcp != nil {
			status, detail := c.mcp.EvaluateStatus(ctx, provider, projectPath)
			switch status {
			case "warn":
				problems = append(problems, detail)
				worst = worse(worst, StatusWarn)
			case "fail":
				problems = append(problems, detail)
				worst = StatusFail
			}
		}

		check.Status = worst
		check.Message = strings.Join(problems, "; ")
		checks = append(checks, check)
	}
	return checks, nil
}

// checkBinary verifies the provider binary is executable: an absolute
// path must carry an execute bit, anything else goes through PATH
// lookup.
func checkBinary(provider *db.Provider) string {
	if provider.BinPath == nil || *provider.BinPath == "" {
		return "no binary path configured"
	}
	bin := *provider.BinPath
	if filepath.IsAbs(bin) {
		info, err := os.Stat(bin)
		if err != nil {
			return fmt.Sprintf("binary %s: %v", bin, err)
		}
		if info.IsDir() || info.Mode().Perm()&0111 == 0 {
			return fmt.Sprintf("binary %s is not executable", bin)
		}
		return ""
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Sprintf("binary %q not found on PATH", bin)
	}
	return ""
}

// ValidateOptions checks that a profile option string parses as a
// POSIX argv list and carries no control characters.
func ValidateOptions(options string) error {
	if strings.ContainsAny(options, "\n\r") {
		return fmt.Errorf("options must not contain newlines")
	}
	for _, r := range options {
		if r < 0x20 && r != '\t' {
			return fmt.Errorf("options contain a control character")
		}
	}
	if _, err := shellquote.Split(options); err != nil {
		return fmt.Errorf("options are not a valid argument list: %w", err)
	}
	return nil
}

// ParseOptions splits a validated option string into argv.
func ParseOptions(options string) ([]string, error) {
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}
	return shellquote.Split(options)
}

// checkDevchainDir ensures .devchain under the project is writable,
// creating it when missing.
func checkDevchainDir(projectPath string) Check {
	check := Check{Name: ".devchain"}
	dir := filepath.Join(projectPath, ".devchain")
	if err := os.MkdirAll(dir, 0755); err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return check
	}
	probe, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("%s is not writable: %v", dir, err)
		return check
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	check.Status = StatusPass
	return check
}

func overall(checks []Check) Status {
	status := StatusPass
	for _, c := range checks {
		status = worse(status, c.Status)
	}
	return status
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusPass: 0, StatusWarn: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
