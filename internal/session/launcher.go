package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/tidwall/gjson"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/events"
	"github.com/devchain/devchain/internal/mcp"
	"github.com/devchain/devchain/internal/preflight"
)

// pasteSettle is the delay between bracketed-paste and the Enter that
// submits the initial prompt.
const pasteSettle = 250 * time.Millisecond

// TmuxOps is the slice of the tmux wrapper the launcher drives.
type TmuxOps interface {
	HasSession(ctx context.Context, name string) (bool, error)
	EnsureSessionFresh(ctx context.Context, name, workDir string, aliveCheck func() bool) error
	GetPanePID(ctx context.Context, name string) (string, error)
	DisableAlternateScreen(ctx context.Context, name string) error
	SendKeys(ctx context.Context, session, keys string) error
	PasteText(ctx context.Context, session, text string, settle time.Duration) error
	KillSession(ctx context.Context, name string) error
}

// Preflighter runs the cached readiness checks.
type Preflighter interface {
	Run(ctx context.Context, projectPath string) (*preflight.Report, error)
}

// Ensurer reconciles a provider's MCP registration.
type Ensurer interface {
	Ensure(ctx context.Context, providerID, projectPath string) (*mcp.Result, error)
}

// Broadcaster pushes realtime messages to connected clients.
type Broadcaster interface {
	Broadcast(topic, msgType string, payload any)
}

// Launcher starts provider sessions. Every public method body runs
// under the agent lock; callers must not already hold it.
type Launcher struct {
	store     *db.DB
	tmux      TmuxOps
	locks     *AgentLocks
	preflight Preflighter
	mcp       Ensurer
	rt        Broadcaster
	bus       events.Publisher
	logger    *slog.Logger

	claudeConfigPath string
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	Store     *db.DB
	Tmux      TmuxOps
	Locks     *AgentLocks
	Preflight Preflighter
	Mcp       Ensurer
	Realtime  Broadcaster
	Bus       events.Publisher
	Logger    *slog.Logger

	// ClaudeConfigPath overrides the user-level Claude config location,
	// default ~/.claude.json.
	ClaudeConfigPath string
}

// NewLauncher wires a session launcher.
func NewLauncher(opts LauncherOptions) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewAgentLocks()
	}
	claudeConfig := opts.ClaudeConfigPath
	if claudeConfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			claudeConfig = filepath.Join(home, ".claude.json")
		}
	}
	return &Launcher{
		store:            opts.Store,
		tmux:             opts.Tmux,
		locks:            locks,
		preflight:        opts.Preflight,
		mcp:              opts.Mcp,
		rt:               opts.Realtime,
		bus:              opts.Bus,
		logger:           logger,
		claudeConfigPath: claudeConfig,
	}
}

// LaunchRequest carries the inputs for Launch.
type LaunchRequest struct {
	ProjectID string
	AgentID   string
	EpicID    string
	Silent    bool
}

// LaunchResult is the launched (or re-used) session plus its context.
type LaunchResult struct {
	Session *db.Session `json:"session"`
	Agent   *db.Agent   `json:"agent"`
	Epic    *db.Epic    `json:"epic,omitempty"`
	Reused  bool        `json:"reused"`
}

// Launch starts a provider session for one agent, idempotently: an
// existing active session is returned as-is.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	var result *LaunchResult
	err := l.locks.WithAgentLock(ctx, req.AgentID, func() error {
		var lockErr error
		result, lockErr = l.launch(ctx, req)
		return lockErr
	})
	return result, err
}

func (l *Launcher) launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	agent, err := l.store.GetAgent(req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, deverrors.Newf(deverrors.CodeAgentNotFound, "agent %s not found", req.AgentID)
	}

	// Idempotent: an active session wins over everything else.
	if active, err := l.store.GetActiveSessionByAgent(agent.ID); err != nil {
		return nil, err
	} else if active != nil {
		return &LaunchResult{Session: active, Agent: agent, Reused: true}, nil
	}

	project, err := l.store.GetProject(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, deverrors.Newf(deverrors.CodeProjectNotFound, "project %s not found", req.ProjectID)
	}

	var epic *db.Epic
	if req.EpicID != "" {
		if epic, err = l.store.GetEpic(req.EpicID); err != nil {
			return nil, err
		}
	}

	profile, provider, err := l.loadProviderConfig(agent)
	if err != nil {
		return nil, err
	}
	argv, err := preflight.ParseOptions(profile.Options)
	if err != nil {
		return nil, deverrors.Wrap(deverrors.CodeInvalidOptions,
			fmt.Sprintf("profile %q options", profile.Name), err)
	}

	// The auto-compact gate runs before preflight so the UI sees the
	// block immediately.
	if err := l.checkClaudeAutoCompact(agent, provider, req.Silent); err != nil {
		return nil, err
	}

	if err := l.ensureMcpReady(ctx, provider, project); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	epicSlug := ""
	if epic != nil {
		epicSlug = epic.Title
	}
	name := SessionName(project.Name, epicSlug, agent.ID, sessionID)
	if taken, err := l.tmux.HasSession(ctx, name); err != nil {
		return nil, deverrors.Wrap(deverrors.CodeMultiplexerFailed, "tmux session check failed", err)
	} else if taken && l.paneAlive(ctx, name) {
		// A dead leftover with this name is replaced in startProvider;
		// a live one is a genuine collision.
		return nil, deverrors.Newf(deverrors.CodeMultiplexerFailed, "tmux session %q already exists", name)
	}

	row := &db.Session{
		ID:            sessionID,
		AgentID:       agent.ID,
		TmuxSessionID: name,
		Status:        db.SessionStatusRunning,
	}
	if req.EpicID != "" {
		row.EpicID = &req.EpicID
	}
	row, err = l.store.InsertSession(row)
	if errors.Is(err, db.ErrActiveSessionExists) {
		// Crash recovery: another path won the partial unique index.
		// Nothing was created in tmux yet, so just adopt the winner.
		existing, loadErr := l.store.GetActiveSessionByAgent(agent.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if existing != nil {
			return &LaunchResult{Session: existing, Agent: agent, Epic: epic, Reused: true}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := l.startProvider(ctx, row, project, provider, argv); err != nil {
		return nil, err
	}
	l.sendInitialPrompt(ctx, row, project, agent, epic)

	if l.bus != nil {
		if _, err := l.bus.Publish(ctx, events.SessionStarted, map[string]any{
			"sessionId":       row.ID,
			"agentId":         agent.ID,
			"tmuxSessionName": name,
			"projectId":       project.ID,
		}, ""); err != nil {
			l.logger.Warn("publish session started", "session", row.ID, "error", err)
		}
	}
	return &LaunchResult{Session: row, Agent: agent, Epic: epic}, nil
}

func (l *Launcher) loadProviderConfig(agent *db.Agent) (*db.AgentProfile, *db.Provider, error) {
	if agent.ProfileID == nil {
		return nil, nil, deverrors.Newf(deverrors.CodeInvalidOptions,
			"agent %s has no profile; cannot choose a provider", agent.Name)
	}
	profile, err := l.store.GetProfile(*agent.ProfileID)
	if err != nil {
		return nil, nil, err
	}
	if profile == nil {
		return nil, nil, deverrors.Newf(deverrors.CodeInvalidOptions, "profile %s not found", *agent.ProfileID)
	}
	provider, err := l.store.GetProvider(profile.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if provider == nil {
		return nil, nil, deverrors.Newf(deverrors.CodeProviderNotFound, "provider %s not found", profile.ProviderID)
	}
	if provider.BinPath == nil || *provider.BinPath == "" {
		return nil, nil, deverrors.Newf(deverrors.CodeBinaryMissing,
			"provider %s has no binary path", provider.Name)
	}
	return profile, provider, nil
}

// checkClaudeAutoCompact blocks the launch while Claude's user config
// has auto-compact enabled, broadcasting the block to the UI first.
func (l *Launcher) checkClaudeAutoCompact(agent *db.Agent, provider *db.Provider, silent bool) error {
	if !strings.EqualFold(provider.Name, "claude") {
		return nil
	}
	path := l.claudeConfigPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".claude.json")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		// No config to inspect; nothing to gate on.
		return nil
	}
	enabled := gjson.GetBytes(raw, "autoCompactEnabled")
	if !enabled.Exists() || !enabled.Bool() {
		return nil
	}

	if l.rt != nil {
		l.rt.Broadcast("sessions", "session_blocked", map[string]any{
			"reason":       "claude_auto_compact",
			"agentId":      agent.ID,
			"agentName":    agent.Name,
			"providerId":   provider.ID,
			"providerName": provider.Name,
			"silent":       silent,
		})
	}
	return deverrors.Newf(deverrors.CodeAutoCompactEnabled,
		"claude auto-compact is enabled; disable it before launching sessions")
}

// ensureMcpReady runs preflight and, when the provider check is not
// passing, attempts one MCP-ensure before re-checking.
func (l *Launcher) ensureMcpReady(ctx context.Context, provider *db.Provider, project *db.Project) error {
	if l.preflight == nil {
		return nil
	}
	status, err := l.providerCheckStatus(ctx, provider, project.RootPath)
	if err != nil {
		return err
	}
	if status == preflight.StatusPass {
		return nil
	}

	if l.mcp != nil {
		if result, err := l.mcp.Ensure(ctx, provider.ID, project.RootPath); err != nil {
			outcome := mcp.OutcomeError
			if result != nil {
				outcome = result.Outcome
			}
			l.logger.Warn("mcp ensure during launch failed",
				"provider", provider.Name, "outcome", outcome, "error", err)
		}
	}

	status, err = l.providerCheckStatus(ctx, provider, project.RootPath)
	if err != nil {
		return err
	}
	if status != preflight.StatusPass {
		return deverrors.Newf(deverrors.CodeMcpNotConfigured,
			"provider %s is not ready: MCP registration could not be ensured", provider.Name)
	}
	return nil
}

func (l *Launcher) providerCheckStatus(ctx context.Context, provider *db.Provider, projectPath string) (preflight.Status, error) {
	report, err := l.preflight.Run(ctx, projectPath)
	if err != nil {
		return preflight.StatusFail, err
	}
	name := "provider:" + strings.ToLower(provider.Name)
	for _, check := range report.Checks {
		if check.Name == name {
			return check.Status, nil
		}
	}
	// SKIP_PREFLIGHT or a filtered provider yields no check to fail on.
	return preflight.StatusPass, nil
}

// paneAlive reports whether the session's pane process still exists.
// Any lookup failure counts as dead: a session whose pane pid cannot
// be resolved is a leftover worth replacing.
func (l *Launcher) paneAlive(ctx context.Context, name string) bool {
	pidStr, err := l.tmux.GetPanePID(ctx, name)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// startProvider creates the tmux session and sends the provider argv,
// replacing any dead leftover session holding the same name.
// A multiplexer failure marks the session row failed.
func (l *Launcher) startProvider(ctx context.Context, row *db.Session, project *db.Project, provider *db.Provider, argv []string) error {
	fail := func(what string, err error) error {
		if uerr := l.store.UpdateSessionStatus(row.ID, db.SessionStatusFailed); uerr != nil {
			l.logger.Error("mark session failed", "session", row.ID, "error", uerr)
		}
		_ = l.tmux.KillSession(context.WithoutCancel(ctx), row.TmuxSessionID)
		return deverrors.Wrap(deverrors.CodeMultiplexerFailed, what, err)
	}

	alive := func() bool { return l.paneAlive(ctx, row.TmuxSessionID) }
	if err := l.tmux.EnsureSessionFresh(ctx, row.TmuxSessionID, project.RootPath, alive); err != nil {
		return fail("tmux session creation failed", err)
	}
	if err := l.tmux.DisableAlternateScreen(ctx, row.TmuxSessionID); err != nil {
		l.logger.Warn("disable alternate screen", "session", row.ID, "error", err)
	}

	command := shellquote.Join(append([]string{*provider.BinPath}, argv...)...)
	if err := l.tmux.SendKeys(ctx, row.TmuxSessionID, command); err != nil {
		return fail("sending provider command failed", err)
	}
	return nil
}

// sendInitialPrompt renders and pastes the project's initial prompt.
// Prompt delivery is best effort; the session is already running.
func (l *Launcher) sendInitialPrompt(ctx context.Context, row *db.Session, project *db.Project, agent *db.Agent, epic *db.Epic) {
	template := ""
	if project.InitialSessionPrompt != nil {
		template = *project.InitialSessionPrompt
	}
	vars := map[string]string{
		"agent_name":   agent.Name,
		"project_name": project.Name,
	}
	if epic != nil {
		vars["epic_title"] = epic.Title
	}
	prompt := RenderPrompt(template, vars, row.ID, agent.Name)

	if err := l.tmux.PasteText(ctx, row.TmuxSessionID, prompt, pasteSettle); err != nil {
		l.logger.Warn("paste initial prompt", "session", row.ID, "error", err)
	}
}
