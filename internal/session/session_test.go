package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/mcp"
	"github.com/devchain/devchain/internal/preflight"
)

type fakeTmux struct {
	mu       sync.Mutex
	calls    []string
	existing map[string]bool
	allExist bool
	panePID  string
	pidErr   error
	newErr   error
	sent     []string
	pasted   []string
}

func (f *fakeTmux) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTmux) HasSession(_ context.Context, name string) (bool, error) {
	f.record("has:" + name)
	return f.allExist || f.existing[name], nil
}

func (f *fakeTmux) EnsureSessionFresh(_ context.Context, name, workDir string, aliveCheck func() bool) error {
	if f.allExist || f.existing[name] {
		if aliveCheck() {
			f.record("keep:" + name)
			return nil
		}
		f.record("kill:" + name)
		delete(f.existing, name)
		f.allExist = false
	}
	f.record("new:" + name + ":" + workDir)
	if f.newErr != nil {
		return f.newErr
	}
	f.existing[name] = true
	return nil
}

func (f *fakeTmux) GetPanePID(_ context.Context, name string) (string, error) {
	f.record("pid:" + name)
	if f.pidErr != nil {
		return "", f.pidErr
	}
	return f.panePID, nil
}

func (f *fakeTmux) DisableAlternateScreen(_ context.Context, name string) error {
	f.record("altscreen:" + name)
	return nil
}

func (f *fakeTmux) SendKeys(_ context.Context, session, keys string) error {
	f.record("send:" + session)
	f.mu.Lock()
	f.sent = append(f.sent, keys)
	f.mu.Unlock()
	return nil
}

func (f *fakeTmux) PasteText(_ context.Context, session, text string, settle time.Duration) error {
	f.record("paste:" + session)
	f.mu.Lock()
	f.pasted = append(f.pasted, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTmux) KillSession(_ context.Context, name string) error {
	f.record("kill:" + name)
	return nil
}

func (f *fakeTmux) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakePreflight struct {
	mu      sync.Mutex
	status  preflight.Status
	runs    int
}

func (f *fakePreflight) Run(context.Context, string) (*preflight.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return &preflight.Report{
		Status: f.status,
		Checks: []preflight.Check{{Name: "provider:claude", Status: f.status}},
	}, nil
}

type fakeEnsurer struct {
	calls   int
	fixes   *fakePreflight
	outcome mcp.Outcome
}

func (f *fakeEnsurer) Ensure(context.Context, string, string) (*mcp.Result, error) {
	f.calls++
	if f.fixes != nil {
		f.fixes.mu.Lock()
		f.fixes.status = preflight.StatusPass
		f.fixes.mu.Unlock()
	}
	outcome := f.outcome
	if outcome == "" {
		outcome = mcp.OutcomeAdded
	}
	return &mcp.Result{Outcome: outcome}, nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []string
	payloads []any
}

func (f *fakeBroadcaster) Broadcast(topic, msgType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, topic+"/"+msgType)
	f.payloads = append(f.payloads, payload)
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Publish(_ context.Context, name string, _ any, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
	return "evt-1", nil
}

type fixture struct {
	store    *db.DB
	tmux     *fakeTmux
	pf       *fakePreflight
	ensure   *fakeEnsurer
	rt       *fakeBroadcaster
	bus      *fakeBus
	launcher *Launcher

	project *db.Project
	agent   *db.Agent
	epic    *db.Epic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	prompt := "Hello {agent_name}, you are working on {project_name}: {epic_title}"
	project, err := store.CreateProject(&db.Project{
		Name: "Shop App", RootPath: t.TempDir(), InitialSessionPrompt: &prompt,
	})
	require.NoError(t, err)

	bin := "/usr/local/bin/claude"
	provider, err := store.CreateProvider(&db.Provider{Name: "Claude", BinPath: &bin})
	require.NoError(t, err)
	profile, err := store.CreateProfile(&db.AgentProfile{
		Name: "default", ProviderID: provider.ID, Options: `--model opus --permission-mode plan`,
	})
	require.NoError(t, err)
	agent, err := store.CreateAgent(&db.Agent{ProjectID: project.ID, Name: "Ada", ProfileID: &profile.ID})
	require.NoError(t, err)
	epic, err := store.InsertEpic(nil, &db.Epic{ProjectID: project.ID, Title: "Checkout Flow"})
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		tmux:    &fakeTmux{existing: map[string]bool{}},
		pf:      &fakePreflight{status: preflight.StatusPass},
		ensure:  &fakeEnsurer{},
		rt:      &fakeBroadcaster{},
		bus:     &fakeBus{},
		project: project,
		agent:   agent,
		epic:    epic,
	}
	f.launcher = NewLauncher(LauncherOptions{
		Store:            store,
		Tmux:             f.tmux,
		Preflight:        f.pf,
		Mcp:              f.ensure,
		Realtime:         f.rt,
		Bus:              f.bus,
		ClaudeConfigPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	return f
}

func (f *fixture) launch(t *testing.T) *LaunchResult {
	t.Helper()
	result, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: f.agent.ID, EpicID: f.epic.ID,
	})
	require.NoError(t, err)
	return result
}

func TestLaunchStartsSession(t *testing.T) {
	f := newFixture(t)
	result := f.launch(t)

	require.NotNil(t, result.Session)
	assert.False(t, result.Reused)
	assert.Equal(t, db.SessionStatusRunning, result.Session.Status)
	assert.Equal(t, "Ada", result.Agent.Name)

	name := result.Session.TmuxSessionID
	assert.Regexp(t, regexp.MustCompile(`^shop-app-checkout-flow-[0-9a-f]{8}-[0-9a-f]{8}$`), name)

	// Session created in the project root, argv sent, prompt pasted.
	assert.Equal(t, 1, f.tmux.countPrefix("new:"+name+":"+f.project.RootPath))
	assert.Equal(t, 1, f.tmux.countPrefix("altscreen:"))
	require.Len(t, f.tmux.sent, 1)
	assert.Equal(t, "/usr/local/bin/claude --model opus --permission-mode plan", f.tmux.sent[0])
	require.Len(t, f.tmux.pasted, 1)
	assert.Equal(t, "Hello Ada, you are working on Shop App: Checkout Flow", f.tmux.pasted[0])

	assert.Contains(t, f.bus.events, "session.started")
}

func TestLaunchIsIdempotentPerAgent(t *testing.T) {
	f := newFixture(t)
	first := f.launch(t)
	second := f.launch(t)

	assert.True(t, second.Reused)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, f.tmux.countPrefix("new:"), "no second tmux session")
	assert.Len(t, f.bus.events, 1, "session.started published once")
}

func TestLaunchBlocksOnClaudeAutoCompact(t *testing.T) {
	f := newFixture(t)
	configPath := filepath.Join(t.TempDir(), "claude.json")
	require.NoError(t, os.WriteFile(configPath,
		[]byte(`{"autoCompactEnabled": true, "theme": "dark"}`), 0644))
	f.launcher.claudeConfigPath = configPath

	_, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: f.agent.ID,
	})
	require.Error(t, err)
	devErr := deverrors.AsDevError(err)
	require.NotNil(t, devErr)
	assert.Equal(t, deverrors.CodeAutoCompactEnabled, devErr.Code)

	require.Len(t, f.rt.messages, 1)
	assert.Equal(t, "sessions/session_blocked", f.rt.messages[0])
	raw, err := json.Marshal(f.rt.payloads[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason":"claude_auto_compact"`)
	assert.Contains(t, string(raw), `"agentName":"Ada"`)

	active, err := f.store.GetActiveSessionByAgent(f.agent.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "no session row when blocked")
}

func TestLaunchAutoCompactDisabledProceeds(t *testing.T) {
	f := newFixture(t)
	configPath := filepath.Join(t.TempDir(), "claude.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"autoCompactEnabled": false}`), 0644))
	f.launcher.claudeConfigPath = configPath

	result := f.launch(t)
	assert.Equal(t, db.SessionStatusRunning, result.Session.Status)
}

func TestLaunchRetriesMcpEnsureOnce(t *testing.T) {
	f := newFixture(t)
	f.pf.status = preflight.StatusWarn
	f.ensure.fixes = f.pf

	result := f.launch(t)
	assert.Equal(t, 1, f.ensure.calls, "one ensure attempt fixed the warn")
	assert.Equal(t, db.SessionStatusRunning, result.Session.Status)
}

func TestLaunchFailsWhenMcpStaysBroken(t *testing.T) {
	f := newFixture(t)
	f.pf.status = preflight.StatusWarn

	_, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: f.agent.ID,
	})
	require.Error(t, err)
	devErr := deverrors.AsDevError(err)
	require.NotNil(t, devErr)
	assert.Equal(t, deverrors.CodeMcpNotConfigured, devErr.Code)
	assert.Equal(t, 1, f.ensure.calls)

	active, err := f.store.GetActiveSessionByAgent(f.agent.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestLaunchMarksSessionFailedOnTmuxError(t *testing.T) {
	f := newFixture(t)
	f.tmux.newErr = assert.AnError

	_, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: f.agent.ID,
	})
	require.Error(t, err)
	devErr := deverrors.AsDevError(err)
	require.NotNil(t, devErr)
	assert.Equal(t, deverrors.CodeMultiplexerFailed, devErr.Code)

	// The failed row is terminal, so a retry can insert a fresh one.
	active, err := f.store.GetActiveSessionByAgent(f.agent.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	f.tmux.newErr = nil
	result := f.launch(t)
	assert.Equal(t, db.SessionStatusRunning, result.Session.Status)
}

func TestLaunchReplacesDeadLeftoverSession(t *testing.T) {
	f := newFixture(t)
	// The name is taken but its pane pid cannot be resolved, so the
	// leftover is dead and gets replaced.
	f.tmux.allExist = true
	f.tmux.pidErr = assert.AnError

	result := f.launch(t)
	assert.Equal(t, db.SessionStatusRunning, result.Session.Status)

	name := result.Session.TmuxSessionID
	assert.Equal(t, 1, f.tmux.countPrefix("kill:"+name))
	assert.Equal(t, 1, f.tmux.countPrefix("new:"+name))
	require.Len(t, f.tmux.sent, 1)
}

func TestLaunchRefusesLiveSessionName(t *testing.T) {
	f := newFixture(t)
	// The pane pid resolves to a running process, so the name is a
	// genuine collision.
	f.tmux.allExist = true
	f.tmux.panePID = strconv.Itoa(os.Getpid())

	_, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: f.agent.ID,
	})
	require.Error(t, err)
	devErr := deverrors.AsDevError(err)
	require.NotNil(t, devErr)
	assert.Equal(t, deverrors.CodeMultiplexerFailed, devErr.Code)
	assert.Equal(t, 0, f.tmux.countPrefix("new:"), "nothing created")

	active, err := f.store.GetActiveSessionByAgent(f.agent.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "no session row on collision")
}

func TestLaunchUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.launcher.Launch(context.Background(), LaunchRequest{
		ProjectID: f.project.ID, AgentID: "nope",
	})
	require.Error(t, err)
	devErr := deverrors.AsDevError(err)
	require.NotNil(t, devErr)
	assert.Equal(t, deverrors.CodeAgentNotFound, devErr.Code)
}

func TestSessionNameDeterministic(t *testing.T) {
	a := SessionName("Shop App", "Checkout Flow", "aaaabbbb-cccc-dddd-eeee-ffff00001111", "11112222-3333-4444-5555-666677778888")
	b := SessionName("Shop App", "Checkout Flow", "aaaabbbb-cccc-dddd-eeee-ffff00001111", "11112222-3333-4444-5555-666677778888")
	assert.Equal(t, a, b)
	assert.Equal(t, "shop-app-checkout-flow-aaaabbbb-11112222", a)

	independent := SessionName("Shop App", "", "aaaabbbb-cccc-dddd-eeee-ffff00001111", "11112222-3333-4444-5555-666677778888")
	assert.Contains(t, independent, "-independent-")

	weird := SessionName("héllo wörld!!", "", "a", "b")
	assert.Regexp(t, regexp.MustCompile(`^[a-zA-Z0-9_-]+$`), weird)
}

func TestRenderPrompt(t *testing.T) {
	out := RenderPrompt("Hi {agent_name} on {project_name}", map[string]string{
		"agent_name": "Ada", "project_name": "Shop",
	}, "s-1", "Ada")
	assert.Equal(t, "Hi Ada on Shop", out)

	assert.Equal(t, "Session s-1 started for Ada",
		RenderPrompt("", nil, "s-1", "Ada"))
	assert.Equal(t, "Session s-1 started for Ada",
		RenderPrompt(strings.Repeat("x", 5000), nil, "s-1", "Ada"))
}
