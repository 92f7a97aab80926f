package worktree

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/git"
)

type fakeGit struct {
	mu            sync.Mutex
	calls         []string
	worktreesRoot string

	createErr   error
	treeClean   bool
	treeOutput  string
	mergeResult *git.MergeResult
	mergeErr    error
	rebaseErr   error
}

func (f *fakeGit) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGit) CreateWorktree(_ context.Context, req git.CreateWorktreeRequest) (*git.CreatedWorktree, error) {
	f.record("create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	path := req.WorktreePath
	if path == "" {
		path = f.DefaultWorktreePath(req.Name)
	}
	_ = os.MkdirAll(path, 0755)
	return &git.CreatedWorktree{Name: req.Name, Path: path, Branch: req.BranchName}, nil
}

func (f *fakeGit) RemoveWorktree(context.Context, string, string, bool) error {
	f.record("remove")
	return nil
}

func (f *fakeGit) DeleteBranch(context.Context, string, string, bool) error {
	f.record("delete-branch")
	return nil
}

func (f *fakeGit) WorkingTreeStatus(context.Context, string) (*git.TreeStatus, error) {
	f.record("status")
	return &git.TreeStatus{Clean: f.treeClean, Output: f.treeOutput}, nil
}

func (f *fakeGit) BranchStatus(context.Context, string, string, string) (*git.BranchStatus, error) {
	f.record("branch-status")
	return &git.BranchStatus{CommitsAhead: 3, CommitsBehind: 1}, nil
}

func (f *fakeGit) ExecuteMerge(context.Context, string, string, string, string) (*git.MergeResult, error) {
	f.record("merge")
	return f.mergeResult, f.mergeErr
}

func (f *fakeGit) ExecuteRebase(context.Context, string, string, string) (*git.MergeResult, error) {
	f.record("rebase")
	if f.rebaseErr != nil {
		return nil, f.rebaseErr
	}
	return &git.MergeResult{Commit: "rebased"}, nil
}

func (f *fakeGit) PruneWorktrees(context.Context, string) error {
	f.record("prune")
	return nil
}

func (f *fakeGit) DefaultWorktreePath(name string) string {
	return filepath.Join(f.worktreesRoot, name)
}

type fakeRuntime struct {
	mu        sync.Mutex
	calls     []string
	port      int
	provErr   error
	startErr  error
	stopErr   error
	removeErr error
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRuntime) Provision(context.Context, *db.Worktree) (string, int, error) {
	f.record("provision")
	if f.provErr != nil {
		return "", 0, f.provErr
	}
	return "cid-123", f.port, nil
}

func (f *fakeRuntime) Start(context.Context, *db.Worktree) error {
	f.record("start")
	return f.startErr
}

func (f *fakeRuntime) Stop(context.Context, *db.Worktree) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeRuntime) Remove(context.Context, *db.Worktree) error {
	f.record("remove")
	return f.removeErr
}

type fakeTaskMerger struct {
	mu     sync.Mutex
	called []string
	err    error
}

func (f *fakeTaskMerger) MergeFromContainer(_ context.Context, worktreeID string) error {
	f.mu.Lock()
	f.called = append(f.called, worktreeID)
	f.mu.Unlock()
	return f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []struct {
		name    string
		payload map[string]any
	}
}

func (f *fakePublisher) Publish(_ context.Context, name string, payload any, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := payload.(map[string]any)
	f.events = append(f.events, struct {
		name    string
		payload map[string]any
	}{name, m})
	return "evt-1", nil
}

func (f *fakePublisher) activityTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.name == "orchestrator.worktree.activity" {
			out = append(out, e.payload["type"].(string))
		}
	}
	return out
}

type broadcastErr struct {
	code       string
	message    string
	statusCode int
	details    map[string]any
}

type fakeErrorBroadcaster struct {
	mu     sync.Mutex
	errors []broadcastErr
}

func (f *fakeErrorBroadcaster) BroadcastError(code, message string, statusCode int, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, broadcastErr{code, message, statusCode, details})
}

type harness struct {
	svc     *Service
	store   *db.DB
	git     *fakeGit
	runtime *fakeRuntime
	merger  *fakeTaskMerger
	bus     *fakePublisher
	rt      *fakeErrorBroadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthSrv.Close)
	u, err := url.Parse(healthSrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	h := &harness{
		store:   store,
		git:     &fakeGit{worktreesRoot: t.TempDir(), treeClean: true},
		runtime: &fakeRuntime{port: port},
		merger:  &fakeTaskMerger{},
		bus:     &fakePublisher{},
		rt:      &fakeErrorBroadcaster{},
	}
	h.svc = NewService(ServiceOptions{
		Store:       store,
		Git:         h.git,
		Container:   h.runtime,
		Process:     NewProcessRuntime(t.TempDir()),
		TaskMerge:   h.merger,
		Bus:         h.bus,
		Realtime:    h.rt,
		RepoRoot:    t.TempDir(),
		HealthTotal: 2 * time.Second,
	})
	return h
}

func (h *harness) create(t *testing.T, name string) *db.Worktree {
	t.Helper()
	wt, err := h.svc.Create(context.Background(), CreateRequest{
		Name:           name,
		BranchName:     "wt/" + name,
		BaseBranch:     "main",
		OwnerProjectID: "proj-1",
	})
	require.NoError(t, err)
	return wt
}

func TestCreateLifecycle(t *testing.T) {
	h := newHarness(t)

	wt := h.create(t, "feat-1")
	assert.Equal(t, db.WorktreeStatusRunning, wt.Status)
	require.NotNil(t, wt.ContainerPort)
	require.NotNil(t, wt.ContainerID)
	assert.Equal(t, "cid-123", *wt.ContainerID)
	assert.Equal(t, []string{"started"}, h.bus.activityTypes())
}

func TestCreateDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feat-1")

	_, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "feat-1", BranchName: "wt/other", BaseBranch: "main", OwnerProjectID: "proj-1",
	})
	require.Error(t, err)
	assert.Equal(t, deverrors.CodeWorktreeExists, deverrors.AsDevError(err).Code)
}

func TestCreateFailureParksInError(t *testing.T) {
	h := newHarness(t)
	h.git.createErr = errors.New("fatal: base branch missing")

	_, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "broken", BranchName: "wt/broken", BaseBranch: "nope", OwnerProjectID: "proj-1",
	})
	require.Error(t, err)

	rows, err := h.store.ListWorktrees()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.WorktreeStatusError, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "base branch missing")
	assert.Equal(t, []string{"errored"}, h.bus.activityTypes())

	// The failure is pushed to realtime consumers as a system error.
	require.Len(t, h.rt.errors, 1)
	be := h.rt.errors[0]
	assert.Equal(t, "INTERNAL", be.code)
	assert.Equal(t, 500, be.statusCode)
	assert.Contains(t, be.message, "base branch missing")
	assert.Equal(t, "broken", be.details["worktreeName"])
}

func TestStartRequiresStoppedOrError(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")

	_, err := h.svc.Start(context.Background(), wt.ID)
	require.Error(t, err)
	assert.Equal(t, deverrors.CodeWorktreeInvalidState, deverrors.AsDevError(err).Code)
}

func TestStopStartRoundTrip(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")

	stopped, err := h.svc.Stop(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusStopped, stopped.Status)

	started, err := h.svc.Start(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusRunning, started.Status)
	assert.Equal(t, []string{"started", "stopped", "started"}, h.bus.activityTypes())
}

func TestMergeDirtyTreeRejected(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	h.git.treeClean = false
	h.git.treeOutput = " M main.go"

	_, err := h.svc.Merge(context.Background(), wt.ID)
	require.Error(t, err)
	assert.Equal(t, deverrors.CodeGitDirty, deverrors.AsDevError(err).Code)
	assert.Empty(t, h.merger.called, "no task extraction on failed precondition")
}

func TestMergeExtractsTasksBeforeGitMerge(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	h.git.mergeResult = &git.MergeResult{Commit: "cafe01"}

	merged, err := h.svc.Merge(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusMerged, merged.Status)
	require.NotNil(t, merged.MergeCommit)
	assert.Equal(t, "cafe01", *merged.MergeCommit)

	require.Equal(t, []string{wt.ID}, h.merger.called)

	// Extraction happened before the merge command.
	var mergeIdx, statusIdx int
	for i, call := range h.git.calls {
		switch call {
		case "merge":
			mergeIdx = i
		case "status":
			statusIdx = i
		}
	}
	assert.Greater(t, mergeIdx, statusIdx)

	var sawMergedEvent bool
	for _, e := range h.bus.events {
		if e.name == "orchestrator.worktree.merged" {
			sawMergedEvent = true
			assert.Equal(t, "cafe01", e.payload["mergeCommit"])
		}
	}
	assert.True(t, sawMergedEvent)
}

func TestMergeConflictParksInError(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	h.git.mergeResult = &git.MergeResult{Conflicts: []string{"a.go", "b.go"}}
	h.git.mergeErr = deverrors.New(deverrors.CodeMergeConflicts, "merge has conflicts")

	_, err := h.svc.Merge(context.Background(), wt.ID)
	require.Error(t, err)

	row, err := h.store.GetWorktree(wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusError, row.Status)
	require.NotNil(t, row.MergeConflicts)
	assert.Contains(t, *row.MergeConflicts, "a.go")
}

func TestMergeTaskExtractionFailureAborts(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	h.merger.err = deverrors.New(deverrors.CodeContainerFailed, "container unreachable")

	_, err := h.svc.Merge(context.Background(), wt.ID)
	require.Error(t, err)

	for _, call := range h.git.calls {
		assert.NotEqual(t, "merge", call, "git merge must not run when extraction fails")
	}
	row, err := h.store.GetWorktree(wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusError, row.Status)

	require.Len(t, h.rt.errors, 1)
	be := h.rt.errors[0]
	assert.Equal(t, "CONTAINER_UNREACHABLE", be.code)
	assert.Equal(t, 400, be.statusCode)
	assert.Equal(t, wt.ID, be.details["worktreeId"])
}

func TestRebaseKeepsRunning(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")

	result, err := h.svc.Rebase(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, "rebased", result.Commit)

	row, err := h.store.GetWorktree(wt.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorktreeStatusRunning, row.Status)
}

func TestDeleteBlockedWhileMerging(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	merging := db.WorktreeStatusMerging
	_, err := h.store.UpdateWorktree(wt.ID, db.WorktreePatch{Status: &merging})
	require.NoError(t, err)

	err = h.svc.Delete(context.Background(), wt.ID, DeleteOptions{})
	require.Error(t, err)
	assert.Equal(t, deverrors.CodeWorktreeInvalidState, deverrors.AsDevError(err).Code)
}

func TestDeleteProceedsWhenRuntimeStopFails(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")
	h.runtime.stopErr = errors.New("docker daemon down")
	h.runtime.removeErr = errors.New("docker daemon down")

	err := h.svc.Delete(context.Background(), wt.ID, DeleteOptions{DeleteBranch: true, Force: true})
	require.NoError(t, err)

	row, err := h.store.GetWorktree(wt.ID)
	require.NoError(t, err)
	assert.Nil(t, row, "row removed despite runtime failure")
}

func TestDeletePrunesStaleRegistrations(t *testing.T) {
	h := newHarness(t)
	wt := h.create(t, "feat-1")

	require.NoError(t, h.svc.Delete(context.Background(), wt.ID, DeleteOptions{}))

	var sawRemove, sawPrune bool
	for _, call := range h.git.calls {
		switch call {
		case "remove":
			sawRemove = true
		case "prune":
			assert.True(t, sawRemove, "prune runs after worktree removal")
			sawPrune = true
		}
	}
	assert.True(t, sawPrune)
}
