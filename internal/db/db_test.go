package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWorktreeRoundtrip(t *testing.T) {
	store := newTestDB(t)

	created, err := store.CreateWorktree(&Worktree{
		Name:           "feat-1",
		BranchName:     "devchain/feat-1",
		BaseBranch:     "main",
		RepoPath:       "/srv/repo",
		WorktreePath:   "/srv/repo/.devchain/worktrees/feat-1",
		OwnerProjectID: "p1",
		Status:         WorktreeStatusCreating,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, RuntimeContainer, created.RuntimeType, "container is the default runtime")

	got, err := store.GetWorktree(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "feat-1", got.Name)
	assert.Equal(t, WorktreeStatusCreating, got.Status)
	assert.Nil(t, got.ContainerPort)

	byName, err := store.GetWorktreeByName("feat-1")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, created.ID, byName.ID)
}

func TestGetWorktreeAbsentReturnsNilNil(t *testing.T) {
	store := newTestDB(t)

	got, err := store.GetWorktree("nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetWorktreeByName("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateWorktreeDuplicateNameInProject(t *testing.T) {
	store := newTestDB(t)

	_, err := store.CreateWorktree(&Worktree{Name: "feat-1", OwnerProjectID: "p1", Status: WorktreeStatusCreating})
	require.NoError(t, err)

	_, err = store.CreateWorktree(&Worktree{Name: "feat-1", OwnerProjectID: "p1", Status: WorktreeStatusCreating})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(errors.Unwrap(err)))

	// Same name in a different project is fine.
	_, err = store.CreateWorktree(&Worktree{Name: "feat-1", OwnerProjectID: "p2", Status: WorktreeStatusCreating})
	assert.NoError(t, err)
}

func TestUpdateWorktreePatchSemantics(t *testing.T) {
	store := newTestDB(t)

	wt, err := store.CreateWorktree(&Worktree{Name: "feat-1", OwnerProjectID: "p1", Status: WorktreeStatusCreating})
	require.NoError(t, err)

	status := WorktreeStatusError
	msg := "provision failed"
	wt, err = store.UpdateWorktree(wt.ID, WorktreePatch{Status: &status, ErrorMessage: &msg})
	require.NoError(t, err)
	assert.Equal(t, WorktreeStatusError, wt.Status)
	require.NotNil(t, wt.ErrorMessage)
	assert.Equal(t, "provision failed", *wt.ErrorMessage)

	// ClearError wipes error fields; untouched columns survive.
	running := WorktreeStatusRunning
	port := 34011
	wt, err = store.UpdateWorktree(wt.ID, WorktreePatch{Status: &running, ContainerPort: &port, ClearError: true})
	require.NoError(t, err)
	assert.Equal(t, WorktreeStatusRunning, wt.Status)
	assert.Nil(t, wt.ErrorMessage)
	require.NotNil(t, wt.ContainerPort)
	assert.Equal(t, 34011, *wt.ContainerPort)

	wt, err = store.UpdateWorktree(wt.ID, WorktreePatch{ClearContainer: true})
	require.NoError(t, err)
	assert.Nil(t, wt.ContainerPort)
	assert.Nil(t, wt.ContainerID)
}

func TestActiveSessionUniquePerAgent(t *testing.T) {
	store := newTestDB(t)

	first, err := store.InsertSession(&Session{AgentID: "a1", TmuxSessionID: "s-1", Status: SessionStatusRunning})
	require.NoError(t, err)

	_, err = store.InsertSession(&Session{AgentID: "a1", TmuxSessionID: "s-2", Status: SessionStatusRunning})
	assert.ErrorIs(t, err, ErrActiveSessionExists)

	// Ending the session frees the slot and stamps ended_at.
	require.NoError(t, store.UpdateSessionStatus(first.ID, SessionStatusEnded))
	got, err := store.GetSession(first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, SessionStatusEnded, got.Status)
	assert.NotNil(t, got.EndedAt)

	active, err := store.GetActiveSessionByAgent("a1")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = store.InsertSession(&Session{AgentID: "a1", TmuxSessionID: "s-3", Status: SessionStatusRunning})
	assert.NoError(t, err)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store := newTestDB(t)

	boom := errors.New("boom")
	err := store.RunInTx(context.Background(), func(tx *TxOps) error {
		now := FormatTime(time.Now())
		_, err := tx.Exec(`INSERT INTO projects (id, name, root_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"p1", "Shop", "/srv/shop", now, now)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetProject("p1")
	require.NoError(t, err)
	assert.Nil(t, got, "insert rolled back")
}

func TestDeleteEventsBefore(t *testing.T) {
	store := newTestDB(t)

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	_, err := store.InsertEvent(&EventLogEntry{Name: "orchestrator.worktree.activity", PublishedAt: old})
	require.NoError(t, err)
	_, err = store.InsertEvent(&EventLogEntry{Name: "orchestrator.worktree.activity"})
	require.NoError(t, err)
	_, err = store.InsertEvent(&EventLogEntry{Name: "session.started", PublishedAt: old})
	require.NoError(t, err)

	n, err := store.DeleteEventsBefore("orchestrator.worktree.activity", time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Other event names are untouched by the sweep.
	events, err := store.ListEvents(EventFilter{Name: "session.started"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTimeFormatRoundtrip(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 30, 15, 123456789, time.UTC)
	parsed, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(parsed))
}
