package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []struct {
		topic, msgType string
	}
}

func (f *fakeBroadcaster) Broadcast(topic, msgType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, struct{ topic, msgType string }{topic, msgType})
}

func (f *fakeBroadcaster) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

func newTestBus(t *testing.T) (*Bus, *db.DB, *fakeBroadcaster) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rt := &fakeBroadcaster{}
	return NewBus(store, rt, nil), store, rt
}

func TestPublishUnknownName(t *testing.T) {
	bus, _, _ := newTestBus(t)

	_, err := bus.Publish(context.Background(), "no.such.event", map[string]any{}, "")
	require.Error(t, err)
	assert.Equal(t, deverrors.CodeInvalidEvent, deverrors.AsDevError(err).Code)
}

func TestPublishRejectsMissingFields(t *testing.T) {
	bus, _, _ := newTestBus(t)

	_, err := bus.Publish(context.Background(), WorktreeActivity, map[string]any{
		"worktreeId": "wt-1",
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ownerProjectId")
}

func TestPublishRejectsNonObjectPayload(t *testing.T) {
	bus, _, _ := newTestBus(t)

	_, err := bus.Publish(context.Background(), WorktreeMerged, []string{"nope"}, "")
	require.Error(t, err)
}

func TestPublishPersistsAndBroadcasts(t *testing.T) {
	bus, store, rt := newTestBus(t)

	id, err := bus.Publish(context.Background(), WorktreeMerged, map[string]any{
		"worktreeId":  "wt-1",
		"mergeCommit": "abc123",
	}, "req-9")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rows, err := store.ListEvents(db.EventFilter{Name: WorktreeMerged})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	require.NotNil(t, rows[0].RequestID)
	assert.Equal(t, "req-9", *rows[0].RequestID)

	assert.Equal(t, 1, rt.count("event_created"))
}

func TestHandlerRowsMatchSubscribers(t *testing.T) {
	bus, store, rt := newTestBus(t)

	var ran []string
	require.NoError(t, bus.Subscribe(WorktreeActivity, "overview-invalidate", func(_ context.Context, _ json.RawMessage) error {
		ran = append(ran, "overview-invalidate")
		return nil
	}))
	require.NoError(t, bus.Subscribe(WorktreeActivity, "audit", func(_ context.Context, _ json.RawMessage) error {
		ran = append(ran, "audit")
		return errors.New("audit sink down")
	}))
	require.NoError(t, bus.Subscribe(WorktreeActivity, "notify", func(_ context.Context, _ json.RawMessage) error {
		ran = append(ran, "notify")
		return nil
	}))

	id, err := bus.Publish(context.Background(), WorktreeActivity, map[string]any{
		"worktreeId":     "wt-1",
		"ownerProjectId": "p-1",
		"type":           "started",
	}, "")
	require.NoError(t, err)

	// A failing handler does not stop the rest.
	assert.Equal(t, []string{"overview-invalidate", "audit", "notify"}, ran)

	recs, err := store.ListHandlerRecords(id)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byHandler := map[string]*db.HandlerRecord{}
	for _, r := range recs {
		byHandler[r.Handler] = r
	}
	assert.Equal(t, db.HandlerStatusSuccess, byHandler["overview-invalidate"].Status)
	assert.Equal(t, db.HandlerStatusFailure, byHandler["audit"].Status)
	require.NotNil(t, byHandler["audit"].Detail)
	assert.Contains(t, *byHandler["audit"].Detail, "audit sink down")

	assert.Equal(t, 3, rt.count("handler_recorded"))
}

func TestSubscribeUnknownEvent(t *testing.T) {
	bus, _, _ := newTestBus(t)
	err := bus.Subscribe("bogus", "h", func(context.Context, json.RawMessage) error { return nil })
	require.Error(t, err)
}

func TestListFilterByOwnerProject(t *testing.T) {
	bus, _, _ := newTestBus(t)

	for _, owner := range []string{"p-1", "p-2", "p-1"} {
		_, err := bus.Publish(context.Background(), WorktreeActivity, map[string]any{
			"worktreeId":     "wt",
			"ownerProjectId": owner,
			"type":           "started",
		}, "")
		require.NoError(t, err)
	}

	rows, err := bus.List(db.EventFilter{Name: WorktreeActivity, OwnerProjectID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRetentionSweepDeletesOldActivity(t *testing.T) {
	bus, store, _ := newTestBus(t)

	old := &db.EventLogEntry{
		Name:        WorktreeActivity,
		Payload:     json.RawMessage(`{"worktreeId":"wt-1","ownerProjectId":"p-1","type":"started"}`),
		PublishedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	_, err := store.InsertEvent(old)
	require.NoError(t, err)

	// Merged events have no retention and must survive any age.
	oldMerged := &db.EventLogEntry{
		Name:        WorktreeMerged,
		Payload:     json.RawMessage(`{"worktreeId":"wt-1","mergeCommit":"abc"}`),
		PublishedAt: time.Now().UTC().Add(-365 * 24 * time.Hour),
	}
	_, err = store.InsertEvent(oldMerged)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), WorktreeActivity, map[string]any{
		"worktreeId":     "wt-1",
		"ownerProjectId": "p-1",
		"type":           "stopped",
	}, "")
	require.NoError(t, err)

	bus.SweepRetention(time.Now().UTC())

	activity, err := store.ListEvents(db.EventFilter{Name: WorktreeActivity})
	require.NoError(t, err)
	assert.Len(t, activity, 1)

	merged, err := store.ListEvents(db.EventFilter{Name: WorktreeMerged})
	require.NoError(t, err)
	assert.Len(t, merged, 1)
}
