// Package events implements publish-and-record semantics: every
// published event is validated against a static registry, persisted to
// the event log, broadcast on the realtime channel, and dispatched to
// its registered handlers with a durable outcome row per handler.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/realtime"
)

// Event names known to the registry.
const (
	SessionStarted     = "session.started"
	WorktreeActivity   = "orchestrator.worktree.activity"
	WorktreeMerged     = "orchestrator.worktree.merged"
	TaskMergeRequested = "worktree.task-merge-requested"
)

// Definition describes one registered event name.
type Definition struct {
	Name string
	// Required payload fields; values may be any JSON type but the
	// keys must be present.
	Required []string
	// Retention bounds how long rows are kept; zero means forever.
	Retention time.Duration
}

// registry is the static set of publishable events.
var registry = map[string]Definition{
	SessionStarted: {
		Name:     SessionStarted,
		Required: []string{"sessionId", "agentId", "tmuxSessionName"},
	},
	WorktreeActivity: {
		Name:      WorktreeActivity,
		Required:  []string{"worktreeId", "ownerProjectId", "type"},
		Retention: 30 * 24 * time.Hour,
	},
	WorktreeMerged: {
		Name:     WorktreeMerged,
		Required: []string{"worktreeId", "mergeCommit"},
	},
	TaskMergeRequested: {
		Name:     TaskMergeRequested,
		Required: []string{"worktreeId"},
	},
}

// Handler processes one published event.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any, requestID string) (string, error)
}

// Bus validates, persists, broadcasts, and dispatches events.
type Bus struct {
	db     *db.DB
	rt     realtime.Broadcaster
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]namedHandler
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus creates a Bus backed by the given store and realtime channel.
func NewBus(store *db.DB, rt realtime.Broadcaster, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		db:       store,
		rt:       rt,
		logger:   logger,
		handlers: make(map[string][]namedHandler),
	}
}

// Subscribe registers a named handler for an event name. Registration
// happens at component construction; there is no unsubscribe.
func (b *Bus) Subscribe(eventName, handlerName string, fn Handler) error {
	if _, ok := registry[eventName]; !ok {
		return deverrors.Newf(deverrors.CodeInvalidEvent, "unknown event name %q", eventName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], namedHandler{name: handlerName, fn: fn})
	return nil
}

// Publish validates and persists one event, broadcasts event_created,
// then runs every registered handler, recording one handler row per
// subscriber. A failing handler records a failure row and does not
// prevent the remaining handlers from running. Returns the event id.
func (b *Bus) Publish(ctx context.Context, name string, payload any, requestID string) (string, error) {
	def, ok := registry[name]
	if !ok {
		return "", deverrors.Newf(deverrors.CodeInvalidEvent, "unknown event name %q", name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", deverrors.Wrap(deverrors.CodeInvalidEvent, "marshal event payload", err)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return "", deverrors.Newf(deverrors.CodeInvalidEvent, "event %s payload must be a JSON object", name)
	}
	for _, field := range def.Required {
		if !gjson.GetBytes(raw, field).Exists() {
			return "", deverrors.Newf(deverrors.CodeInvalidEvent,
				"event %s payload missing required field %q", name, field)
		}
	}

	entry := &db.EventLogEntry{Name: name, Payload: raw}
	if requestID != "" {
		entry.RequestID = &requestID
	}
	entry, err = b.db.InsertEvent(entry)
	if err != nil {
		return "", err
	}

	// The emitted payload carries the generated id.
	emitted := map[string]any{}
	_ = json.Unmarshal(raw, &emitted)
	emitted["eventId"] = entry.ID

	if b.rt != nil {
		b.rt.Broadcast("events/logs", "event_created", map[string]any{
			"id":          entry.ID,
			"name":        name,
			"payload":     emitted,
			"publishedAt": entry.PublishedAt.Format(time.RFC3339Nano),
		})
	}

	b.dispatch(ctx, entry, raw)
	return entry.ID, nil
}

func (b *Bus) dispatch(ctx context.Context, entry *db.EventLogEntry, raw json.RawMessage) {
	b.mu.RLock()
	subs := append([]namedHandler(nil), b.handlers[entry.Name]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		started := time.Now().UTC()
		err := sub.fn(ctx, raw)
		ended := time.Now().UTC()
		if err != nil {
			b.recordHandledFail(entry.ID, sub.name, started, ended, err)
			continue
		}
		b.recordHandledOk(entry.ID, sub.name, started, ended)
	}
}

func (b *Bus) recordHandledOk(eventID, handler string, started, ended time.Time) {
	rec := &db.HandlerRecord{
		EventID:   eventID,
		Handler:   handler,
		Status:    db.HandlerStatusSuccess,
		StartedAt: started,
		EndedAt:   ended,
	}
	b.record(rec)
}

func (b *Bus) recordHandledFail(eventID, handler string, started, ended time.Time, cause error) {
	detail := cause.Error()
	rec := &db.HandlerRecord{
		EventID:   eventID,
		Handler:   handler,
		Status:    db.HandlerStatusFailure,
		Detail:    &detail,
		StartedAt: started,
		EndedAt:   ended,
	}
	b.logger.Warn("event handler failed", "event_id", eventID, "handler", handler, "error", cause)
	b.record(rec)
}

func (b *Bus) record(rec *db.HandlerRecord) {
	if _, err := b.db.InsertHandlerRecord(rec); err != nil {
		b.logger.Error("record handler outcome", "event_id", rec.EventID, "handler", rec.Handler, "error", err)
		return
	}
	if b.rt != nil {
		b.rt.Broadcast("events/logs", "handler_recorded", map[string]any{
			"eventId": rec.EventID,
			"handler": rec.Handler,
			"status":  rec.Status,
		})
	}
}

// List returns persisted events matching the filter.
func (b *Bus) List(f db.EventFilter) ([]*db.EventLogEntry, error) {
	return b.db.ListEvents(f)
}

// HandlerRecords returns the handler outcomes for one event.
func (b *Bus) HandlerRecords(eventID string) ([]*db.HandlerRecord, error) {
	return b.db.ListHandlerRecords(eventID)
}

// SweepRetention deletes rows past their registered retention window.
func (b *Bus) SweepRetention(now time.Time) {
	for name, def := range registry {
		if def.Retention == 0 {
			continue
		}
		cutoff := now.Add(-def.Retention)
		n, err := b.db.DeleteEventsBefore(name, cutoff)
		if err != nil {
			b.logger.Error("retention sweep failed", "event", name, "error", err)
			continue
		}
		if n > 0 {
			b.logger.Info("retention sweep", "event", name, "deleted", n)
		}
	}
}

// StartRetentionSweep runs SweepRetention once immediately and then on
// the given interval until ctx is cancelled.
func (b *Bus) StartRetentionSweep(ctx context.Context, every time.Duration) {
	go func() {
		b.SweepRetention(time.Now().UTC())
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.SweepRetention(time.Now().UTC())
			}
		}
	}()
}
