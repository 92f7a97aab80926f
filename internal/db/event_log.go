package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// EventLogEntry is one persisted published event.
type EventLogEntry struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	RequestID   *string
	PublishedAt time.Time
}

// HandlerRecord is the outcome of one subscriber handling one event.
type HandlerRecord struct {
	ID        string
	EventID   string
	Handler   string
	Status    string // success | failure
	Detail    *string
	StartedAt time.Time
	EndedAt   time.Time
}

// Handler record statuses.
const (
	HandlerStatusSuccess = "success"
	HandlerStatusFailure = "failure"
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	Name           string
	Handler        string
	HandlerStatus  string
	Since          *time.Time
	Until          *time.Time
	OwnerProjectID string
	Limit          int
}

// InsertEvent persists one event row and returns its generated id.
func (d *DB) InsertEvent(e *EventLogEntry) (*EventLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now().UTC()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := d.Exec(`
		INSERT INTO event_log (id, name, payload, request_id, published_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Name, string(payload), e.RequestID, FormatTime(e.PublishedAt))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// InsertHandlerRecord persists one handler outcome row.
func (d *DB) InsertHandlerRecord(r *HandlerRecord) (*HandlerRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := d.Exec(`
		INSERT INTO event_handlers (id, event_id, handler, status, detail, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.EventID, r.Handler, r.Status, r.Detail, FormatTime(r.StartedAt), FormatTime(r.EndedAt))
	if err != nil {
		return nil, fmt.Errorf("insert handler record: %w", err)
	}
	return r, nil
}

// ListHandlerRecords returns the handler outcomes for one event.
func (d *DB) ListHandlerRecords(eventID string) ([]*HandlerRecord, error) {
	rows, err := d.Query(`
		SELECT id, event_id, handler, status, detail, started_at, ended_at
		FROM event_handlers WHERE event_id = ? ORDER BY started_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list handler records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HandlerRecord
	for rows.Next() {
		var r HandlerRecord
		var startedAt, endedAt string
		if err := rows.Scan(&r.ID, &r.EventID, &r.Handler, &r.Status, &r.Detail, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan handler record: %w", err)
		}
		if r.StartedAt, err = ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.EndedAt, err = ParseTime(endedAt); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListEvents returns events matching the filter, newest first. The
// ownerProjectId filter inspects stored payload JSON; malformed
// payloads are silently excluded rather than failing the query.
func (d *DB) ListEvents(f EventFilter) ([]*EventLogEntry, error) {
	var conds []string
	var args []any

	if f.Name != "" {
		conds = append(conds, "e.name = ?")
		args = append(args, f.Name)
	}
	if f.Since != nil {
		conds = append(conds, "e.published_at >= ?")
		args = append(args, FormatTime(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "e.published_at <= ?")
		args = append(args, FormatTime(*f.Until))
	}
	if f.Handler != "" || f.HandlerStatus != "" {
		sub := "EXISTS (SELECT 1 FROM event_handlers h WHERE h.event_id = e.id"
		if f.Handler != "" {
			sub += " AND h.handler = ?"
			args = append(args, f.Handler)
		}
		if f.HandlerStatus != "" {
			sub += " AND h.status = ?"
			args = append(args, f.HandlerStatus)
		}
		conds = append(conds, sub+")")
	}

	query := `SELECT e.id, e.name, e.payload, e.request_id, e.published_at FROM event_log e`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY e.published_at DESC"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		var payload, publishedAt string
		if err := rows.Scan(&e.ID, &e.Name, &payload, &e.RequestID, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.PublishedAt, err = ParseTime(publishedAt); err != nil {
			return nil, fmt.Errorf("parse published_at: %w", err)
		}
		e.Payload = json.RawMessage(payload)

		if f.OwnerProjectID != "" {
			// gjson tolerates malformed JSON; rows that do not carry a
			// matching ownerProjectId are excluded.
			owner := gjson.Get(payload, "ownerProjectId")
			if !owner.Exists() || owner.String() != f.OwnerProjectID {
				continue
			}
		}

		out = append(out, &e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes events (and their handler rows) with the
// given name older than cutoff. Used by the 30-day activity retention.
func (d *DB) DeleteEventsBefore(name string, cutoff time.Time) (int64, error) {
	res, err := d.Exec(`
		DELETE FROM event_handlers WHERE event_id IN
			(SELECT id FROM event_log WHERE name = ? AND published_at < ?)
	`, name, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete handler records: %w", err)
	}
	_ = res

	res, err = d.Exec(`DELETE FROM event_log WHERE name = ? AND published_at < ?`, name, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
