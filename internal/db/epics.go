package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MergedFrom is the nested marker inside an epic's data column that
// identifies where a main-project epic was imported from. It is the
// idempotency key for main-project imports.
type MergedFrom struct {
	WorktreeID       string `json:"worktreeId"`
	SourceEpicID     string `json:"sourceEpicId"`
	WorktreeName     string `json:"worktreeName,omitempty"`
	UnresolvedParent bool   `json:"unresolvedParent,omitempty"`
}

// EpicData is the free-form data column of an epic.
type EpicData struct {
	MergedFrom *MergedFrom    `json:"mergedFrom,omitempty"`
	Extra      map[string]any `json:"-"`
}

// Epic is a row in the main project's own epic table.
type Epic struct {
	ID        string
	ProjectID string
	Title     string
	StatusID  *string
	AgentID   *string
	ParentID  *string
	Tags      []string
	Data      EpicData
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status is a project status label.
type Status struct {
	ID        string
	ProjectID string
	Label     string
	Color     string
}

// Agent is a registered agent in a project.
type Agent struct {
	ID        string
	ProjectID string
	Name      string
	ProfileID *string
	CreatedAt time.Time
}

// InsertEpic inserts a main-project epic. Runs inside tx when tx is
// non-nil so the caller can hold the merge lock's transaction.
func (d *DB) InsertEpic(tx *TxOps, e *Epic) (*Epic, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	const q = `
		INSERT INTO epics (id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{e.ID, e.ProjectID, e.Title, e.StatusID, e.AgentID, e.ParentID,
		string(tags), string(data), FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt)}

	if tx != nil {
		_, err = tx.Exec(q, args...)
	} else {
		_, err = d.Exec(q, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("insert epic: %w", err)
	}
	return e, nil
}

// GetEpic loads an epic by id. Returns nil, nil when absent.
func (d *DB) GetEpic(id string) (*Epic, error) {
	row := d.QueryRow(`
		SELECT id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at
		FROM epics WHERE id = ?
	`, id)

	var e Epic
	var tags, data, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ProjectID, &e.Title, &e.StatusID, &e.AgentID, &e.ParentID,
		&tags, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get epic: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		e.Tags = nil
	}
	_ = json.Unmarshal([]byte(data), &e.Data)
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &e, nil
}

// ListEpicsByProject returns all epics of a project.
func (d *DB) ListEpicsByProject(projectID string) ([]*Epic, error) {
	rows, err := d.Query(`
		SELECT id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at
		FROM epics WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Epic
	for rows.Next() {
		var e Epic
		var tags, data, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Title, &e.StatusID, &e.AgentID, &e.ParentID,
			&tags, &data, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			e.Tags = nil
		}
		// Malformed data columns degrade to an empty marker rather than
		// failing the whole listing.
		_ = json.Unmarshal([]byte(data), &e.Data)
		if e.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FindEpicByMergedFrom looks for an existing main-project epic carrying
// the given mergedFrom marker. Runs inside tx when non-nil. Returns the
// epic id or "" when absent.
func (d *DB) FindEpicByMergedFrom(tx *TxOps, projectID, worktreeID, sourceEpicID string) (string, error) {
	// The marker lives inside the JSON data column; scan candidate rows
	// instead of relying on dialect-specific JSON operators.
	const q = `SELECT id, data FROM epics WHERE project_id = ?`
	var (
		rows interface {
			Next() bool
			Scan(dest ...any) error
			Close() error
			Err() error
		}
		err error
	)
	if tx != nil {
		rows, err = tx.Query(q, projectID)
	} else {
		rows, err = d.Query(q, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("query epics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return "", fmt.Errorf("scan epic: %w", err)
		}
		var ed EpicData
		if err := json.Unmarshal([]byte(data), &ed); err != nil || ed.MergedFrom == nil {
			continue
		}
		if ed.MergedFrom.WorktreeID == worktreeID && ed.MergedFrom.SourceEpicID == sourceEpicID {
			return id, nil
		}
	}
	return "", rows.Err()
}

// ListStatuses returns a project's status labels.
func (d *DB) ListStatuses(projectID string) ([]*Status, error) {
	rows, err := d.Query(`SELECT id, project_id, label, color FROM statuses WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Status
	for rows.Next() {
		var s Status
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Label, &s.Color); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// CreateStatus inserts a status label for a project.
func (d *DB) CreateStatus(s *Status) (*Status, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Color == "" {
		s.Color = "#6c757d"
	}
	_, err := d.Exec(`INSERT INTO statuses (id, project_id, label, color) VALUES (?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.Label, s.Color)
	if err != nil {
		return nil, fmt.Errorf("create status: %w", err)
	}
	return s, nil
}

// ListAgentsByProject returns a project's agents.
func (d *DB) ListAgentsByProject(projectID string) ([]*Agent, error) {
	rows, err := d.Query(`SELECT id, project_id, name, profile_id, created_at FROM agents WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.ProfileID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetAgent loads an agent by id. Returns nil, nil when absent.
func (d *DB) GetAgent(id string) (*Agent, error) {
	agents, err := d.queryAgents(`SELECT id, project_id, name, profile_id, created_at FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return agents[0], nil
}

func (d *DB) queryAgents(query string, args ...any) ([]*Agent, error) {
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.ProfileID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CreateAgent inserts an agent row.
func (d *DB) CreateAgent(a *Agent) (*Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := d.Exec(`INSERT INTO agents (id, project_id, name, profile_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, a.ProfileID, FormatTime(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// MarshalJSON flattens Extra alongside the typed marker.
func (d EpicData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.MergedFrom != nil {
		m["mergedFrom"] = d.MergedFrom
	}
	return json.Marshal(m)
}

// UnmarshalJSON keeps unknown keys in Extra.
func (d *EpicData) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if raw, ok := m["mergedFrom"]; ok {
		var mf MergedFrom
		if err := json.Unmarshal(raw, &mf); err == nil {
			d.MergedFrom = &mf
		}
		delete(m, "mergedFrom")
	}
	if len(m) > 0 {
		d.Extra = make(map[string]any, len(m))
		for k, raw := range m {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				d.Extra[k] = v
			}
		}
	}
	return nil
}
