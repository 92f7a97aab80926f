package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MergedEpic is a content-addressed dedup row for one epic imported
// from a worktree's in-container database. Unique on
// (worktree_id, source_epic_id).
type MergedEpic struct {
	ID           string
	WorktreeID   string
	SourceEpicID string
	Title        string
	StatusName   string
	StatusColor  string
	AgentName    *string
	ParentEpicID *string
	Tags         []string
	CreatedAt    *time.Time
	MergedAt     time.Time
}

// MergedAgent is the analogous dedup row for a source agent. Unique on
// (worktree_id, source_agent_id).
type MergedAgent struct {
	ID             string
	WorktreeID     string
	SourceAgentID  string
	Name           string
	ProfileName    *string
	EpicsCompleted int
	MergedAt       time.Time
}

// MergedSummary aggregates the dedup rows of one worktree.
type MergedSummary struct {
	EpicCount    int
	AgentCount   int
	LatestMerged *time.Time
}

// InsertMergedEpics inserts dedup rows with do-nothing-on-conflict
// semantics inside tx. Returns the number of rows actually inserted.
func (d *DB) InsertMergedEpics(tx *TxOps, epics []*MergedEpic) (int, error) {
	inserted := 0
	for _, e := range epics {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return inserted, fmt.Errorf("marshal tags: %w", err)
		}
		var createdAt *string
		if e.CreatedAt != nil {
			s := FormatTime(*e.CreatedAt)
			createdAt = &s
		}
		res, err := tx.Exec(`
			INSERT INTO merged_epics (id, worktree_id, source_epic_id, title, status_name,
				status_color, agent_name, parent_epic_id, tags, created_at, merged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (worktree_id, source_epic_id) DO NOTHING
		`, e.ID, e.WorktreeID, e.SourceEpicID, e.Title, e.StatusName,
			e.StatusColor, e.AgentName, e.ParentEpicID, string(tags), createdAt, FormatTime(e.MergedAt))
		if err != nil {
			return inserted, fmt.Errorf("insert merged epic %s: %w", e.SourceEpicID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// InsertMergedAgents inserts agent dedup rows with do-nothing-on-conflict
// semantics inside tx.
func (d *DB) InsertMergedAgents(tx *TxOps, agents []*MergedAgent) (int, error) {
	inserted := 0
	for _, a := range agents {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		res, err := tx.Exec(`
			INSERT INTO merged_agents (id, worktree_id, source_agent_id, name, profile_name,
				epics_completed, merged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (worktree_id, source_agent_id) DO NOTHING
		`, a.ID, a.WorktreeID, a.SourceAgentID, a.Name, a.ProfileName,
			a.EpicsCompleted, FormatTime(a.MergedAt))
		if err != nil {
			return inserted, fmt.Errorf("insert merged agent %s: %w", a.SourceAgentID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// ListMergedEpics returns a worktree's dedup rows, oldest merge first.
func (d *DB) ListMergedEpics(worktreeID string) ([]*MergedEpic, error) {
	rows, err := d.Query(`
		SELECT id, worktree_id, source_epic_id, title, status_name, status_color,
			agent_name, parent_epic_id, tags, created_at, merged_at
		FROM merged_epics WHERE worktree_id = ? ORDER BY merged_at ASC, source_epic_id ASC
	`, worktreeID)
	if err != nil {
		return nil, fmt.Errorf("list merged epics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergedEpic
	for rows.Next() {
		var e MergedEpic
		var tags string
		var createdAt *string
		var mergedAt string
		if err := rows.Scan(&e.ID, &e.WorktreeID, &e.SourceEpicID, &e.Title, &e.StatusName,
			&e.StatusColor, &e.AgentName, &e.ParentEpicID, &tags, &createdAt, &mergedAt); err != nil {
			return nil, fmt.Errorf("scan merged epic: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			e.Tags = nil
		}
		if createdAt != nil {
			if t, err := ParseTime(*createdAt); err == nil {
				e.CreatedAt = &t
			}
		}
		if e.MergedAt, err = ParseTime(mergedAt); err != nil {
			return nil, fmt.Errorf("parse merged_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListMergedAgents returns a worktree's agent dedup rows.
func (d *DB) ListMergedAgents(worktreeID string) ([]*MergedAgent, error) {
	rows, err := d.Query(`
		SELECT id, worktree_id, source_agent_id, name, profile_name, epics_completed, merged_at
		FROM merged_agents WHERE worktree_id = ? ORDER BY merged_at ASC, source_agent_id ASC
	`, worktreeID)
	if err != nil {
		return nil, fmt.Errorf("list merged agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergedAgent
	for rows.Next() {
		var a MergedAgent
		var mergedAt string
		if err := rows.Scan(&a.ID, &a.WorktreeID, &a.SourceAgentID, &a.Name, &a.ProfileName,
			&a.EpicsCompleted, &mergedAt); err != nil {
			return nil, fmt.Errorf("scan merged agent: %w", err)
		}
		if a.MergedAt, err = ParseTime(mergedAt); err != nil {
			return nil, fmt.Errorf("parse merged_at: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetMergedSummary aggregates counts and the latest merge time for a
// worktree's dedup rows.
func (d *DB) GetMergedSummary(worktreeID string) (*MergedSummary, error) {
	row := d.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM merged_epics WHERE worktree_id = ?),
			(SELECT COUNT(*) FROM merged_agents WHERE worktree_id = ?),
			(SELECT MAX(merged_at) FROM merged_epics WHERE worktree_id = ?)
	`, worktreeID, worktreeID, worktreeID)

	var s MergedSummary
	var latest *string
	if err := row.Scan(&s.EpicCount, &s.AgentCount, &latest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &MergedSummary{}, nil
		}
		return nil, fmt.Errorf("merged summary: %w", err)
	}
	if latest != nil {
		if t, err := ParseTime(*latest); err == nil {
			s.LatestMerged = &t
		}
	}
	return &s, nil
}
