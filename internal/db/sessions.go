package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session status values. starting and running are non-terminal.
const (
	SessionStatusStarting = "starting"
	SessionStatusRunning  = "running"
	SessionStatusEnded    = "ended"
	SessionStatusFailed   = "failed"
)

// Session is one tmux session wrapping one provider process for one
// agent. A partial unique index enforces at most one non-terminal
// session per agent.
type Session struct {
	ID            string
	AgentID       string
	TmuxSessionID string
	EpicID        *string
	Status        string
	ActivityState string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// ErrActiveSessionExists is returned by InsertSession when the agent
// already has a non-terminal session. Callers treat this as "load the
// existing session and return it".
var ErrActiveSessionExists = errors.New("agent already has an active session")

// InsertSession inserts a session row. A unique violation on the
// active-agent index maps to ErrActiveSessionExists.
func (d *DB) InsertSession(s *Session) (*Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ActivityState == "" {
		s.ActivityState = "idle"
	}
	s.StartedAt = time.Now().UTC()

	_, err := d.Exec(`
		INSERT INTO sessions (id, agent_id, tmux_session_id, epic_id, status, activity_state, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`, s.ID, s.AgentID, s.TmuxSessionID, s.EpicID, s.Status, s.ActivityState, FormatTime(s.StartedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrActiveSessionExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var s Session
	var startedAt string
	var endedAt *string
	if err := scan(&s.ID, &s.AgentID, &s.TmuxSessionID, &s.EpicID, &s.Status, &s.ActivityState, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	var err error
	if s.StartedAt, err = ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt != nil {
		if t, err := ParseTime(*endedAt); err == nil {
			s.EndedAt = &t
		}
	}
	return &s, nil
}

// GetSession loads a session by id. Returns nil, nil when absent.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.QueryRow(`
		SELECT id, agent_id, tmux_session_id, epic_id, status, activity_state, started_at, ended_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// GetActiveSessionByAgent returns the agent's non-terminal session, or
// nil when there is none.
func (d *DB) GetActiveSessionByAgent(agentID string) (*Session, error) {
	row := d.QueryRow(`
		SELECT id, agent_id, tmux_session_id, epic_id, status, activity_state, started_at, ended_at
		FROM sessions WHERE agent_id = ? AND status IN ('starting', 'running')
	`, agentID)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// UpdateSessionStatus moves a session to a new status, stamping
// ended_at for terminal states.
func (d *DB) UpdateSessionStatus(id, status string) error {
	var endedAt *string
	if status == SessionStatusEnded || status == SessionStatusFailed {
		s := FormatTime(time.Now())
		endedAt = &s
	}
	_, err := d.Exec(`UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`,
		status, endedAt, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// UpdateSessionActivity records the activity state reported by the
// session's terminal watcher.
func (d *DB) UpdateSessionActivity(id, activityState string) error {
	_, err := d.Exec(`UPDATE sessions SET activity_state = ? WHERE id = ?`, activityState, id)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	return nil
}
