package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project is a registered repository the orchestrator manages.
type Project struct {
	ID                   string
	Name                 string
	RootPath             string
	InitialSessionPrompt *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateProject inserts a project row.
func (d *DB) CreateProject(p *Project) (*Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := d.Exec(`
		INSERT INTO projects (id, name, root_path, initial_session_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RootPath, p.InitialSessionPrompt, FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func scanProject(scan func(dest ...any) error) (*Project, error) {
	var p Project
	var createdAt, updatedAt string
	if err := scan(&p.ID, &p.Name, &p.RootPath, &p.InitialSessionPrompt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// GetProject loads a project by id. Returns nil, nil when absent.
func (d *DB) GetProject(id string) (*Project, error) {
	row := d.QueryRow(`
		SELECT id, name, root_path, initial_session_prompt, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// GetProjectByPath loads a project by root path. Returns nil, nil when absent.
func (d *DB) GetProjectByPath(rootPath string) (*Project, error) {
	row := d.QueryRow(`
		SELECT id, name, root_path, initial_session_prompt, created_at, updated_at
		FROM projects WHERE root_path = ?
	`, rootPath)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by path: %w", err)
	}
	return p, nil
}

// ListProjects returns all registered projects.
func (d *DB) ListProjects() ([]*Project, error) {
	rows, err := d.Query(`
		SELECT id, name, root_path, initial_session_prompt, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
