package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Worktree status values. The lifecycle service owns all transitions.
const (
	WorktreeStatusCreating = "creating"
	WorktreeStatusRunning  = "running"
	WorktreeStatusStopped  = "stopped"
	WorktreeStatusMerging  = "merging"
	WorktreeStatusMerged   = "merged"
	WorktreeStatusError    = "error"
)

// Runtime types for a worktree's attached runtime.
const (
	RuntimeContainer = "container"
	RuntimeProcess   = "process"
)

// Worktree is the durable record of one branch + checkout + runtime.
type Worktree struct {
	ID                string
	Name              string
	BranchName        string
	BaseBranch        string
	RepoPath          string
	WorktreePath      string
	ContainerID       *string
	ContainerPort     *int
	RuntimeType       string
	TemplateSlug      *string
	OwnerProjectID    string
	Status            string
	DevchainProjectID *string
	MergeCommit       *string
	MergeConflicts    *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorktreePatch carries the mutable fields of a worktree row. Nil
// pointers leave the column untouched; UpdatedAt is always stamped.
type WorktreePatch struct {
	ContainerID       *string
	ContainerPort     *int
	Status            *string
	DevchainProjectID *string
	MergeCommit       *string
	MergeConflicts    *string
	ErrorMessage      *string
	ClearError        bool
	ClearContainer    bool
}

const worktreeColumns = `id, name, branch_name, base_branch, repo_path, worktree_path,
	container_id, container_port, runtime_type, template_slug, owner_project_id,
	status, devchain_project_id, merge_commit, merge_conflicts, error_message,
	created_at, updated_at`

// CreateWorktree inserts a new worktree row. The ID is generated when
// empty. Returns the stored record.
func (d *DB) CreateWorktree(w *Worktree) (*Worktree, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.RuntimeType == "" {
		w.RuntimeType = RuntimeContainer
	}

	_, err := d.Exec(`
		INSERT INTO worktrees (id, name, branch_name, base_branch, repo_path, worktree_path,
			container_id, container_port, runtime_type, template_slug, owner_project_id,
			status, devchain_project_id, merge_commit, merge_conflicts, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Name, w.BranchName, w.BaseBranch, w.RepoPath, w.WorktreePath,
		w.ContainerID, w.ContainerPort, w.RuntimeType, w.TemplateSlug, w.OwnerProjectID,
		w.Status, w.DevchainProjectID, w.MergeCommit, w.MergeConflicts, w.ErrorMessage,
		FormatTime(w.CreatedAt), FormatTime(w.UpdatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("worktree %q already exists in project %s: %w", w.Name, w.OwnerProjectID, err)
		}
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	return w, nil
}

func scanWorktree(scan func(dest ...any) error) (*Worktree, error) {
	var w Worktree
	var createdAt, updatedAt string
	err := scan(&w.ID, &w.Name, &w.BranchName, &w.BaseBranch, &w.RepoPath, &w.WorktreePath,
		&w.ContainerID, &w.ContainerPort, &w.RuntimeType, &w.TemplateSlug, &w.OwnerProjectID,
		&w.Status, &w.DevchainProjectID, &w.MergeCommit, &w.MergeConflicts, &w.ErrorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if w.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if w.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &w, nil
}

func (d *DB) queryWorktrees(query string, args ...any) ([]*Worktree, error) {
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Worktree
	for rows.Next() {
		w, err := scanWorktree(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListWorktrees returns all worktrees ordered by creation time.
func (d *DB) ListWorktrees() ([]*Worktree, error) {
	return d.queryWorktrees(`SELECT ` + worktreeColumns + ` FROM worktrees ORDER BY created_at`)
}

// ListWorktreesByOwnerProject returns the worktrees of one owner project.
func (d *DB) ListWorktreesByOwnerProject(ownerProjectID string) ([]*Worktree, error) {
	return d.queryWorktrees(`SELECT `+worktreeColumns+` FROM worktrees WHERE owner_project_id = ? ORDER BY created_at`, ownerProjectID)
}

// ListMonitoredWorktrees returns worktrees in running or error status.
func (d *DB) ListMonitoredWorktrees() ([]*Worktree, error) {
	return d.queryWorktrees(`SELECT ` + worktreeColumns + ` FROM worktrees WHERE status IN ('running', 'error') ORDER BY created_at`)
}

// GetWorktree loads a worktree by id. Returns nil, nil when absent.
func (d *DB) GetWorktree(id string) (*Worktree, error) {
	row := d.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id)
	w, err := scanWorktree(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	return w, nil
}

// GetWorktreeByName loads a worktree by its slug. Returns nil, nil when absent.
func (d *DB) GetWorktreeByName(name string) (*Worktree, error) {
	row := d.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE name = ?`, name)
	w, err := scanWorktree(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree by name: %w", err)
	}
	return w, nil
}

// GetWorktreeByContainerID loads a worktree by container id.
func (d *DB) GetWorktreeByContainerID(containerID string) (*Worktree, error) {
	row := d.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE container_id = ?`, containerID)
	w, err := scanWorktree(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree by container: %w", err)
	}
	return w, nil
}

// UpdateWorktree applies a patch to a worktree row and stamps
// updated_at. Returns the updated record.
func (d *DB) UpdateWorktree(id string, patch WorktreePatch) (*Worktree, error) {
	sets := []string{"updated_at = ?"}
	args := []any{FormatTime(time.Now())}

	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ContainerID != nil {
		add("container_id", *patch.ContainerID)
	}
	if patch.ContainerPort != nil {
		add("container_port", *patch.ContainerPort)
	}
	if patch.DevchainProjectID != nil {
		add("devchain_project_id", *patch.DevchainProjectID)
	}
	if patch.MergeCommit != nil {
		add("merge_commit", *patch.MergeCommit)
	}
	if patch.MergeConflicts != nil {
		add("merge_conflicts", *patch.MergeConflicts)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ClearError {
		sets = append(sets, "error_message = NULL", "merge_conflicts = NULL")
	}
	if patch.ClearContainer {
		sets = append(sets, "container_id = NULL", "container_port = NULL")
	}

	query := "UPDATE worktrees SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if _, err := d.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("update worktree: %w", err)
	}
	return d.GetWorktree(id)
}

// RemoveWorktree deletes a worktree row.
func (d *DB) RemoveWorktree(id string) error {
	if _, err := d.Exec(`DELETE FROM worktrees WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether an error is a unique-constraint
// violation on either dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
