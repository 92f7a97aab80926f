// Package worktree implements the worktree lifecycle: a state machine
// over the durable worktree row driving the git runner, the attached
// runtime, and the task-merge engine, with an activity event for every
// mutation.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/events"
	"github.com/devchain/devchain/internal/git"
	"github.com/devchain/devchain/internal/template"
)

// GitOps is the slice of the git runner the lifecycle uses.
type GitOps interface {
	CreateWorktree(ctx context.Context, req git.CreateWorktreeRequest) (*git.CreatedWorktree, error)
	RemoveWorktree(ctx context.Context, nameOrPath, repoPath string, force bool) error
	DeleteBranch(ctx context.Context, name, repoPath string, force bool) error
	WorkingTreeStatus(ctx context.Context, repoPath string) (*git.TreeStatus, error)
	BranchStatus(ctx context.Context, repoPath, base, branch string) (*git.BranchStatus, error)
	ExecuteMerge(ctx context.Context, repoPath, source, target, message string) (*git.MergeResult, error)
	ExecuteRebase(ctx context.Context, repoPath, source, target string) (*git.MergeResult, error)
	PruneWorktrees(ctx context.Context, repoPath string) error
	DefaultWorktreePath(name string) string
}

// ErrorBroadcaster pushes structured lifecycle errors to connected
// realtime clients.
type ErrorBroadcaster interface {
	BroadcastError(code, message string, statusCode int, details map[string]any)
}

// TaskMerger extracts epics and agents from a worktree's container
// before its branch is merged.
type TaskMerger interface {
	MergeFromContainer(ctx context.Context, worktreeID string) error
}

// Service is the worktree lifecycle service. It exclusively owns the
// status field of every worktree row.
type Service struct {
	store     *db.DB
	git       GitOps
	container Runtime
	process   *ProcessRuntime
	taskMerge TaskMerger
	bus       events.Publisher
	rt        ErrorBroadcaster
	templates *template.Resolver
	logger    *slog.Logger

	repoRoot    string
	healthTotal time.Duration
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store     *db.DB
	Git       GitOps
	Container Runtime
	Process   *ProcessRuntime
	TaskMerge TaskMerger
	Bus       events.Publisher
	Realtime  ErrorBroadcaster
	Templates *template.Resolver
	Logger    *slog.Logger

	RepoRoot    string
	HealthTotal time.Duration
}

// NewService wires a lifecycle service.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	healthTotal := opts.HealthTotal
	if healthTotal <= 0 {
		healthTotal = 60 * time.Second
	}
	return &Service{
		store:       opts.Store,
		git:         opts.Git,
		container:   opts.Container,
		process:     opts.Process,
		taskMerge:   opts.TaskMerge,
		bus:         opts.Bus,
		rt:          opts.Realtime,
		templates:   opts.Templates,
		logger:      logger,
		repoRoot:    opts.RepoRoot,
		healthTotal: healthTotal,
	}
}

// CreateRequest carries the inputs for Create.
type CreateRequest struct {
	Name           string
	BranchName     string
	BaseBranch     string
	RepoPath       string
	OwnerProjectID string
	RuntimeType    string // container (default) | process
	TemplateSlug   string
}

// Create adds a worktree: git checkout, optional template, runtime
// provisioning, health wait. Any failure after the row exists parks
// the row in status error with the failure message.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Worktree, error) {
	if err := git.ValidateWorktreeName(req.Name); err != nil {
		return nil, err
	}
	runtimeType := req.RuntimeType
	if runtimeType == "" {
		runtimeType = db.RuntimeContainer
	}
	if runtimeType != db.RuntimeContainer && runtimeType != db.RuntimeProcess {
		return nil, deverrors.Newf(deverrors.CodeInvalidOptions, "unknown runtime type %q", runtimeType)
	}

	// Template resolution is pure validation; do it before any row or
	// checkout exists.
	var tpl *template.Template
	if req.TemplateSlug != "" {
		var err error
		if tpl, err = s.templates.Resolve(req.TemplateSlug); err != nil {
			return nil, err
		}
	}

	row := &db.Worktree{
		Name:           req.Name,
		BranchName:     req.BranchName,
		BaseBranch:     req.BaseBranch,
		RepoPath:       s.resolveRepo(req.RepoPath),
		WorktreePath:   s.git.DefaultWorktreePath(req.Name),
		RuntimeType:    runtimeType,
		OwnerProjectID: req.OwnerProjectID,
		Status:         db.WorktreeStatusCreating,
	}
	if req.TemplateSlug != "" {
		row.TemplateSlug = &req.TemplateSlug
	}

	row, err := s.store.CreateWorktree(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, deverrors.Newf(deverrors.CodeWorktreeExists,
				"worktree %q already exists in this project", req.Name)
		}
		return nil, err
	}

	created, err := s.git.CreateWorktree(ctx, git.CreateWorktreeRequest{
		Name:         req.Name,
		BranchName:   req.BranchName,
		BaseBranch:   req.BaseBranch,
		RepoPath:     row.RepoPath,
		WorktreePath: row.WorktreePath,
	})
	if err != nil {
		return nil, s.markError(ctx, row, err)
	}
	row.WorktreePath = created.Path

	if tpl != nil {
		if err := tpl.Apply(row.WorktreePath); err != nil {
			return nil, s.markError(ctx, row, err)
		}
	}

	containerID, port, err := s.runtime(row).Provision(ctx, row)
	if err != nil {
		return nil, s.markError(ctx, row, err)
	}
	patch := db.WorktreePatch{ContainerPort: &port}
	if containerID != "" {
		patch.ContainerID = &containerID
	}
	if row, err = s.store.UpdateWorktree(row.ID, patch); err != nil {
		return nil, err
	}

	if err := s.waitHealthy(ctx, row, s.healthTotal); err != nil {
		return nil, s.markError(ctx, row, err)
	}

	if row, err = s.setStatus(row.ID, db.WorktreeStatusRunning, true); err != nil {
		return nil, err
	}
	s.publishActivity(ctx, row, "started")
	return row, nil
}

// loadWorktree resolves an id to a row or a not-found error.
func (s *Service) loadWorktree(id string) (*db.Worktree, error) {
	row, err := s.store.GetWorktree(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, deverrors.Newf(deverrors.CodeWorktreeNotFound, "worktree %s not found", id)
	}
	return row, nil
}

// Start brings a stopped or errored worktree back to running.
func (s *Service) Start(ctx context.Context, id string) (*db.Worktree, error) {
	row, err := s.loadWorktree(id)
	if err != nil {
		return nil, err
	}
	if row.Status != db.WorktreeStatusStopped && row.Status != db.WorktreeStatusError {
		return nil, s.invalidState(row, "start", "stopped or error")
	}

	if err := s.runtime(row).Start(ctx, row); err != nil {
		return nil, s.markError(ctx, row, err)
	}
	if err := s.waitHealthy(ctx, row, s.healthTotal); err != nil {
		return nil, s.markError(ctx, row, err)
	}

	if row, err = s.setStatus(row.ID, db.WorktreeStatusRunning, true); err != nil {
		return nil, err
	}
	s.publishActivity(ctx, row, "started")
	return row, nil
}

// Stop halts a running worktree's runtime.
func (s *Service) Stop(ctx context.Context, id string) (*db.Worktree, error) {
	row, err := s.loadWorktree(id)
	if err != nil {
		return nil, err
	}
	if row.Status != db.WorktreeStatusRunning {
		return nil, s.invalidState(row, "stop", "running")
	}

	if err := s.runtime(row).Stop(ctx, row); err != nil {
		return nil, s.markError(ctx, row, err)
	}

	if row, err = s.setStatus(row.ID, db.WorktreeStatusStopped, false); err != nil {
		return nil, err
	}
	s.publishActivity(ctx, row, "stopped")
	return row, nil
}

// Merge extracts the worktree's tasks and merges its branch into the
// base branch. Extraction happens before any branch is touched so a
// conflicted merge never loses task data.
func (s *Service) Merge(ctx context.Context, id string) (*db.Worktree, error) {
	row, err := s.loadWorktree(id)
	if err != nil {
		return nil, err
	}
	if row.Status != db.WorktreeStatusRunning {
		return nil, s.invalidState(row, "merge", "running")
	}

	status, err := s.git.WorkingTreeStatus(ctx, row.WorktreePath)
	if err != nil {
		return nil, err
	}
	if !status.Clean {
		return nil, deverrors.Newf(deverrors.CodeGitDirty,
			"worktree %s has uncommitted changes", row.Name).WithDetail("status", status.Output)
	}

	if row, err = s.setStatus(row.ID, db.WorktreeStatusMerging, false); err != nil {
		return nil, err
	}

	if s.taskMerge != nil {
		if err := s.taskMerge.MergeFromContainer(ctx, row.ID); err != nil {
			return nil, s.markError(ctx, row, fmt.Errorf("task extraction before merge: %w", err))
		}
	}

	result, err := s.git.ExecuteMerge(ctx, row.RepoPath, row.BranchName, row.BaseBranch, "")
	if err != nil {
		if result != nil && len(result.Conflicts) > 0 {
			conflicts := joinConflicts(result.Conflicts)
			if _, uerr := s.store.UpdateWorktree(row.ID, db.WorktreePatch{MergeConflicts: &conflicts}); uerr != nil {
				s.logger.Error("record merge conflicts", "worktree", row.Name, "error", uerr)
			}
		}
		return nil, s.markError(ctx, row, err)
	}

	merged := db.WorktreeStatusMerged
	row, err = s.store.UpdateWorktree(row.ID, db.WorktreePatch{
		Status:      &merged,
		MergeCommit: &result.Commit,
		ClearError:  true,
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		if _, err := s.bus.Publish(ctx, events.WorktreeMerged, map[string]any{
			"worktreeId":  row.ID,
			"mergeCommit": result.Commit,
		}, ""); err != nil {
			s.logger.Warn("publish merged event", "worktree", row.Name, "error", err)
		}
	}
	s.publishActivity(ctx, row, "merged")
	return row, nil
}

// Rebase rebases the worktree branch onto its base. Status stays
// running; conflicts surface in the returned error.
func (s *Service) Rebase(ctx context.Context, id string) (*git.MergeResult, error) {
	row, err := s.loadWorktree(id)
	if err != nil {
		return nil, err
	}
	if row.Status != db.WorktreeStatusRunning {
		return nil, s.invalidState(row, "rebase", "running")
	}
	return s.git.ExecuteRebase(ctx, row.RepoPath, row.BranchName, row.BaseBranch)
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	DeleteBranch bool
	Force        bool
}

// Delete removes a worktree: best-effort runtime teardown, git
// worktree removal, optional branch deletion, then the store row. A
// down container daemon does not block the delete; the row must not
// outlive the operator's intent.
func (s *Service) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	row, err := s.loadWorktree(id)
	if err != nil {
		return err
	}
	if row.Status == db.WorktreeStatusMerging {
		return s.invalidState(row, "delete", "any state except merging")
	}

	rt := s.runtime(row)
	if row.Status == db.WorktreeStatusRunning {
		if err := rt.Stop(ctx, row); err != nil {
			s.logger.Warn("best-effort runtime stop failed", "worktree", row.Name, "error", err)
		}
	}
	if err := rt.Remove(ctx, row); err != nil {
		s.logger.Warn("best-effort runtime removal failed", "worktree", row.Name, "error", err)
	}

	if err := s.git.RemoveWorktree(ctx, row.WorktreePath, row.RepoPath, opts.Force); err != nil {
		if !opts.Force {
			return err
		}
		s.logger.Warn("forced delete: worktree removal failed", "worktree", row.Name, "error", err)
	}

	if opts.DeleteBranch {
		if err := s.git.DeleteBranch(ctx, row.BranchName, row.RepoPath, opts.Force); err != nil {
			s.logger.Warn("branch deletion failed", "worktree", row.Name, "branch", row.BranchName, "error", err)
		}
	}

	// Drop the stale registration left by a manually-removed checkout.
	if err := s.git.PruneWorktrees(ctx, row.RepoPath); err != nil {
		s.logger.Warn("worktree prune failed", "worktree", row.Name, "error", err)
	}

	if err := s.store.RemoveWorktree(row.ID); err != nil {
		return err
	}
	s.publishActivity(ctx, row, "stopped")
	return nil
}

// Get returns one worktree row.
func (s *Service) Get(id string) (*db.Worktree, error) {
	return s.loadWorktree(id)
}

// List returns worktrees, optionally filtered to one owner project.
func (s *Service) List(ownerProjectID string) ([]*db.Worktree, error) {
	if ownerProjectID != "" {
		return s.store.ListWorktreesByOwnerProject(ownerProjectID)
	}
	return s.store.ListWorktrees()
}

func (s *Service) runtime(row *db.Worktree) Runtime {
	if row.RuntimeType == db.RuntimeProcess {
		return s.process
	}
	return s.container
}

func (s *Service) resolveRepo(repoPath string) string {
	if repoPath != "" {
		return repoPath
	}
	return s.repoRoot
}

func (s *Service) invalidState(row *db.Worktree, op, want string) error {
	return deverrors.Newf(deverrors.CodeWorktreeInvalidState,
		"cannot %s worktree %s in status %s (requires %s)", op, row.Name, row.Status, want)
}

// markError parks the row in status error with the failure message,
// pushes the error to realtime consumers, and returns the original
// error.
func (s *Service) markError(ctx context.Context, row *db.Worktree, cause error) error {
	status := db.WorktreeStatusError
	msg := cause.Error()
	updated, err := s.store.UpdateWorktree(row.ID, db.WorktreePatch{Status: &status, ErrorMessage: &msg})
	if err != nil {
		s.logger.Error("record worktree error state", "worktree", row.Name, "error", err)
		updated = row
	}
	if s.rt != nil {
		code := "INTERNAL"
		if devErr := deverrors.AsDevError(cause); devErr != nil {
			code = string(devErr.Code)
		}
		s.rt.BroadcastError(code, msg, deverrors.HTTPStatusOf(cause), map[string]any{
			"worktreeId":   row.ID,
			"worktreeName": row.Name,
		})
	}
	s.publishActivity(ctx, updated, "errored")
	return cause
}

func (s *Service) setStatus(id, status string, clearError bool) (*db.Worktree, error) {
	return s.store.UpdateWorktree(id, db.WorktreePatch{Status: &status, ClearError: clearError})
}

func (s *Service) publishActivity(ctx context.Context, row *db.Worktree, activity string) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.Publish(ctx, events.WorktreeActivity, map[string]any{
		"worktreeId":     row.ID,
		"ownerProjectId": row.OwnerProjectID,
		"type":           activity,
		"status":         row.Status,
	}, "")
	if err != nil {
		s.logger.Warn("publish worktree activity", "worktree", row.Name, "type", activity, "error", err)
	}
}

func joinConflicts(paths []string) string {
	return strings.Join(paths, "\n")
}
