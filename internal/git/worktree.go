package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreatedWorktree describes a freshly-added worktree checkout.
type CreatedWorktree struct {
	Name   string
	Path   string
	Branch string
}

// WorktreeInfo represents one record of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string // Filesystem path to the worktree
	Branch string // Branch checked out in the worktree
	Commit string // HEAD commit SHA
}

// CreateWorktreeRequest carries the inputs for CreateWorktree.
type CreateWorktreeRequest struct {
	Name         string
	BranchName   string
	BaseBranch   string
	RepoPath     string
	WorktreePath string // optional; defaults under the worktrees root
}

// CreateWorktree adds a new git worktree with a new branch based on the
// base branch. Name and both refs are validated up front. If the first
// attempt fails, stale worktree registrations are pruned and the add is
// retried once (a deleted directory can leave git tracking a ghost).
func (r *Runner) CreateWorktree(ctx context.Context, req CreateWorktreeRequest) (*CreatedWorktree, error) {
	if err := ValidateWorktreeName(req.Name); err != nil {
		return nil, err
	}
	if err := ValidateRefName(req.BranchName); err != nil {
		return nil, err
	}
	if err := ValidateRefName(req.BaseBranch); err != nil {
		return nil, err
	}

	repoPath := r.resolveRepoPath(req.RepoPath)
	worktreePath := req.WorktreePath
	if worktreePath == "" {
		worktreePath = r.DefaultWorktreePath(req.Name)
	}

	var result *CreatedWorktree
	var opErr error
	err := r.enqueue(ctx, func() {
		if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
			opErr = fmt.Errorf("create worktrees dir: %w", err)
			return
		}

		_, err := r.git(ctx, repoPath, "worktree", "add", "-b", req.BranchName, worktreePath, req.BaseBranch)
		if err != nil {
			// Prune stale registrations and retry once.
			_, _ = r.git(ctx, repoPath, "worktree", "prune")
			if _, err = r.git(ctx, repoPath, "worktree", "add", "-b", req.BranchName, worktreePath, req.BaseBranch); err != nil {
				opErr = fmt.Errorf("create worktree %s: %w", req.Name, err)
				return
			}
		}
		result = &CreatedWorktree{Name: req.Name, Path: worktreePath, Branch: req.BranchName}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// RemoveWorktree removes a worktree by name or path.
func (r *Runner) RemoveWorktree(ctx context.Context, nameOrPath, repoPath string, force bool) error {
	repoPath = r.resolveRepoPath(repoPath)

	var opErr error
	err := r.enqueue(ctx, func() {
		args := []string{"worktree", "remove"}
		if force {
			args = append(args, "--force")
		}
		args = append(args, "--", nameOrPath)
		if _, err := r.git(ctx, repoPath, args...); err != nil {
			opErr = fmt.Errorf("remove worktree %s: %w", nameOrPath, err)
			return
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListWorktrees returns all worktrees of a repository, parsed from the
// porcelain listing.
func (r *Runner) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	repoPath = r.resolveRepoPath(repoPath)

	var result []WorktreeInfo
	var opErr error
	err := r.enqueue(ctx, func() {
		output, err := r.git(ctx, repoPath, "worktree", "list", "--porcelain")
		if err != nil {
			opErr = fmt.Errorf("list worktrees: %w", err)
			return
		}
		result = parseWorktreePorcelain(output)
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// PruneWorktrees removes stale worktree registrations.
func (r *Runner) PruneWorktrees(ctx context.Context, repoPath string) error {
	repoPath = r.resolveRepoPath(repoPath)

	var opErr error
	err := r.enqueue(ctx, func() {
		if _, err := r.git(ctx, repoPath, "worktree", "prune"); err != nil {
			opErr = fmt.Errorf("prune worktrees: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func parseWorktreePorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "detached":
			current.Branch = "(detached)"
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
