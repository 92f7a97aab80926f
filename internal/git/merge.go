package git

import (
	"context"
	"fmt"
	"strings"

	deverrors "github.com/devchain/devchain/internal/errors"
)

// MergePreview is the result of a dry-run merge.
type MergePreview struct {
	MergeBase    string
	HasConflicts bool
	Conflicts    []string
	Output       string
}

// MergeResult is the outcome of an executed merge or rebase.
type MergeResult struct {
	Commit    string
	Conflicts []string
}

// PreviewMerge computes what merging source into target would do,
// without touching the working tree. Uses merge-base plus merge-tree;
// conflict markers in the merge-tree output indicate conflicts.
func (r *Runner) PreviewMerge(ctx context.Context, repoPath, source, target string) (*MergePreview, error) {
	if err := ValidateRefName(source); err != nil {
		return nil, err
	}
	if err := ValidateRefName(target); err != nil {
		return nil, err
	}
	repoPath = r.resolveRepoPath(repoPath)

	var result *MergePreview
	var opErr error
	err := r.enqueue(ctx, func() {
		base, err := r.git(ctx, repoPath, "merge-base", target, source)
		if err != nil {
			opErr = fmt.Errorf("merge-base %s %s: %w", target, source, err)
			return
		}
		base = strings.TrimSpace(base)

		output, err := r.git(ctx, repoPath, "merge-tree", "--write-tree", "--name-only", target, source)
		conflicts := parseMergeTreeConflicts(output)
		if err != nil && len(conflicts) == 0 {
			// merge-tree exits 1 on conflicts; any other failure is real.
			opErr = fmt.Errorf("merge-tree %s %s: %w", target, source, err)
			return
		}
		result = &MergePreview{
			MergeBase:    base,
			HasConflicts: len(conflicts) > 0,
			Conflicts:    conflicts,
			Output:       output,
		}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// ExecuteMerge merges source into target with an explicit merge
// commit (--no-ff, always). The previously-checked-out branch is
// restored regardless of outcome. On conflict the merge is aborted and
// the conflicting paths are returned inside the error.
func (r *Runner) ExecuteMerge(ctx context.Context, repoPath, source, target, message string) (*MergeResult, error) {
	if err := ValidateRefName(source); err != nil {
		return nil, err
	}
	if err := ValidateRefName(target); err != nil {
		return nil, err
	}
	repoPath = r.resolveRepoPath(repoPath)
	if message == "" {
		message = fmt.Sprintf("Merge branch '%s' into %s", source, target)
	}

	var result *MergeResult
	var opErr error
	err := r.enqueue(ctx, func() {
		prior, err := r.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			opErr = fmt.Errorf("resolve current branch: %w", err)
			return
		}
		prior = strings.TrimSpace(prior)
		defer func() {
			if prior != "" && prior != target {
				_, _ = r.git(ctx, repoPath, "checkout", prior)
			}
		}()

		if _, err := r.git(ctx, repoPath, "checkout", target); err != nil {
			opErr = fmt.Errorf("checkout %s: %w", target, err)
			return
		}

		if _, err := r.git(ctx, repoPath, "merge", "--no-ff", "-m", message, "--", source); err != nil {
			conflicts := r.conflictedPaths(ctx, repoPath)
			_, _ = r.git(ctx, repoPath, "merge", "--abort")
			if len(conflicts) > 0 {
				opErr = deverrors.Newf(deverrors.CodeMergeConflicts,
					"merge of %s into %s has conflicts", source, target).
					WithDetail("conflicts", strings.Join(conflicts, ", ")).WithCause(err)
				result = &MergeResult{Conflicts: conflicts}
				return
			}
			opErr = fmt.Errorf("merge %s into %s: %w", source, target, err)
			return
		}

		commit, err := r.git(ctx, repoPath, "rev-parse", "HEAD")
		if err != nil {
			opErr = fmt.Errorf("resolve merge commit: %w", err)
			return
		}
		result = &MergeResult{Commit: strings.TrimSpace(commit)}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// ExecuteRebase rebases source onto target. The previously-checked-out
// branch is restored regardless of outcome; a conflicted rebase is
// aborted and reported the same way as a conflicted merge.
func (r *Runner) ExecuteRebase(ctx context.Context, repoPath, source, target string) (*MergeResult, error) {
	if err := ValidateRefName(source); err != nil {
		return nil, err
	}
	if err := ValidateRefName(target); err != nil {
		return nil, err
	}
	repoPath = r.resolveRepoPath(repoPath)

	var result *MergeResult
	var opErr error
	err := r.enqueue(ctx, func() {
		prior, err := r.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			opErr = fmt.Errorf("resolve current branch: %w", err)
			return
		}
		prior = strings.TrimSpace(prior)
		defer func() {
			if prior != "" && prior != source {
				_, _ = r.git(ctx, repoPath, "checkout", prior)
			}
		}()

		if _, err := r.git(ctx, repoPath, "checkout", source); err != nil {
			opErr = fmt.Errorf("checkout %s: %w", source, err)
			return
		}

		if _, err := r.git(ctx, repoPath, "rebase", "--", target); err != nil {
			conflicts := r.conflictedPaths(ctx, repoPath)
			_, _ = r.git(ctx, repoPath, "rebase", "--abort")
			if len(conflicts) > 0 {
				opErr = deverrors.Newf(deverrors.CodeMergeConflicts,
					"rebase of %s onto %s has conflicts", source, target).
					WithDetail("conflicts", strings.Join(conflicts, ", ")).WithCause(err)
				result = &MergeResult{Conflicts: conflicts}
				return
			}
			opErr = fmt.Errorf("rebase %s onto %s: %w", source, target, err)
			return
		}

		commit, err := r.git(ctx, repoPath, "rev-parse", "HEAD")
		if err != nil {
			opErr = fmt.Errorf("resolve rebased head: %w", err)
			return
		}
		result = &MergeResult{Commit: strings.TrimSpace(commit)}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// conflictedPaths lists unmerged paths in the working tree. Called
// from inside a queue job only.
func (r *Runner) conflictedPaths(ctx context.Context, repoPath string) []string {
	output, err := r.git(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// parseMergeTreeConflicts extracts conflicted file names from
// `merge-tree --write-tree --name-only` output. The first line is the
// resulting tree OID; on conflict it is followed by the conflicted
// file list and informational messages.
func parseMergeTreeConflicts(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) <= 1 {
		return nil
	}
	var conflicts []string
	seen := map[string]bool{}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			break // blank line separates file list from messages
		}
		if !seen[line] {
			seen[line] = true
			conflicts = append(conflicts, line)
		}
	}
	return conflicts
}
