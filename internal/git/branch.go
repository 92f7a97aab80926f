package git

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BranchStatus is the ahead/behind position of a branch relative to a
// base ref.
type BranchStatus struct {
	CommitsAhead  int
	CommitsBehind int
}

// ChangeSummary aggregates the diff stat of a working tree against a
// base ref.
type ChangeSummary struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// TreeStatus reports whether a working tree is clean.
type TreeStatus struct {
	Clean  bool
	Output string // raw porcelain output, empty when clean
}

// ListBranches returns the local branch names of a repository. A
// repository with no commits yields an empty list, not an error.
func (r *Runner) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	repoPath = r.resolveRepoPath(repoPath)

	var result []string
	var opErr error
	err := r.enqueue(ctx, func() {
		output, err := r.git(ctx, repoPath, "branch", "--format=%(refname:short)")
		if err != nil {
			opErr = fmt.Errorf("list branches: %w", err)
			return
		}
		for _, line := range strings.Split(output, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				result = append(result, line)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// DeleteBranch deletes a local branch. The ref is always preceded by
// "--" so a name with a leading dash cannot be parsed as a flag.
func (r *Runner) DeleteBranch(ctx context.Context, name, repoPath string, force bool) error {
	if err := ValidateRefName(name); err != nil {
		return err
	}
	repoPath = r.resolveRepoPath(repoPath)

	var opErr error
	err := r.enqueue(ctx, func() {
		flag := "-d"
		if force {
			flag = "-D"
		}
		if _, err := r.git(ctx, repoPath, "branch", flag, "--", name); err != nil {
			opErr = fmt.Errorf("delete branch %s: %w", name, err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// BranchStatus returns how far branch has diverged from base.
func (r *Runner) BranchStatus(ctx context.Context, repoPath, base, branch string) (*BranchStatus, error) {
	repoPath = r.resolveRepoPath(repoPath)

	var result *BranchStatus
	var opErr error
	err := r.enqueue(ctx, func() {
		output, err := r.git(ctx, repoPath, "rev-list", "--left-right", "--count",
			fmt.Sprintf("%s...%s", base, branch))
		if err != nil {
			opErr = fmt.Errorf("branch status %s...%s: %w", base, branch, err)
			return
		}
		behind, ahead, err := parseLeftRightCount(output)
		if err != nil {
			opErr = err
			return
		}
		result = &BranchStatus{CommitsAhead: ahead, CommitsBehind: behind}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// ChangeSummary aggregates uncommitted changes in a working tree
// against baseRef (HEAD when empty).
func (r *Runner) ChangeSummary(ctx context.Context, path, baseRef string) (*ChangeSummary, error) {
	if baseRef == "" {
		baseRef = "HEAD"
	}

	var result *ChangeSummary
	var opErr error
	err := r.enqueue(ctx, func() {
		output, err := r.git(ctx, path, "diff", "--stat", baseRef)
		if err != nil {
			opErr = fmt.Errorf("change summary: %w", err)
			return
		}
		result = parseDiffStat(output)
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// WorkingTreeStatus reports whether the working tree at repoPath has
// uncommitted changes.
func (r *Runner) WorkingTreeStatus(ctx context.Context, repoPath string) (*TreeStatus, error) {
	repoPath = r.resolveRepoPath(repoPath)

	var result *TreeStatus
	var opErr error
	err := r.enqueue(ctx, func() {
		output, err := r.git(ctx, repoPath, "status", "--porcelain")
		if err != nil {
			opErr = fmt.Errorf("working tree status: %w", err)
			return
		}
		result = &TreeStatus{Clean: strings.TrimSpace(output) == "", Output: output}
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

func parseLeftRightCount(output string) (left, right int, err error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", output)
	}
	if left, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", output)
	}
	if right, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", output)
	}
	return left, right, nil
}

// diffStatRe matches the summary line of `git diff --stat`, e.g.
// " 3 files changed, 14 insertions(+), 2 deletions(-)".
var diffStatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

func parseDiffStat(output string) *ChangeSummary {
	s := &ChangeSummary{}
	m := diffStatRe.FindStringSubmatch(output)
	if m == nil {
		return s
	}
	s.FilesChanged, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		s.Insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		s.Deletions, _ = strconv.Atoi(m[3])
	}
	return s
}
