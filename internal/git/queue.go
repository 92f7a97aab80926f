package git

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
)

// Runner executes git operations through a single FIFO queue. Callers
// enqueue work; the queue guarantees observed ordering equals
// submission ordering and that no two git commands overlap. A failed
// job does not poison the queue.
type Runner struct {
	run           CommandRunner
	repoRoot      string // default repo when caller passes no path
	worktreesRoot string // default checkout root for new worktrees
	logger        *slog.Logger

	jobs      chan func()
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandRunner sets a custom command runner, primarily for tests.
func WithCommandRunner(run CommandRunner) Option {
	return func(r *Runner) {
		r.run = run
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a Runner and starts its queue goroutine.
// repoRoot is the default repository (REPO_ROOT in main mode, the
// working directory otherwise); worktreesRoot is the default checkout
// root (WORKTREES_ROOT or <repoRoot>/.devchain/worktrees).
func NewRunner(repoRoot, worktreesRoot string, opts ...Option) *Runner {
	r := &Runner{
		run:           NewExecRunner(),
		repoRoot:      repoRoot,
		worktreesRoot: worktreesRoot,
		logger:        slog.Default(),
		jobs:          make(chan func(), 64),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// Close stops the queue after draining pending jobs.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.jobs)
		<-r.done
	})
}

func (r *Runner) drain() {
	defer close(r.done)
	for job := range r.jobs {
		// Errors are delivered through the job's reply channel; the
		// queue itself keeps draining.
		job()
	}
}

// enqueue submits fn to the queue and waits for it to complete.
// Context cancellation stops the wait but not the job itself once it
// has been accepted; git commands observe the same context and abort.
func (r *Runner) enqueue(ctx context.Context, fn func()) error {
	completed := make(chan struct{})
	wrapped := func() {
		fn()
		close(completed)
	}

	select {
	case r.jobs <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveRepoPath picks the repository path for an operation.
func (r *Runner) resolveRepoPath(repoPath string) string {
	if repoPath != "" {
		return repoPath
	}
	return r.repoRoot
}

// DefaultWorktreePath returns the default checkout path for a slug.
func (r *Runner) DefaultWorktreePath(name string) string {
	return filepath.Join(r.worktreesRoot, name)
}

// git runs one git command inside the queue job (callers are already
// serialized when this executes).
func (r *Runner) git(ctx context.Context, workDir string, args ...string) (string, error) {
	out, err := r.run.Run(ctx, workDir, "git", args...)
	if err != nil {
		r.logger.Debug("git command failed", "args", args, "dir", workDir, "error", err)
	}
	return out, err
}
