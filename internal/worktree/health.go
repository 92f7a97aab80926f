package worktree

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
)

// healthBackoff is the probe schedule: exponential from 250ms capped
// at 4s, bounded by the caller's total deadline.
const (
	healthBackoffInitial = 250 * time.Millisecond
	healthBackoffMax     = 4 * time.Second
)

// waitHealthy blocks until the worktree's runtime answers its health
// predicate or the total timeout elapses. Container runtimes poll
// GET /health on the published port; process runtimes wait for the
// heartbeat file to appear, watching the directory so a fast start is
// observed without a full backoff cycle.
func (s *Service) waitHealthy(ctx context.Context, wt *db.Worktree, total time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	if wt.RuntimeType == db.RuntimeProcess {
		return s.waitHeartbeat(ctx, wt)
	}
	return s.waitHTTPHealth(ctx, wt)
}

func (s *Service) waitHTTPHealth(ctx context.Context, wt *db.Worktree) error {
	if wt.ContainerPort == nil || *wt.ContainerPort == 0 {
		return deverrors.Newf(deverrors.CodeWorktreeNotReady, "worktree %s has no port", wt.Name)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", *wt.ContainerPort)
	client := &http.Client{Timeout: 5 * time.Second}

	backoff := healthBackoffInitial
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return deverrors.Newf(deverrors.CodeHealthTimeout,
				"worktree %s did not become healthy", wt.Name).WithCause(ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > healthBackoffMax {
			backoff = healthBackoffMax
		}
	}
}

func (s *Service) waitHeartbeat(ctx context.Context, wt *db.Worktree) error {
	path := s.process.HeartbeatPath(wt)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// No watcher available: fall back to pure polling.
		return s.pollHeartbeat(ctx, path, wt)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(s.process.dataDir(wt)); err != nil {
		return s.pollHeartbeat(ctx, path, wt)
	}

	// Re-check after registering the watch to close the race where
	// the file appeared in between.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	backoff := healthBackoffInitial
	for {
		select {
		case <-ctx.Done():
			return deverrors.Newf(deverrors.CodeHealthTimeout,
				"worktree %s heartbeat never appeared", wt.Name).WithCause(ctx.Err())
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
				return nil
			}
		case <-watcher.Errors:
			return s.pollHeartbeat(ctx, path, wt)
		case <-time.After(backoff):
			// Watch events can be lost across some filesystems; the
			// periodic stat keeps the wait correct regardless.
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
		if backoff *= 2; backoff > healthBackoffMax {
			backoff = healthBackoffMax
		}
	}
}

func (s *Service) pollHeartbeat(ctx context.Context, path string, wt *db.Worktree) error {
	backoff := healthBackoffInitial
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return deverrors.Newf(deverrors.CodeHealthTimeout,
				"worktree %s heartbeat never appeared", wt.Name).WithCause(ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > healthBackoffMax {
			backoff = healthBackoffMax
		}
	}
}

// dataDir returns the per-worktree data directory.
func (p *ProcessRuntime) dataDir(wt *db.Worktree) string {
	return filepath.Join(p.dataRoot, wt.Name)
}
