package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devchain/devchain/internal/db"
)

type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(args []string) (string, error)
}

func (s *scriptedRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	joined := name + " " + strings.Join(args, " ")
	s.mu.Lock()
	s.calls = append(s.calls, joined)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(args)
	}
	return "", nil
}

func TestDockerAvailabilityCachesVerdict(t *testing.T) {
	var probes atomic.Int64
	runner := &scriptedRunner{fn: func(args []string) (string, error) {
		if args[0] == "info" {
			probes.Add(1)
			return "24.0.7", nil
		}
		return "", nil
	}}
	d := NewDockerRuntime(runner, "", t.TempDir(), time.Minute)

	assert.True(t, d.Available(context.Background()))
	assert.True(t, d.Available(context.Background()))
	assert.True(t, d.Available(context.Background()))
	assert.Equal(t, int64(1), probes.Load(), "probe cached for the TTL")

	d.InvalidateAvailability()
	assert.True(t, d.Available(context.Background()))
	assert.Equal(t, int64(2), probes.Load())
}

func TestDockerAvailabilityCoalescesConcurrentProbes(t *testing.T) {
	var probes atomic.Int64
	release := make(chan struct{})
	runner := &scriptedRunner{fn: func(args []string) (string, error) {
		if args[0] == "info" {
			probes.Add(1)
			<-release
		}
		return "", nil
	}}
	d := NewDockerRuntime(runner, "", t.TempDir(), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Available(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), probes.Load(), "concurrent probes share one flight")
}

func TestDockerProvisionUnavailable(t *testing.T) {
	runner := &scriptedRunner{fn: func(args []string) (string, error) {
		return "", errors.New("cannot connect to the docker daemon")
	}}
	d := NewDockerRuntime(runner, "", t.TempDir(), time.Minute)

	_, _, err := d.Provision(context.Background(), &db.Worktree{Name: "feat-1"})
	require.Error(t, err)
}

func TestDockerProvisionRunArgs(t *testing.T) {
	runner := &scriptedRunner{fn: func(args []string) (string, error) {
		if args[0] == "run" {
			return "abc123def\n", nil
		}
		return "", nil
	}}
	dataRoot := t.TempDir()
	d := NewDockerRuntime(runner, "devchain/worktree:latest", dataRoot, time.Minute)

	wt := &db.Worktree{Name: "feat-1", WorktreePath: "/repo/.devchain/worktrees/feat-1"}
	cid, port, err := d.Provision(context.Background(), wt)
	require.NoError(t, err)
	assert.Equal(t, "abc123def", cid)
	assert.Positive(t, port)
	assert.DirExists(t, filepath.Join(dataRoot, "feat-1"))

	var runLine string
	for _, call := range runner.calls {
		if strings.Contains(call, "docker run") {
			runLine = call
		}
	}
	require.NotEmpty(t, runLine)
	assert.Contains(t, runLine, "--name devchain-wt-feat-1")
	assert.Contains(t, runLine, "/repo/.devchain/worktrees/feat-1:/workspace")
	assert.Contains(t, runLine, "devchain/worktree:latest")
}

func TestProcessRuntimeProvision(t *testing.T) {
	dataRoot := t.TempDir()
	p := NewProcessRuntime(dataRoot)
	wt := &db.Worktree{Name: "feat-1"}

	cid, port, err := p.Provision(context.Background(), wt)
	require.NoError(t, err)
	assert.Empty(t, cid)
	assert.Positive(t, port)

	data, err := os.ReadFile(filepath.Join(dataRoot, "feat-1", "port"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "port")

	require.NoError(t, writeFileAtomic(path, []byte("4100")))
	require.NoError(t, writeFileAtomic(path, []byte("4200")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4200", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWaitHeartbeat(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	dataRoot := t.TempDir()
	process := NewProcessRuntime(dataRoot)
	svc := NewService(ServiceOptions{
		Store:       store,
		Git:         &fakeGit{worktreesRoot: t.TempDir()},
		Process:     process,
		HealthTotal: 3 * time.Second,
	})

	wt := &db.Worktree{Name: "feat-1", RuntimeType: db.RuntimeProcess}
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "feat-1"), 0755))

	// Heartbeat appears shortly after the wait starts.
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = os.WriteFile(process.HeartbeatPath(wt), []byte("ok"), 0644)
	}()

	start := time.Now()
	require.NoError(t, svc.waitHealthy(context.Background(), wt, 3*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitHeartbeatTimeout(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	process := NewProcessRuntime(t.TempDir())
	svc := NewService(ServiceOptions{
		Store:   store,
		Git:     &fakeGit{worktreesRoot: t.TempDir()},
		Process: process,
	})

	wt := &db.Worktree{Name: "ghost", RuntimeType: db.RuntimeProcess}
	err = svc.waitHealthy(context.Background(), wt, 400*time.Millisecond)
	require.Error(t, err)
}
