package worktree

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/git"
)

// Runtime provisions and controls the process or container attached
// to a worktree.
type Runtime interface {
	// Provision creates the runtime for a fresh worktree and returns
	// its container id (empty for process runtimes) and HTTP port.
	Provision(ctx context.Context, wt *db.Worktree) (containerID string, port int, err error)
	Start(ctx context.Context, wt *db.Worktree) error
	Stop(ctx context.Context, wt *db.Worktree) error
	Remove(ctx context.Context, wt *db.Worktree) error
}

// allocatePort asks the kernel for a free TCP port.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// DockerRuntime drives worktree containers through the docker CLI.
// Availability is feature-detected: probes are coalesced through a
// singleflight group and the verdict is cached for a bounded TTL so a
// down daemon does not add latency to every request.
type DockerRuntime struct {
	run      git.CommandRunner
	image    string
	dataRoot string

	probeTTL time.Duration
	probes   singleflight.Group

	mu        sync.Mutex
	available bool
	checkedAt time.Time
}

// containerAppPort is the port the worktree image listens on.
const containerAppPort = 3000

// NewDockerRuntime creates a DockerRuntime. dataRoot is the host
// directory holding per-worktree data volumes.
func NewDockerRuntime(run git.CommandRunner, image, dataRoot string, probeTTL time.Duration) *DockerRuntime {
	if run == nil {
		run = git.NewExecRunner()
	}
	if image == "" {
		image = "devchain/worktree:latest"
	}
	if probeTTL <= 0 {
		probeTTL = 60 * time.Second
	}
	return &DockerRuntime{run: run, image: image, dataRoot: dataRoot, probeTTL: probeTTL}
}

// Available reports whether the docker daemon is reachable. Concurrent
// callers share one probe; the verdict is cached for probeTTL.
func (d *DockerRuntime) Available(ctx context.Context) bool {
	d.mu.Lock()
	if time.Since(d.checkedAt) < d.probeTTL {
		ok := d.available
		d.mu.Unlock()
		return ok
	}
	d.mu.Unlock()

	v, _, _ := d.probes.Do("docker", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := d.run.Run(probeCtx, "", "docker", "info", "--format", "{{.ServerVersion}}")
		ok := err == nil
		d.mu.Lock()
		d.available = ok
		d.checkedAt = time.Now()
		d.mu.Unlock()
		return ok, nil
	})
	return v.(bool)
}

// InvalidateAvailability drops the cached probe verdict.
func (d *DockerRuntime) InvalidateAvailability() {
	d.mu.Lock()
	d.checkedAt = time.Time{}
	d.mu.Unlock()
}

func (d *DockerRuntime) containerName(wt *db.Worktree) string {
	return "devchain-wt-" + wt.Name
}

// Provision creates and starts the worktree's container, publishing
// an allocated host port and mounting the checkout plus a persistent
// data volume.
func (d *DockerRuntime) Provision(ctx context.Context, wt *db.Worktree) (string, int, error) {
	if !d.Available(ctx) {
		return "", 0, deverrors.New(deverrors.CodeDockerUnavailable, "docker daemon is not reachable")
	}

	port, err := allocatePort()
	if err != nil {
		return "", 0, err
	}

	dataDir := filepath.Join(d.dataRoot, wt.Name)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create data dir: %w", err)
	}

	out, err := d.run.Run(ctx, "", "docker", "run", "-d",
		"--name", d.containerName(wt),
		"--label", "devchain.worktree="+wt.Name,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, containerAppPort),
		"-v", wt.WorktreePath+":/workspace",
		"-v", dataDir+":/data",
		"-e", "DEVCHAIN_WORKTREE="+wt.Name,
		d.image)
	if err != nil {
		return "", 0, deverrors.Wrap(deverrors.CodeContainerFailed,
			fmt.Sprintf("provision container for worktree %s", wt.Name), err)
	}
	containerID := strings.TrimSpace(out)
	return containerID, port, nil
}

func (d *DockerRuntime) Start(ctx context.Context, wt *db.Worktree) error {
	if wt.ContainerID == nil || *wt.ContainerID == "" {
		return deverrors.Newf(deverrors.CodeContainerFailed, "worktree %s has no container", wt.Name)
	}
	if !d.Available(ctx) {
		return deverrors.New(deverrors.CodeDockerUnavailable, "docker daemon is not reachable")
	}
	if _, err := d.run.Run(ctx, "", "docker", "start", *wt.ContainerID); err != nil {
		return deverrors.Wrap(deverrors.CodeContainerFailed,
			fmt.Sprintf("start container for worktree %s", wt.Name), err)
	}
	return nil
}

// Stop stops the container gracefully, then forcibly.
func (d *DockerRuntime) Stop(ctx context.Context, wt *db.Worktree) error {
	if wt.ContainerID == nil || *wt.ContainerID == "" {
		return nil
	}
	if _, err := d.run.Run(ctx, "", "docker", "stop", "--time", "10", *wt.ContainerID); err == nil {
		return nil
	}
	if _, err := d.run.Run(ctx, "", "docker", "kill", *wt.ContainerID); err != nil {
		return deverrors.Wrap(deverrors.CodeContainerFailed,
			fmt.Sprintf("stop container for worktree %s", wt.Name), err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, wt *db.Worktree) error {
	if wt.ContainerID == nil || *wt.ContainerID == "" {
		return nil
	}
	if _, err := d.run.Run(ctx, "", "docker", "rm", "-f", *wt.ContainerID); err != nil {
		return deverrors.Wrap(deverrors.CodeContainerFailed,
			fmt.Sprintf("remove container for worktree %s", wt.Name), err)
	}
	return nil
}

// ProcessRuntime is the containerless runtime: the worktree's app is
// expected to run as a host process that serves the recorded port and
// touches a heartbeat file.
type ProcessRuntime struct {
	dataRoot string
}

// NewProcessRuntime creates a ProcessRuntime rooted at dataRoot.
func NewProcessRuntime(dataRoot string) *ProcessRuntime {
	return &ProcessRuntime{dataRoot: dataRoot}
}

// HeartbeatPath is where a process runtime signals liveness.
func (p *ProcessRuntime) HeartbeatPath(wt *db.Worktree) string {
	return filepath.Join(p.dataRoot, wt.Name, "heartbeat")
}

// Provision records a process slot: a data directory, an allocated
// port, and a port file the host process reads at startup.
func (p *ProcessRuntime) Provision(_ context.Context, wt *db.Worktree) (string, int, error) {
	port, err := allocatePort()
	if err != nil {
		return "", 0, err
	}
	dataDir := filepath.Join(p.dataRoot, wt.Name)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create data dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dataDir, "port"), []byte(strconv.Itoa(port))); err != nil {
		return "", 0, err
	}
	return "", port, nil
}

func (p *ProcessRuntime) Start(context.Context, *db.Worktree) error { return nil }

func (p *ProcessRuntime) Stop(_ context.Context, wt *db.Worktree) error {
	// Dropping the heartbeat file tells the host process to wind down.
	err := os.Remove(p.HeartbeatPath(wt))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *ProcessRuntime) Remove(_ context.Context, wt *db.Worktree) error {
	return os.RemoveAll(filepath.Join(p.dataRoot, wt.Name))
}

// writeFileAtomic writes via temp file + rename so readers never see
// a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
