// Package git serializes and executes all git operations for the
// orchestrator. Every command goes through a single FIFO queue per
// Runner, so no two git commands ever overlap for the repositories
// that Runner manages (git does not tolerate concurrent index writes).
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands.
// This interface allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns the trimmed stdout.
	// workDir is the working directory for the command.
	Run(ctx context.Context, workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the default CommandRunner using exec.CommandContext.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command using exec.CommandContext.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(stderr.String())
		if out := strings.TrimSpace(stdout.String()); out != "" {
			if combined != "" {
				combined += "\n"
			}
			combined += out
		}
		if combined == "" {
			combined = err.Error()
		}
		return combined, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  combined,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError represents a command execution failure. The message
// carries command, cwd, and combined stderr/stdout so callers never
// have to reconstruct the failing invocation.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s (in %s): %s", e.Command, strings.Join(e.Args, " "), e.WorkDir, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
