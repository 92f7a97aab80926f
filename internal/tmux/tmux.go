// Package tmux wraps terminal-multiplexer session operations via
// subprocess.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// validSessionNameRe validates session names to prevent shell
// injection. Dots and colons make tmux target syntax ambiguous and
// are rejected outright.
var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Common errors.
var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

// ValidateSessionName checks that a session name contains only safe
// characters.
func ValidateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// Runner executes tmux commands. The indirection exists for tests.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout string, stderr string, err error)
}

// execRunner shells out to the tmux binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	// -u forces UTF-8 mode regardless of locale.
	cmd := exec.CommandContext(ctx, "tmux", append([]string{"-u"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

// Tmux wraps tmux operations.
type Tmux struct {
	runner Runner
}

// New creates a Tmux wrapper using the real binary.
func New() *Tmux {
	return &Tmux{runner: execRunner{}}
}

// NewWithRunner creates a Tmux wrapper with a custom runner.
func NewWithRunner(r Runner) *Tmux {
	return &Tmux{runner: r}
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := t.runner.Run(ctx, args...)
	if err != nil {
		return "", wrapError(err, stderr, args)
	}
	return stdout, nil
}

// wrapError classifies tmux stderr into sentinel errors.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "no current target") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable checks whether tmux can be invoked at all.
func (t *Tmux) IsAvailable(ctx context.Context) bool {
	_, err := t.run(ctx, "-V")
	return err == nil || !errors.Is(err, exec.ErrNotFound)
}

// versionRe pulls the numeric version out of `tmux -V` output, which
// looks like "tmux 3.4" or "tmux 2.6a" or "tmux next-3.5".
var versionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// Version returns the major.minor version reported by tmux -V.
func (t *Tmux) Version(ctx context.Context) (major, minor int, err error) {
	out, err := t.run(ctx, "-V")
	if err != nil {
		return 0, 0, err
	}
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("unparseable tmux version %q", out)
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, nil
}

// NewSession creates a new detached session rooted at workDir.
func (t *Tmux) NewSession(ctx context.Context, name, workDir string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := t.run(ctx, args...)
	return err
}

// DisableAlternateScreen keeps provider TUIs from switching to the
// alternate screen so scrollback survives in the session.
func (t *Tmux) DisableAlternateScreen(ctx context.Context, name string) error {
	_, err := t.run(ctx, "set-option", "-t", name, "alternate-screen", "off")
	return err
}

// HasSession checks if a session exists (exact match; the "=" prefix
// prevents prefix matching).
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillSession terminates a session. Missing sessions are not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// GetPanePID returns the PID of the session's pane 0 process.
func (t *Tmux) GetPanePID(ctx context.Context, name string) (string, error) {
	out, err := t.run(ctx, "display-message", "-t", name+":0.0", "-p", "#{pane_pid}")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty PID for session %s", name)
	}
	return out, nil
}

// SendKeys sends literal text followed by Enter, with a debounce in
// between so Enter never races the paste.
func (t *Tmux) SendKeys(ctx context.Context, session, keys string) error {
	return t.SendKeysDebounced(ctx, session, keys, 100*time.Millisecond)
}

// SendKeysDebounced sends literal text, waits, then sends Enter as a
// separate command.
func (t *Tmux) SendKeysDebounced(ctx context.Context, session, keys string, debounce time.Duration) error {
	if _, err := t.run(ctx, "send-keys", "-t", session, "-l", keys); err != nil {
		return err
	}
	if debounce > 0 {
		time.Sleep(debounce)
	}
	_, err := t.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// PasteText delivers text via a tmux buffer with bracketed paste
// (-p), waits for the paste to settle, then submits Enter. Bracketed
// paste makes the receiving CLI's line editor treat embedded newlines
// as part of one message instead of submitting each line.
func (t *Tmux) PasteText(ctx context.Context, session, text string, settle time.Duration) error {
	if _, err := t.run(ctx, "set-buffer", "-b", "devchain-paste", text); err != nil {
		return err
	}
	if _, err := t.run(ctx, "paste-buffer", "-p", "-d", "-b", "devchain-paste", "-t", session); err != nil {
		return err
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	_, err := t.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// EnsureSessionFresh creates a session, replacing a zombie if one is
// in the way. Create-first avoids the check-then-create race: the
// create either succeeds, or tells us the session exists, at which
// point aliveCheck decides whether it is worth keeping.
func (t *Tmux) EnsureSessionFresh(ctx context.Context, name, workDir string, aliveCheck func() bool) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	err := t.NewSession(ctx, name, workDir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSessionExists) {
		return fmt.Errorf("creating session: %w", err)
	}

	if aliveCheck != nil && aliveCheck() {
		return nil
	}

	// Zombie: tmux alive but the agent process is gone.
	if err := t.KillSession(ctx, name); err != nil {
		return fmt.Errorf("killing zombie session: %w", err)
	}
	err = t.NewSession(ctx, name, workDir)
	if errors.Is(err, ErrSessionExists) {
		// Someone else recreated it between our kill and create.
		return nil
	}
	return err
}
