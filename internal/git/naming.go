package git

import (
	"regexp"
	"strings"

	deverrors "github.com/devchain/devchain/internal/errors"
)

// worktreeNameRe is the conservative allow-list for worktree slugs.
// Names become directory names and URL path segments, so only a safe
// subset is accepted.
var worktreeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateWorktreeName checks a worktree slug against the allow-list.
func ValidateWorktreeName(name string) error {
	if name == "" {
		return deverrors.New(deverrors.CodeInvalidName, "worktree name is empty")
	}
	if !worktreeNameRe.MatchString(name) {
		return deverrors.Newf(deverrors.CodeInvalidName,
			"invalid worktree name %q: must match %s", name, worktreeNameRe.String())
	}
	// Dot-prefixed segments are rejected above; ".." can still appear
	// in the middle and is never a valid directory component here.
	if strings.Contains(name, "..") {
		return deverrors.Newf(deverrors.CodeInvalidName, "invalid worktree name %q", name)
	}
	return nil
}

// ValidateRefName checks a branch or ref name against git's own
// ref-name rules (git-check-ref-format), conservatively.
func ValidateRefName(name string) error {
	bad := func(why string) error {
		return deverrors.Newf(deverrors.CodeInvalidRef, "invalid ref name %q: %s", name, why)
	}

	if name == "" {
		return bad("empty")
	}
	if strings.HasPrefix(name, "-") {
		return bad("leading dash")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return bad("leading or trailing slash")
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return bad("trailing dot or .lock")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return bad("forbidden sequence")
	}
	if name == "@" {
		return bad("bare @")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return bad("control character")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return bad("forbidden character")
		}
	}
	for _, segment := range strings.Split(name, "/") {
		if strings.HasPrefix(segment, ".") {
			return bad("dot-prefixed segment")
		}
	}
	return nil
}

// SanitizeBranchName converts a branch name to a safe directory name.
func SanitizeBranchName(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	safe = strings.ToLower(safe)
	safe = regexp.MustCompile(`[^a-z0-9._-]`).ReplaceAllString(safe, "")
	safe = regexp.MustCompile(`-+`).ReplaceAllString(safe, "-")
	return strings.Trim(safe, "-")
}
