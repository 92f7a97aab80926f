package session

import (
	"strings"
)

const maxSlugSegment = 24

// SessionName builds the deterministic tmux session name:
// <project>-<epicSlug|independent>-<agentId>-<sessionId>. Every
// segment is reduced to tmux-safe characters.
func SessionName(projectName, epicSlug, agentID, sessionID string) string {
	if epicSlug == "" {
		epicSlug = "independent"
	}
	parts := []string{
		slugify(projectName),
		slugify(epicSlug),
		shortID(agentID),
		shortID(sessionID),
	}
	return strings.Join(parts, "-")
}

// slugify lowercases and collapses anything outside [a-z0-9_] into
// single dashes, bounded to keep the full name readable in tmux.
func slugify(s string) string {
	var b strings.Builder
	dash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= maxSlugSegment {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "x"
	}
	return out
}

// shortID keeps the first 8 hex characters of a uuid.
func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "x"
	}
	return id
}
