// Package session launches one terminal-multiplexer session per agent
// and serializes all per-agent operations behind an agent lock.
package session

import (
	"context"
	"sync"
)

// AgentLocks serializes operations on the same agent across the whole
// process. The lock is non-reentrant: acquiring a held key blocks until
// the holder releases it, so callers must never nest acquisitions of
// the same key.
type AgentLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	token chan struct{}
	refs  int
}

// NewAgentLocks creates an empty lock registry.
func NewAgentLocks() *AgentLocks {
	return &AgentLocks{locks: map[string]*lockEntry{}}
}

// WithAgentLock runs fn while holding the agent's lock. Acquisition
// respects ctx so a nested acquisition deadlock surfaces as a context
// error instead of hanging forever.
func (l *AgentLocks) WithAgentLock(ctx context.Context, agentID string, fn func() error) error {
	entry := l.retain(agentID)
	defer l.release(agentID)

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-entry.token }()

	return fn()
}

func (l *AgentLocks) retain(agentID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[agentID]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		l.locks[agentID] = entry
	}
	entry.refs++
	return entry
}

// release drops a reference; the entry is removed once no goroutine
// holds or waits on it.
func (l *AgentLocks) release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[agentID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, agentID)
	}
}
