package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/preview"
	"github.com/sirupsen/logrus"
)

// MaxSessions limits concurrent sessions to bound preview memory.
const MaxSessions = 32

// SessionKeepAliveWindow is how long a recently used session is protected
// from cleanup.
const SessionKeepAliveWindow = 5 * time.Minute

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrTooManySessions is returned when every slot holds a processing session.
var ErrTooManySessions = errors.New("too many active sessions")

// Manager tracks the sessions of all connected clients.
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	previews    *preview.Manager
	runner      *batch.Runner
	maxSessions int
}

// NewManager creates a session manager.
func NewManager(previews *preview.Manager, runner *batch.Runner) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		previews:    previews,
		runner:      runner,
		maxSessions: MaxSessions,
	}
}

// SetMaxSessions overrides the session cap.
func (m *Manager) SetMaxSessions(n int) {
	if n > 0 {
		m.maxSessions = n
	}
}

// Create starts a new idle session, evicting the least recently used
// non-processing session when at capacity.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	var evict *Session
	if len(m.sessions) >= m.maxSessions {
		evict = m.oldestIdleLocked()
		if evict == nil {
			m.mu.Unlock()
			return nil, ErrTooManySessions
		}
		delete(m.sessions, evict.ID)
	}
	s := New(m.previews, m.runner)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if evict != nil {
		evict.Close()
		logrus.WithField("session", evict.ID[:8]).Info("evicted session to free previews")
	}
	return s, nil
}

func (m *Manager) oldestIdleLocked() *Session {
	type candidate struct {
		s    *Session
		last time.Time
	}
	var list []candidate
	for _, s := range m.sessions {
		if last, idle := s.idleSince(); idle {
			list = append(list, candidate{s, last})
		}
	}
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].last.Before(list[j].last) })
	return list[0].s
}

// Get returns a session by ID and marks it as recently used.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Close removes a session and releases its previews.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupOldSessions closes sessions not accessed within maxAge. Processing
// sessions and sessions used within SessionKeepAliveWindow are kept.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		last, idle := s.idleSince()
		if !idle || last.After(keepAliveCutoff) || !last.Before(cutoff) {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range expired {
		last, _ := s.idleSince()
		s.Close()
		logrus.WithFields(logrus.Fields{
			"session":       s.ID[:8],
			"last_accessed": time.Since(last).Round(time.Second).String(),
		}).Info("cleaned up aged session")
	}
	return len(expired)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
