package session

import (
	"log"
	"sync"
	"time"

	"checkoutdesk/gateway/internal/metrics"
)

// Manager tracks open sessions. A session unused for longer than idle is
// treated as gone.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewManager(idle time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		idle:     idle,
		metrics:  m,
		now:      time.Now,
	}
}

func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()
}

// Get returns a live session and marks it as used.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	now := m.now()
	if m.idle > 0 && s.idleSince(now) > m.idle {
		m.End(id)
		return nil, false
	}
	s.touch(now)
	return s, true
}

// End drops a session and everything it holds. It reports whether the
// session was still open.
func (m *Manager) End(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.metrics.SessionClosed()
	}
	return ok
}

// Sweep ends every idle session and returns how many were removed.
func (m *Manager) Sweep() int {
	if m.idle <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if s.idleSince(now) > m.idle {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range expired {
		if m.End(id) {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[session] swept %d idle sessions", removed)
	}
	return removed
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
