package gateway

import (
	"fmt"
	"sync"

	"github.com/matst80/devtunnel/internal/obs"
)

type memoryStore struct {
	mu            sync.Mutex
	sessions      map[string]*session
	closing       bool
	ready         bool
	totalSessions int64
	reaped        int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*session)}
}

var _ StateStore = (*memoryStore)(nil)

func (m *memoryStore) setClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) setReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) isClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) isReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *memoryStore) put(s *session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.id]; exists {
		return fmt.Errorf("session already registered: %s", s.id)
	}
	m.sessions[s.id] = s
	m.totalSessions++
	obs.GatewaySessions.Set(float64(len(m.sessions)))
	return nil
}

func (m *memoryStore) get(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memoryStore) remove(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	delete(m.sessions, id)
	obs.GatewaySessions.Set(float64(len(m.sessions)))
	return s
}

func (m *memoryStore) list() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *memoryStore) recordReaped(n int) {
	m.mu.Lock()
	m.reaped += int64(n)
	m.mu.Unlock()
}

func (m *memoryStore) getStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newStats(m.sessions, m.totalSessions, m.reaped)
}
