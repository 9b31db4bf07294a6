package syncer

import (
	"sync"

	"calmirror/internal/caldav"
)

// Session holds the active remote connection. One Session is built at startup
// and shared by the engine and the scheduler.
type Session struct {
	mu        sync.RWMutex
	transport caldav.Transport
	username  string
}

func NewSession() *Session {
	return &Session{}
}

// Attach makes t the active transport, replacing any previous one.
func (s *Session) Attach(t caldav.Transport, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
	s.username = username
}

func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nil
	s.username = ""
}

// Transport returns the active transport, or ErrNotConnected.
func (s *Session) Transport() (caldav.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport != nil
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}
