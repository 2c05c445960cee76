package server

import (
	"sync"
	"time"

	"github.com/aide-sh/aide/pkg/notify"
)

// Sessions tracks connected clients and their heartbeats for the
// notification policy.
type Sessions struct {
	mu   sync.RWMutex
	byID map[string]notify.ClientSession

	Now func() time.Time
}

// NewSessions returns an empty registry.
func NewSessions() *Sessions {
	return &Sessions{byID: map[string]notify.ClientSession{}, Now: time.Now}
}

// Register adds a client and stamps its first heartbeat.
func (s *Sessions) Register(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = notify.ClientSession{ID: id, LastHeartbeat: s.Now()}
}

// Heartbeat refreshes a client and records which chat it is viewing.
func (s *Sessions) Heartbeat(id, currentChatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byID[id]
	if !ok {
		session = notify.ClientSession{ID: id}
	}
	session.CurrentChatID = currentChatID
	session.LastHeartbeat = s.Now()
	s.byID[id] = session
}

// Remove drops a disconnected client.
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Snapshot returns the current sessions for the notification decision.
func (s *Sessions) Snapshot() []notify.ClientSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.ClientSession, 0, len(s.byID))
	for _, session := range s.byID {
		out = append(out, session)
	}
	return out
}
