// Package session implements session management for the context engine server.
// Each session owns a Lua runtime with its own event loop and context frames.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zot/context-engine/internal/luart"
	"github.com/zot/context-engine/internal/trace"
)

// Session represents a single client session.
// A session owns one runtime; all evaluation for the session happens on
// that runtime's loop goroutine.
type Session struct {
	ID          string
	runtime     *luart.Runtime
	recorder    *trace.Recorder
	connections map[string]struct{} // connection IDs
	createdAt   time.Time

	lastActivity time.Time
	mu           sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		connections:  make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

// GetID returns the session ID.
func (s *Session) GetID() string {
	return s.ID
}

// Runtime returns the runtime for this session.
func (s *Session) Runtime() *luart.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime
}

// SetRuntime attaches a runtime to this session.
func (s *Session) SetRuntime(rt *luart.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime = rt
}

// Recorder returns the trace recorder for this session, or nil if
// tracing is disabled.
func (s *Session) Recorder() *trace.Recorder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorder
}

// SetRecorder attaches a trace recorder to this session.
func (s *Session) SetRecorder(r *trace.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// AddConnection registers a new connection to this session.
func (s *Session) AddConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[connectionID] = struct{}{}
	s.lastActivity = time.Now()
}

// RemoveConnection unregisters a connection from this session.
// Returns true if this was the last connection.
func (s *Session) RemoveConnection(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, connectionID)
	s.lastActivity = time.Now()
	return len(s.connections) == 0
}

// IsActive checks if the session has any connections.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections) > 0
}

// GetConnectionCount returns the number of active connections.
func (s *Session) GetConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Touch updates the lastActivity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// GetCreatedAt returns the session creation time.
func (s *Session) GetCreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// GetLastActivity returns the last activity time.
func (s *Session) GetLastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// GenerateSessionID creates a unique session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}
