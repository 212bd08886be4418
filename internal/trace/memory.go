package trace

import "sync"

// MemoryStorage is an in-memory trace backend, the default.
type MemoryStorage struct {
	records []*Record
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{nextID: 1}
}

// Append stores a record in memory.
func (s *MemoryStorage) Append(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID
	s.nextID++
	s.records = append(s.records, r)
	return nil
}

// List returns all records for a session, oldest first.
func (s *MemoryStorage) List(sessionID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Clear removes all records.
func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStorage) Close() error {
	return nil
}
