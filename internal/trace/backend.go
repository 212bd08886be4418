// Package trace implements persistence backends for task execution records.
// The event loop reports one record per executed unit (task, microtask,
// timer, continuation) so context propagation can be inspected after the
// fact.
package trace

import "time"

// Record is one executed unit of loop work.
type Record struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Kind      string        `json:"kind"`
	Label     string        `json:"label,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Backend defines the interface for trace storage backends.
type Backend interface {
	// Append persists a record, assigning its ID.
	Append(r *Record) error

	// List retrieves all records for a session, oldest first.
	List(sessionID string) ([]*Record, error)

	// Clear removes all records.
	Clear() error

	// Close closes the backend.
	Close() error
}

// Recorder adapts a Backend to the loop's trace sink for one session.
type Recorder struct {
	sessionID string
	backend   Backend
}

// NewRecorder creates a recorder writing records for sessionID.
func NewRecorder(sessionID string, backend Backend) *Recorder {
	return &Recorder{sessionID: sessionID, backend: backend}
}

// TaskExecuted persists one record. Append errors are dropped: tracing must
// never disturb task execution.
func (r *Recorder) TaskExecuted(kind, label string, start time.Time, duration time.Duration, err error) {
	rec := &Record{
		SessionID: r.sessionID,
		Kind:      kind,
		Label:     label,
		StartedAt: start,
		Duration:  duration,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.backend.Append(rec)
}
