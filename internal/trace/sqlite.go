package trace

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite trace backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a SQLite trace backend at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			label TEXT,
			started_at INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_task_records_session ON task_records(session_id);
	`)
	return err
}

// Append persists a record to SQLite.
func (s *SQLiteStorage) Append(r *Record) error {
	res, err := s.db.Exec(`
		INSERT INTO task_records (session_id, kind, label, started_at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.Kind, r.Label, r.StartedAt.UnixNano(), int64(r.Duration), r.Error)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// List retrieves all records for a session, oldest first.
func (s *SQLiteStorage) List(sessionID string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, label, started_at, duration_ns, error
		FROM task_records WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{SessionID: sessionID}
		var startedAt, duration int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Label, &startedAt, &duration, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, startedAt)
		r.Duration = time.Duration(duration)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear removes all records.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec(`DELETE FROM task_records`)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
