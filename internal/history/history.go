// Package history keeps an append-only lifecycle journal in sqlite: one row
// per process transition. Failures to record an event are logged, never
// propagated — the supervisor must survive a broken history DB. Open and
// Recent return their errors to the caller.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	exit_code  INTEGER,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_process_ts ON events(process_id, ts);
`

// Event is one journal row.
type Event struct {
	ID        int64  `json:"id"`
	ProcessID string `json:"process_id"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	ExitCode  *int   `json:"exit_code"`
	Timestamp int64  `json:"timestamp"`
}

// Store wraps the sqlite journal.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open creates or opens the journal DB at path.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends one event. Errors are logged and swallowed.
func (s *Store) Record(processID, event, detail string, exitCode *int) {
	_, err := s.db.Exec(
		`INSERT INTO events (process_id, event, detail, exit_code, ts) VALUES (?, ?, ?, ?, ?)`,
		processID, event, detail, exitCode, time.Now().Unix(),
	)
	if err != nil {
		s.log.WithError(err).Warnf("history: record %s for %s", event, processID)
	}
}

// Recent returns the newest limit events for a process, oldest first.
func (s *Store) Recent(processID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT id, process_id, event, detail, exit_code, ts FROM events
		 WHERE process_id = ? ORDER BY id DESC LIMIT ?`,
		processID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var code sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.ProcessID, &ev.Event, &ev.Detail, &code, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			ev.ExitCode = &c
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
