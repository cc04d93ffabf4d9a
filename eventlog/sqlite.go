package eventlog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	ts    INTEGER NOT NULL,
	actor TEXT NOT NULL,
	text  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_actor_text ON events(actor, text, id);
`

// SQLiteStore keeps the event log in an sqlite database. It answers Last with
// an index lookup instead of a linear scan.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite event store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (ts, actor, text) VALUES (?, ?, ?)`,
		e.Time.Unix(), e.Actor, e.Text,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Last(actor, text string) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRow(
		`SELECT ts FROM events WHERE actor = ? AND text = ? ORDER BY id DESC LIMIT 1`,
		actor, text,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query event: %w", err)
	}
	return time.Unix(ts, 0), true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
