package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	source TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// SQLiteStore is the durable, bounded event log
type SQLiteStore struct {
	db        *sql.DB
	maxEvents int
}

// NewSQLiteStore opens (creating if needed) the event log at dbPath.
// maxEvents <= 0 selects the default cap.
func NewSQLiteStore(dbPath string, maxEvents int) (*SQLiteStore, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode keeps readers unblocked during the insert-and-evict transaction
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, maxEvents: maxEvents}, nil
}

// Insert appends the event and prunes the oldest rows beyond the cap in
// the same transaction.
func (s *SQLiteStore) Insert(ctx context.Context, evt Event) error {
	data, err := evt.MarshalData()
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, subject, data, timestamp, source) VALUES (?, ?, ?, ?, ?)`,
		evt.ID, evt.Subject, data, evt.Timestamp.Format(time.RFC3339Nano), evt.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}

	if excess := count - s.maxEvents; excess > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY id ASC LIMIT ?)`,
			excess,
		)
		if err != nil {
			return fmt.Errorf("failed to evict oldest events: %w", err)
		}
	}

	return tx.Commit()
}

// GetRecent returns up to limit events, newest first
func (s *SQLiteStore) GetRecent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, subject, data, timestamp, source FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetBySubject returns up to limit events matching the glob pattern,
// newest first. The glob is translated to a SQL LIKE pattern.
func (s *SQLiteStore) GetBySubject(ctx context.Context, pattern string, limit int) ([]Event, error) {
	like := strings.NewReplacer("*", "%", "?", "_").Replace(pattern)

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, subject, data, timestamp, source FROM events WHERE subject LIKE ? ORDER BY id DESC LIMIT ?`,
		like, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by subject: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Count returns the number of stored events
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Clear removes all stored events
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			evt    Event
			data   string
			ts     string
			source sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.Subject, &data, &ts, &source); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		if err := json.Unmarshal([]byte(data), &evt.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		evt.Timestamp = parsed
		evt.Source = source.String

		events = append(events, evt)
	}
	return events, rows.Err()
}
