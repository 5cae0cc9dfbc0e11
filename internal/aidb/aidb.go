// Package aidb persists a companion event log at "<archive>/ai.db" with one
// table events(ts, type, confidence, bbox), written to by the Motion FFI
// surface's host loop whenever a tracked object is classified as dynamic.
// Grounded on original_source/recorder/AiDB.cpp.
package aidb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// BBox is a pixel-space rectangle, serialized to the events table as JSON
// text to match the original schema's single TEXT column.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Event is one row of the events table.
type Event struct {
	TS         int64
	Type       string
	Confidence float64
	BBox       BBox
}

// DB wraps the ai.db event log.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates ai.db at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("aidb: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("aidb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("aidb: ping: %w", err)
	}

	const ddl = `CREATE TABLE IF NOT EXISTS events (
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL,
		bbox TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("aidb: migrate: %w", err)
	}

	return &DB{db: db, logger: logger.With("component", "aidb")}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertEvent appends one event row.
func (d *DB) InsertEvent(e Event) error {
	bboxJSON, err := json.Marshal(e.BBox)
	if err != nil {
		return fmt.Errorf("aidb: marshal bbox: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO events (ts, type, confidence, bbox) VALUES (?, ?, ?, ?)`,
		e.TS, e.Type, e.Confidence, string(bboxJSON),
	)
	if err != nil {
		d.logger.Error("failed to insert event", "error", err)
		return fmt.Errorf("aidb: insert_event: %w", err)
	}
	return nil
}

// EventsSince returns every event with ts >= sinceMs, ascending by ts.
func (d *DB) EventsSince(sinceMs int64) ([]Event, error) {
	rows, err := d.db.Query(`SELECT ts, type, confidence, bbox FROM events WHERE ts >= ? ORDER BY ts ASC`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("aidb: events_since: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var bboxJSON string
		if err := rows.Scan(&e.TS, &e.Type, &e.Confidence, &bboxJSON); err != nil {
			return nil, fmt.Errorf("aidb: events_since: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(bboxJSON), &e.BBox); err != nil {
			return nil, fmt.Errorf("aidb: events_since: unmarshal bbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
