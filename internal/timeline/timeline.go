// Package timeline implements the durable timestamp-to-segment/frame index
// described as the Timeline Index: an append-only SQLite store of segments,
// per-frame keyframe markers and GOP markers, queried by wall-clock range.
package timeline

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Segment is one row of the segments table.
type Segment struct {
	ID      int64
	File    string
	StartTS int64
	EndTS   int64
}

// Index is the process-wide Timeline Index. The zero value is not usable;
// construct with Open. All mutating operations come from a single writer
// (the Recorder Pipeline or the Supervisor's housekeeper); readers may call
// SegmentsOverlapping concurrently from any goroutine.
type Index struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger

	degraded bool
	logged   map[string]bool

	currentID   int64
	currentFile string
}

// Open opens or creates the index at path. Per spec, an I/O failure here is
// not fatal to the caller: Open always returns a non-nil *Index, and if
// opening failed every subsequent operation becomes a silent no-op (logged
// once). Callers that want to detect failure can inspect Degraded().
func Open(path string, logger *slog.Logger) *Index {
	idx := &Index{
		logger: logger.With("component", "timeline"),
		logged: make(map[string]bool),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		idx.fail("mkdir", err)
		return idx
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		idx.fail("open", err)
		return idx
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		idx.fail("ping", err)
		return idx
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		idx.fail("migrate", err)
		return idx
	}

	idx.db = db
	idx.logger.Info("timeline index opened", "path", path)
	return idx
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			ts INTEGER NOT NULL,
			keyframe INTEGER NOT NULL,
			segment_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gops (
			ts INTEGER NOT NULL,
			file TEXT NOT NULL,
			segment_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_range ON segments(start_ts, end_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_segment ON frames(segment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gops_segment ON gops(segment_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Degraded reports whether the index failed to open and is running as a
// silent no-op sink.
func (idx *Index) Degraded() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.degraded
}

// Close closes the underlying store. Safe to call on a degraded index.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// fail marks the index degraded and logs only the first failure seen at
// each distinct call site, so a persistently broken database doesn't flood
// the log on every subsequent write attempt.
func (idx *Index) fail(site string, err error) {
	idx.degraded = true
	if idx.logged[site] {
		return
	}
	idx.logged[site] = true
	idx.logger.Error("timeline index degraded", "site", site, "error", err)
}

// InsertSegment assigns a new segment id, persists (file, start_ts=now, 0),
// and returns the id. startPTS is accepted to match the external mux
// contract but intentionally discarded: persisted time is always wall-clock,
// because PTS rolls over and is relative across camera reboots.
func (idx *Index) InsertSegment(file string, startPTS int64) int64 {
	_ = startPTS
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded {
		return 0
	}

	res, err := idx.db.Exec(`INSERT INTO segments (file, start_ts, end_ts) VALUES (?, ?, 0)`, file, nowMS())
	if err != nil {
		idx.fail("insert_segment", err)
		return 0
	}
	id, err := res.LastInsertId()
	if err != nil {
		idx.fail("insert_segment.id", err)
		return 0
	}

	idx.currentID = id
	idx.currentFile = file
	return id
}

// CloseSegment sets the current segment's end_ts to now. No-op if there is
// no open segment. endPTS is accepted and discarded, matching InsertSegment.
func (idx *Index) CloseSegment(endPTS int64) {
	_ = endPTS
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded || idx.currentID == 0 {
		return
	}

	if _, err := idx.db.Exec(`UPDATE segments SET end_ts = ? WHERE id = ?`, nowMS(), idx.currentID); err != nil {
		idx.fail("close_segment", err)
		return
	}
	idx.currentID = 0
	idx.currentFile = ""
}

// InsertFrame records one observed packet against the currently open
// segment. If isKeyframe is set, a GOP marker is also written.
func (idx *Index) InsertFrame(pts int64, isKeyframe bool) {
	_ = pts
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded || idx.currentID == 0 {
		return
	}

	ts := nowMS()
	keyframe := 0
	if isKeyframe {
		keyframe = 1
	}

	if _, err := idx.db.Exec(`INSERT INTO frames (ts, keyframe, segment_id) VALUES (?, ?, ?)`, ts, keyframe, idx.currentID); err != nil {
		idx.fail("insert_frame", err)
		return
	}

	if isKeyframe {
		if _, err := idx.db.Exec(`INSERT INTO gops (ts, file, segment_id) VALUES (?, ?, ?)`, ts, idx.currentFile, idx.currentID); err != nil {
			idx.fail("insert_gop", err)
		}
	}
}

// SegmentsOverlapping returns, ordered ascending by id, every segment
// satisfying end_ts >= fromMs AND start_ts <= toMs. An open segment
// (end_ts == 0) satisfies the lower bound only when fromMs <= 0, so for any
// positive fromMs the segment still being written is not returned. Use
// SegmentsOverlappingLive for in-progress coverage.
func (idx *Index) SegmentsOverlapping(fromMs, toMs int64) ([]Segment, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded {
		return nil, nil
	}

	rows, err := idx.db.Query(
		`SELECT id, file, start_ts, end_ts FROM segments
		 WHERE end_ts >= ? AND start_ts <= ?
		 ORDER BY id ASC`, fromMs, toMs)
	if err != nil {
		idx.fail("segments_overlapping", err)
		return nil, fmt.Errorf("segments_overlapping: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.File, &s.StartTS, &s.EndTS); err != nil {
			return nil, fmt.Errorf("segments_overlapping: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SegmentsOverlappingLive behaves like SegmentsOverlapping but also admits
// the still-open segment (end_ts == 0) whenever its start_ts falls inside
// the requested range, so a playback request for "up to now" includes the
// segment currently being written.
func (idx *Index) SegmentsOverlappingLive(fromMs, toMs int64) ([]Segment, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded {
		return nil, nil
	}

	rows, err := idx.db.Query(
		`SELECT id, file, start_ts, end_ts FROM segments
		 WHERE (end_ts >= ? OR end_ts = 0) AND start_ts <= ?
		 ORDER BY id ASC`, fromMs, toMs)
	if err != nil {
		idx.fail("segments_overlapping_live", err)
		return nil, fmt.Errorf("segments_overlapping_live: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.File, &s.StartTS, &s.EndTS); err != nil {
			return nil, fmt.Errorf("segments_overlapping_live: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CurrentSegment returns the currently-open segment's id and file, or
// (0, "") if none is open.
func (idx *Index) CurrentSegment() (int64, string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.currentID, idx.currentFile
}

// DeleteSegmentRow removes a segment's index rows (segments, frames, gops),
// used by the housekeeper after it has deleted the file itself. Per spec
// §9 open question, this module's chosen behavior is to purge: dangling
// index rows for deleted files would otherwise accumulate unbounded and
// corrupt segments_overlapping results with phantom entries.
func (idx *Index) DeleteSegmentRow(id int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded {
		return nil
	}

	if _, err := idx.db.Exec(`DELETE FROM frames WHERE segment_id = ?`, id); err != nil {
		return fmt.Errorf("delete_segment_row: frames: %w", err)
	}
	if _, err := idx.db.Exec(`DELETE FROM gops WHERE segment_id = ?`, id); err != nil {
		return fmt.Errorf("delete_segment_row: gops: %w", err)
	}
	if _, err := idx.db.Exec(`DELETE FROM segments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete_segment_row: segments: %w", err)
	}
	return nil
}

// SegmentsOlderThan returns every segment row with end_ts != 0 and
// end_ts < cutoffMs, ascending by id, for the housekeeper's deletion sweep.
func (idx *Index) SegmentsOlderThan(cutoffMs int64) ([]Segment, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.degraded {
		return nil, nil
	}

	rows, err := idx.db.Query(
		`SELECT id, file, start_ts, end_ts FROM segments
		 WHERE end_ts != 0 AND end_ts < ?
		 ORDER BY id ASC`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("segments_older_than: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.File, &s.StartTS, &s.EndTS); err != nil {
			return nil, fmt.Errorf("segments_older_than: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TotalSegments returns the count of every segment row regardless of
// open/closed state, used by the resolver to report a diagnostic count
// when no segment overlaps a requested interval.
func (idx *Index) TotalSegments() (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.degraded {
		return 0, nil
	}
	var n int
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM segments`).Scan(&n)
	return n, err
}

func (idx *Index) FrameCount() (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.degraded {
		return 0, nil
	}
	var n int
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

func (idx *Index) GopCount() (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.degraded {
		return 0, nil
	}
	var n int
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM gops`).Scan(&n)
	return n, err
}
