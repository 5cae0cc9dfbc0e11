package aidb

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInsertAndEventsSince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ai.db")
	db, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	events := []Event{
		{TS: 100, Type: "motion", Confidence: 0.9, BBox: BBox{X: 1, Y: 2, W: 3, H: 4}},
		{TS: 200, Type: "motion", Confidence: 0.5, BBox: BBox{X: 5, Y: 6, W: 7, H: 8}},
	}
	for _, e := range events {
		if err := db.InsertEvent(e); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	got, err := db.EventsSince(150)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event since ts=150, got %d", len(got))
	}
	if got[0].TS != 200 || got[0].BBox.W != 7 {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ai.db")
	db1, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()
}
