package timeline

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	idx1 := Open(path, testLogger())
	if idx1.Degraded() {
		t.Fatalf("first open degraded")
	}
	if err := idx1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx2 := Open(path, testLogger())
	if idx2.Degraded() {
		t.Fatalf("second open on existing index degraded")
	}
	defer idx2.Close()
}

func TestInsertCloseSegmentLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := Open(path, testLogger())
	defer idx.Close()

	id := idx.InsertSegment("000000.ts", 12345)
	if id == 0 {
		t.Fatal("InsertSegment returned 0")
	}

	curID, curFile := idx.CurrentSegment()
	if curID != id || curFile != "000000.ts" {
		t.Fatalf("CurrentSegment = (%d, %q), want (%d, %q)", curID, curFile, id, "000000.ts")
	}

	idx.InsertFrame(100, true)
	idx.InsertFrame(133, false)
	idx.InsertFrame(166, false)

	idx.CloseSegment(999)

	rows, err := idx.SegmentsOverlapping(0, time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("SegmentsOverlapping: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(rows))
	}
	if rows[0].EndTS == 0 {
		t.Error("expected end_ts to be set after CloseSegment")
	}
	if rows[0].EndTS < rows[0].StartTS {
		t.Errorf("end_ts (%d) < start_ts (%d)", rows[0].EndTS, rows[0].StartTS)
	}

	fc, err := idx.FrameCount()
	if err != nil {
		t.Fatalf("FrameCount: %v", err)
	}
	if fc != 3 {
		t.Errorf("expected 3 frames, got %d", fc)
	}

	gc, err := idx.GopCount()
	if err != nil {
		t.Fatalf("GopCount: %v", err)
	}
	if gc != 1 {
		t.Errorf("expected 1 gop, got %d", gc)
	}
}

func TestCloseSegmentNoOpWithoutOpenSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := Open(path, testLogger())
	defer idx.Close()

	idx.CloseSegment(0) // must not panic, must not error

	rows, err := idx.SegmentsOverlapping(0, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("SegmentsOverlapping: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no segments, got %d", len(rows))
	}
}

func TestSegmentsOverlappingInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := Open(path, testLogger())
	defer idx.Close()

	// Seed three sequential segments with deterministic timestamps by
	// inserting rows directly through the public API and then patching
	// timestamps via CloseSegment's wall-clock write is not controllable,
	// so we rely on insertion order plus id ordering instead, matching the
	// spec's "sorting by id preserves insertion order which equals time
	// order by construction" rationale.
	id1 := idx.InsertSegment("000000.ts", 0)
	idx.CloseSegment(0)
	id2 := idx.InsertSegment("000001.ts", 0)
	idx.CloseSegment(0)
	id3 := idx.InsertSegment("000002.ts", 0)
	idx.CloseSegment(0)

	all, err := idx.SegmentsOverlapping(0, time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("SegmentsOverlapping: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(all))
	}
	if all[0].ID != id1 || all[1].ID != id2 || all[2].ID != id3 {
		t.Errorf("segments not in id order: %+v", all)
	}

	for i := 1; i < len(all); i++ {
		if all[i].StartTS < all[i-1].StartTS {
			t.Errorf("start_ts not non-decreasing in id order: %+v", all)
		}
	}
}

func TestSegmentsOverlappingFromGreaterThanToReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx := Open(path, testLogger())
	defer idx.Close()

	idx.InsertSegment("000000.ts", 0)
	idx.CloseSegment(0)

	rows, err := idx.SegmentsOverlapping(time.Now().Add(time.Hour).UnixMilli(), 0)
	if err != nil {
		t.Fatalf("SegmentsOverlapping: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty result when from > to, got %d rows", len(rows))
	}
}

func TestDegradedIndexIsSilentNoOp(t *testing.T) {
	// Opening a path whose parent cannot be created (a file, not a dir, in
	// the way) forces the index into its degraded no-op mode.
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	idx := Open(filepath.Join(blocker, "sub", "index.db"), testLogger())
	if !idx.Degraded() {
		t.Fatal("expected index to be degraded")
	}

	// None of these should panic or error back to the caller.
	id := idx.InsertSegment("x.ts", 0)
	if id != 0 {
		t.Errorf("expected id 0 from degraded index, got %d", id)
	}
	idx.InsertFrame(0, true)
	idx.CloseSegment(0)

	rows, err := idx.SegmentsOverlapping(0, 1)
	if err != nil {
		t.Errorf("degraded SegmentsOverlapping should not error, got %v", err)
	}
	if rows != nil {
		t.Errorf("expected nil rows from degraded index, got %v", rows)
	}
}
