// Package segmenter computes sequential segment file paths under an
// archive's "segments" directory.
package segmenter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
)

var segmentFileRe = regexp.MustCompile(`^(\d{6})\.ts$`)

// Segmenter hands out sequential "<base>/segments/NNNNNN.ts" paths. The
// counter is process-local; no two concurrent calls in one process return
// the same path.
type Segmenter struct {
	dir     string
	counter atomic.Int64
}

// New ensures "<base>/segments/" exists and prepares the counter. The
// counter resumes at (max existing NNNNNN in the directory) + 1 rather than
// restarting at zero, so a recorder restart never overwrites a still-present
// segment file.
func New(base string) (*Segmenter, error) {
	dir := filepath.Join(base, "segments")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("segmenter: create segments dir: %w", err)
	}

	next, err := scanNext(dir)
	if err != nil {
		return nil, fmt.Errorf("segmenter: scan segments dir: %w", err)
	}

	s := &Segmenter{dir: dir}
	s.counter.Store(next)
	return s, nil
}

func scanNext(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var max int64 = -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Dir returns the segments directory ("<base>/segments").
func (s *Segmenter) Dir() string {
	return s.dir
}

// StartNumber returns the counter's current value without incrementing it,
// for callers that need to preview the next assigned number (e.g. logging,
// or seeding an external mux's own numbering) without reserving it.
func (s *Segmenter) StartNumber() int64 {
	return s.counter.Load()
}

// NextPath atomically reserves and returns the next "<dir>/NNNNNN.ts" path.
func (s *Segmenter) NextPath() string {
	n := s.counter.Add(1) - 1
	return filepath.Join(s.dir, fmt.Sprintf("%06d.ts", n))
}
