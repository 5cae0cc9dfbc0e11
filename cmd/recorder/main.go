// Command recorder runs the Recorder Pipeline for a single camera: it
// reads one RTSP source and writes keyframe-aligned transport-stream
// segments into an archive directory while updating the Timeline Index.
// Grounded on cmd/nvr/main.go's slog/signal-handling conventions; the
// --camera-id invocation form's PID lockfile and NDJSON event stream are
// grounded on original_source/recorder_deploy/recorder_cpp/recorder.cpp.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dss-edge/dss/internal/config"
	"github.com/dss-edge/dss/internal/recorder"
	"github.com/dss-edge/dss/internal/segmenter"
	"github.com/dss-edge/dss/internal/timeline"
)

// emitEvent prints one NDJSON lifecycle event to stdout, the shape
// original_source/recorder_deploy/recorder_cpp/recorder.cpp prints with
// std::cout's `{"event":...}` lines, as spec.md's --camera-id form requires.
func emitEvent(fields map[string]any) {
	line, err := json.Marshal(fields)
	if err != nil {
		return
	}
	fmt.Println(string(line))
}

func main() {
	var (
		cameraID   = flag.String("camera-id", "", "camera identifier (alternate invocation form)")
		rtspFlag   = flag.String("rtsp", "", "RTSP source URL (overrides the configured stream)")
		outFlag    = flag.String("out", "", "archive output directory (overrides the configured root)")
		segFlag    = flag.Int("segment", 0, "segment duration in seconds (overrides the configured duration)")
		configPath = flag.String("config", "", "path to a DSS config file")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var rtspURL, archiveRoot string
	args := flag.Args()
	switch {
	case *cameraID != "":
		rtspURL = *rtspFlag
		archiveRoot = *outFlag
		if rtspURL == "" || archiveRoot == "" {
			stream := cfg.SnapshotStream()
			if stream.CameraID != *cameraID {
				logger.Error("camera-id does not match configured stream", "requested", *cameraID, "configured", stream.CameraID)
				os.Exit(1)
			}
			if rtspURL == "" {
				rtspURL = stream.URL
			}
			if archiveRoot == "" {
				archiveRoot = cfg.Archive.Root
			}
		}

		lockPath := fmt.Sprintf("/tmp/recorder_%s.lock", *cameraID)
		lockFile, err := acquirePIDLock(lockPath)
		if err != nil {
			emitEvent(map[string]any{"event": "error", "message": "Already running"})
			logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
			os.Exit(1)
		}
		defer lockFile.Close()
		defer os.Remove(lockPath)

		emitEvent(map[string]any{"event": "recorder_starting", "camera": *cameraID, "path": archiveRoot})

	case len(args) >= 2:
		rtspURL = args[0]
		archiveRoot = args[1]

	default:
		fmt.Fprintln(os.Stderr, "usage: recorder <rtsp_url> <archive_root>")
		fmt.Fprintln(os.Stderr, "   or: recorder --camera-id <id> [--rtsp <url>] [--out <dir>] [--segment <seconds>] [--config <path>]")
		os.Exit(1)
	}

	seg, err := segmenter.New(archiveRoot)
	if err != nil {
		logger.Error("failed to initialize segmenter", "error", err)
		os.Exit(1)
	}

	idx := timeline.Open(filepath.Join(archiveRoot, "index.db"), logger)
	defer idx.Close()

	segmentDuration := time.Duration(cfg.Recording.SegmentDurationSeconds) * time.Second
	if *segFlag > 0 {
		segmentDuration = time.Duration(*segFlag) * time.Second
	}

	pipeline := recorder.New(recorder.Config{
		Stream:                config.StreamConfig{CameraID: cfg.Stream.CameraID, URL: rtspURL},
		SegmentDuration:       segmentDuration,
		HeartbeatPath:         cfg.Recording.HeartbeatPath,
		HeartbeatEveryPackets: cfg.Recording.HeartbeatEveryPackets,
	}, seg, idx, logger)

	if *cameraID != "" {
		pipeline.OnSegment(func(path string) {
			emitEvent(map[string]any{
				"event":  "segment_written",
				"camera": *cameraID,
				"file":   filepath.Base(path),
				"ts":     time.Now().Unix(),
			})
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Run(ctx); err != nil {
		logger.Error("recorder pipeline exited with error", "error", err)
		os.Exit(1)
	}
}

// acquirePIDLock takes an exclusive, non-blocking advisory lock on path via
// flock(2), matching original_source/recorder_deploy/recorder_cpp/recorder.cpp's
// `lockf(fd, F_TLOCK, 0)` on an fd opened O_RDWR|O_CREAT. Unlike a bare
// os.Stat+os.WriteFile check, the lock is held on the open file descriptor
// itself, so two processes racing to start never both observe "unlocked":
// the kernel arbitrates the flock call atomically. The file is left holding
// the owning PID for operator inspection; the lock itself is released when
// the returned file is closed or the process exits.
func acquirePIDLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock held by another instance: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return f, nil
}
