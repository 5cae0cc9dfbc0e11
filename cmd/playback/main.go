// Command playback resolves a time range in a single camera's archive into
// a playable stream, delegating the actual frame delivery to an ffmpeg
// child process. Grounded on original_source/recorder/PlaybackEngine.cpp's
// invocation shape and cmd/nvr/main.go's slog conventions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dss-edge/dss/internal/playback"
	"github.com/dss-edge/dss/internal/timeline"
)

func main() {
	var (
		sinkKind = flag.String("sink", "stdout", "output sink: stdout, file, or rtsp")
		sinkPath = flag.String("sink-path", "", "file path or rtsp URL when --sink is file or rtsp")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: playback <archive_root> <from_ms> <to_ms> <speed> [sink]")
		fmt.Fprintln(os.Stderr, "  sink: omitted for stdout, an rtsp:// URL, or an output file path")
		os.Exit(1)
	}

	archiveRoot := args[0]
	fromMS, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		logger.Error("invalid from_ms", "value", args[1], "error", err)
		os.Exit(1)
	}
	toMS, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		logger.Error("invalid to_ms", "value", args[2], "error", err)
		os.Exit(1)
	}
	speed, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		logger.Error("invalid speed", "value", args[3], "error", err)
		os.Exit(1)
	}

	sink := playback.Sink{Kind: *sinkKind, Path: *sinkPath}
	if len(args) >= 5 {
		sink = parseSink(args[4])
	}

	idx := timeline.Open(filepath.Join(archiveRoot, "index.db"), logger)
	defer idx.Close()

	resolver := playback.New(idx, logger)

	req := playback.Request{
		ArchiveRoot: archiveRoot,
		FromMS:      fromMS,
		ToMS:        toMS,
		Speed:       speed,
		Sink:        sink,
	}

	if err := resolver.Resolve(context.Background(), req); err != nil {
		var noData *playback.NoDataError
		if errors.As(err, &noData) {
			logger.Error("no recorded data overlaps the requested range", "total_segments", noData.TotalSegments)
			os.Exit(1)
		}
		logger.Error("playback resolution failed", "error", err)
		os.Exit(1)
	}
}

// parseSink maps the optional positional sink argument onto a Sink: omitted
// or "-" means stdout, an rtsp:// URL selects the RTSP muxer, anything else
// is an output file path.
func parseSink(arg string) playback.Sink {
	switch {
	case arg == "" || arg == "-" || arg == "pipe:1":
		return playback.Sink{Kind: "stdout"}
	case strings.HasPrefix(arg, "rtsp://") || strings.HasPrefix(arg, "rtsps://"):
		return playback.Sink{Kind: "rtsp", Path: arg}
	default:
		return playback.Sink{Kind: "file", Path: arg}
	}
}
