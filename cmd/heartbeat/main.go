// Command heartbeat runs the Heartbeat Daemon as its own OS process,
// sampling disk/CPU/memory/orchestrator liveness on a fixed interval and
// publishing a JSON snapshot file. Kept as a separate binary (rather than a
// goroutine inside the supervisor) to mirror the donor's two-process
// architecture: original_source/supervisor/supervisor.cpp supervises
// /usr/bin/dss-heartbeat as an independently crashable child, and this
// binary is what internal/process.Process spawns for that role.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dss-edge/dss/internal/config"
	"github.com/dss-edge/dss/internal/heartbeat"
)

func main() {
	configPath := flag.String("config", "", "path to a DSS config file")
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

	daemon := heartbeat.New(heartbeat.Config{
		Interval:          time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		SnapshotPath:      cfg.Heartbeat.SnapshotPath,
		DiskPath:          cfg.Heartbeat.DiskPath,
		OrchestratorPID:   cfg.Heartbeat.OrchestratorPID,
		OrchestratorMatch: cfg.Heartbeat.OrchestratorMatch,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		daemon.Run(stopCh)
		close(done)
	}()

	<-ctx.Done()
	logger.Info("heartbeat daemon shutting down")
	close(stopCh)
	<-done
}
