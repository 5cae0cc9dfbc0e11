// Command supervisor is the top-level process manager: it supervises the
// heartbeat daemon and the orchestrator binary as independently
// restartable children, publishes disk-pressure retention triggers over the
// message channel, and exits only on SIGINT/SIGTERM. Grounded on
// original_source/supervisor/supervisor.cpp's main() wiring.
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
	"github.com/dss-edge/dss/internal/diag"
	"github.com/dss-edge/dss/internal/msgchannel"
	"github.com/dss-edge/dss/internal/process"
	"github.com/dss-edge/dss/internal/supervisor"
)

func main() {
	var (
		configPath      = flag.String("config", "", "path to a DSS config file")
		heartbeatBin    = flag.String("heartbeat-bin", "/usr/bin/dss-heartbeat", "path to the heartbeat daemon binary")
		orchestratorBin = flag.String("orchestrator-bin", "/usr/bin/dss-orchestrator", "path to the orchestrator binary")
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

	channel, err := msgchannel.Open(msgchannel.Config{
		URL:   cfg.Channel.URL,
		Embed: cfg.Channel.Embed,
	}, logger)
	if err != nil {
		logger.Error("failed to open message channel", "error", err)
		os.Exit(1)
	}
	defer channel.Close()

	heartbeatArgv := []string{*heartbeatBin}
	orchestratorArgv := []string{*orchestratorBin}
	if *configPath != "" {
		heartbeatArgv = append(heartbeatArgv, "--config", *configPath)
		orchestratorArgv = append(orchestratorArgv, "--config", *configPath)
	}

	heartbeatProc := process.New("heartbeat", heartbeatArgv, logger)
	orchestratorProc := process.New("orchestrator", orchestratorArgv, logger)

	sup := supervisor.New(supervisor.Config{
		Tick:                   time.Duration(cfg.Supervisor.TickSeconds) * time.Second,
		SnapshotStale:          time.Duration(cfg.Supervisor.SnapshotStaleSeconds) * time.Second,
		MinUptime:              time.Duration(cfg.Supervisor.MinUptimeSeconds) * time.Second,
		MaxRestartsPerWindow:   cfg.Supervisor.MaxRestartsPerWindow,
		RestartWindow:          time.Duration(cfg.Supervisor.RestartWindowSeconds) * time.Second,
		FlapCooldown:           time.Duration(cfg.Supervisor.FlapCooldownSeconds) * time.Second,
		RestartCounterReset:    time.Duration(cfg.Supervisor.RestartCounterResetSec) * time.Second,
		StopGrace:              time.Duration(cfg.Supervisor.StopGraceSeconds) * time.Second,
		SnapshotPath:           cfg.Heartbeat.SnapshotPath,
		RecorderHeartbeatPath:  cfg.Supervisor.RecorderHeartbeatPath,
		RecorderHeartbeatStale: time.Duration(cfg.Supervisor.RecorderHeartbeatStaleSeconds) * time.Second,
	}, heartbeatProc, orchestratorProc, channel, logger)

	if cfg.Diag.Enabled && cfg.Diag.Addr != "" {
		diagStatus := func() diag.Status {
			st := sup.Status()
			return diag.Status{
				HeartbeatAlive:         st.HeartbeatAlive,
				OrchestratorAlive:      st.OrchestratorAlive,
				UptimeSeconds:          st.UptimeSeconds,
				RestartCount:           st.RestartCount,
				SnapshotTS:             st.SnapshotTS,
				SnapshotStale:          st.SnapshotStale,
				DiskPercent:            st.DiskPercent,
				CPUPercent:             st.CPUPercent,
				MemPercent:             st.MemPercent,
				RecorderHeartbeatStale: st.RecorderHeartbeatStale,
			}
		}

		diagSrv := diag.New(cfg.Diag.Addr, diagStatus, logger)
		sup.OnTick(func() { diagSrv.BroadcastStatus(diagStatus()) })

		go func() {
			if err := diagSrv.Run(); err != nil {
				logger.Error("diagnostics server exited", "error", err)
			}
		}()
		defer diagSrv.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("supervisor received shutdown signal")
		sup.Stop()
	case err := <-runErr:
		if err != nil {
			logger.Error("supervisor exited with error", "error", err)
			os.Exit(1)
		}
	}
}
