// Package supervisor is the top-level process manager: it starts and
// restarts the heartbeat daemon and the recorder orchestrator, reads the
// heartbeat daemon's published snapshot as the sole truth source for
// liveness and disk pressure, and announces retention pressure over the
// message channel. Grounded on original_source/supervisor/supervisor.cpp,
// translated from its hand-rolled while(true) + redis-cli shell-outs into
// a ticker loop driving internal/process.Process children and
// internal/msgchannel publishes.
package supervisor

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dss-edge/dss/internal/heartbeat"
	"github.com/dss-edge/dss/internal/msgchannel"
	"github.com/dss-edge/dss/internal/process"
)

const (
	actionLevel    = 90
	emergencyLevel = 95
)

// Config configures one Supervisor run.
type Config struct {
	Tick                 time.Duration
	SnapshotStale        time.Duration
	MinUptime            time.Duration
	MaxRestartsPerWindow int
	RestartWindow        time.Duration
	FlapCooldown         time.Duration
	RestartCounterReset  time.Duration
	StopGrace            time.Duration

	SnapshotPath string

	// RecorderHeartbeatPath is the per-recorder freshness counter file
	// (/tmp/dss-recorder.hb), distinct from SnapshotPath's system-wide
	// snapshot. Checked for mtime staleness only; never used to restart
	// anything (spec: freeze detection here is observational, not a
	// restart trigger).
	RecorderHeartbeatPath  string
	RecorderHeartbeatStale time.Duration
}

// Supervisor owns two supervised children (heartbeat daemon, orchestrator)
// plus the message channel used to announce retention pressure.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	channel *msgchannel.Channel

	heartbeatProc    *process.Process
	orchestratorProc *process.Process

	mu                     sync.Mutex
	restartCount           int
	lastRestartAt          time.Time
	startedAt              time.Time
	lastDiskAction         time.Time
	lastSnapshot           heartbeat.Snapshot
	lastSnapshotStale      bool
	recorderHeartbeatStale bool

	onTick func()

	stop chan struct{}
	done chan struct{}
}

// StatusSnapshot is a point-in-time view for the diagnostics surface.
type StatusSnapshot struct {
	HeartbeatAlive    bool
	OrchestratorAlive bool
	UptimeSeconds     int64
	RestartCount      int
	SnapshotTS        int64
	SnapshotStale     bool
	DiskPercent       int
	CPUPercent        int
	MemPercent        int

	RecorderHeartbeatStale bool
}

// Status returns a consistent snapshot of supervised-child liveness and the
// last heartbeat reading, for internal/diag to serve over HTTP.
func (s *Supervisor) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var uptime int64
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return StatusSnapshot{
		HeartbeatAlive:         s.heartbeatProc.IsAlive(),
		OrchestratorAlive:      s.orchestratorProc.IsAlive(),
		UptimeSeconds:          uptime,
		RestartCount:           s.restartCount,
		SnapshotTS:             s.lastSnapshot.TS,
		SnapshotStale:          s.lastSnapshotStale,
		DiskPercent:            s.lastSnapshot.HDD,
		CPUPercent:             s.lastSnapshot.CPU,
		MemPercent:             s.lastSnapshot.Mem,
		RecorderHeartbeatStale: s.recorderHeartbeatStale,
	}
}

// OnTick registers a callback invoked after every tick, used by the
// diagnostics websocket hub to push a fresh status on each supervisor cycle.
func (s *Supervisor) OnTick(fn func()) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// New constructs a Supervisor. heartbeatProc and orchestratorProc are not
// started until Run is called.
func New(cfg Config, heartbeatProc, orchestratorProc *process.Process, channel *msgchannel.Channel, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:              cfg,
		logger:           logger.With("component", "supervisor"),
		channel:          channel,
		heartbeatProc:    heartbeatProc,
		orchestratorProc: orchestratorProc,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Run starts both children and ticks until Stop is called.
func (s *Supervisor) Run() error {
	s.logger.Info("=== DSS Supervisor Started ===")

	if err := s.heartbeatProc.Start(); err != nil {
		return err
	}
	if err := s.orchestratorProc.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			s.logger.Info("=== Supervisor shutting down ===")
			s.orchestratorProc.Stop(s.cfg.StopGrace)
			s.heartbeatProc.Stop(s.cfg.StopGrace)
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop requests shutdown and blocks until Run returns.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Supervisor) tick() {
	now := time.Now()
	defer func() {
		s.mu.Lock()
		fn := s.onTick
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}()

	if !s.heartbeatProc.IsAlive() {
		s.logger.Warn("heartbeat daemon died, restarting")
		if err := s.heartbeatProc.Start(); err != nil {
			s.logger.Error("failed to restart heartbeat daemon", "error", err)
		}
	}

	if !s.orchestratorProc.IsAlive() {
		s.logger.Warn("orchestrator process died, restarting")
		s.noteRestart(now)
		if err := s.orchestratorProc.Start(); err != nil {
			s.logger.Error("failed to restart orchestrator", "error", err)
		}
	}

	s.checkRecorderHeartbeat(now)

	snap, modTime, err := heartbeat.Read(s.cfg.SnapshotPath)
	stale := err == nil && now.Sub(modTime) > s.cfg.SnapshotStale
	valid := err == nil

	if valid {
		s.mu.Lock()
		s.lastSnapshot = snap
		s.lastSnapshotStale = stale
		s.mu.Unlock()
	}

	if !valid || stale {
		reason := "INVALID"
		if stale {
			reason = "STALE"
		}
		s.logger.Error("system heartbeat degraded, system marked degraded", "reason", reason)
		return
	}

	s.mu.Lock()
	uptime := now.Sub(s.startedAt)
	s.mu.Unlock()

	if !snap.Orch && uptime > s.cfg.MinUptime {
		s.logger.Warn("heartbeat reports orchestrator freeze or PID mismatch, restarting")
		s.orchestratorProc.Stop(s.cfg.StopGrace)
	}

	s.mu.Lock()
	dueDiskAction := now.Sub(s.lastDiskAction) >= 30*time.Second
	if dueDiskAction {
		s.lastDiskAction = now
	}
	s.mu.Unlock()

	if dueDiskAction && s.channel != nil {
		if err := s.channel.PublishDiskUsage(snap.HDD); err != nil {
			s.logger.Error("failed to publish disk usage", "error", err)
		}

		switch {
		case snap.HDD >= emergencyLevel:
			s.logger.Error("emergency: HDD usage high, triggering aggressive retention", "hdd", snap.HDD)
			_ = s.channel.PublishRetentionTrigger(msgchannel.RetentionAggressive)
		case snap.HDD >= actionLevel:
			s.logger.Warn("HDD usage elevated, triggering normal retention", "hdd", snap.HDD)
			_ = s.channel.PublishRetentionTrigger(msgchannel.RetentionNormal)
		}
	}

	if snap.CPU > 95 {
		s.logger.Warn("heavy CPU load sensed", "cpu", snap.CPU)
	}

	s.mu.Lock()
	if s.restartCount > 0 && now.Sub(s.lastRestartAt) > s.cfg.RestartCounterReset {
		s.restartCount = 0
	}
	s.mu.Unlock()
}

// checkRecorderHeartbeat inspects the per-recorder freshness counter file
// (/tmp/dss-recorder.hb, written by internal/recorder every N packets) for
// staleness. This is observational only: a stopped-updating recorder.hb is
// logged as a freeze warning and nothing more, per spec.md's freeze-detection
// open question ("does freeze ever restart the recorder" — no). Unlike the
// system snapshot at SnapshotPath, this file is a bare counter, not JSON, so
// only its mtime is meaningful here.
func (s *Supervisor) checkRecorderHeartbeat(now time.Time) {
	if s.cfg.RecorderHeartbeatPath == "" || s.cfg.RecorderHeartbeatStale <= 0 {
		return
	}

	info, err := os.Stat(s.cfg.RecorderHeartbeatPath)
	if err != nil {
		return
	}

	stale := now.Sub(info.ModTime()) > s.cfg.RecorderHeartbeatStale

	s.mu.Lock()
	wasStale := s.recorderHeartbeatStale
	s.recorderHeartbeatStale = stale
	s.mu.Unlock()

	if stale && !wasStale {
		s.logger.Warn("recorder heartbeat file stopped updating, recorder may be frozen",
			"path", s.cfg.RecorderHeartbeatPath, "age", now.Sub(info.ModTime()))
	}
}

// noteRestart applies the anti-flap policy: more than MaxRestartsPerWindow
// restarts inside RestartWindow triggers a FlapCooldown sleep before the
// next restart attempt is allowed to proceed.
func (s *Supervisor) noteRestart(now time.Time) {
	s.mu.Lock()
	s.restartCount++
	withinWindow := !s.lastRestartAt.IsZero() && now.Sub(s.lastRestartAt) < s.cfg.RestartWindow
	flapping := s.restartCount > s.cfg.MaxRestartsPerWindow && withinWindow
	if flapping {
		s.restartCount = 0
	}
	s.lastRestartAt = now
	s.startedAt = now
	s.mu.Unlock()

	if flapping {
		s.logger.Error("restart loop detected, cooling down", "cooldown", s.cfg.FlapCooldown)
		time.Sleep(s.cfg.FlapCooldown)
	}
}
