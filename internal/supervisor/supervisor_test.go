package supervisor

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dss-edge/dss/internal/msgchannel"
	"github.com/dss-edge/dss/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSnapshot(t *testing.T, path string, hdd, cpu int, orch bool, ts int64) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"ts": ts, "hdd": hdd, "cpu": cpu, "mem": 10, "orch": orch, "err": false,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func testConfig() Config {
	return Config{
		Tick:                 50 * time.Millisecond,
		SnapshotStale:        30 * time.Second,
		MinUptime:            60 * time.Second,
		MaxRestartsPerWindow: 3,
		RestartWindow:        60 * time.Second,
		FlapCooldown:         10 * time.Millisecond,
		RestartCounterReset:  300 * time.Second,
		StopGrace:            500 * time.Millisecond,
	}
}

func TestTickPublishesRetentionOnHighDiskUsage(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 96, 10, true, time.Now().Unix())

	ch, err := msgchannel.Open(msgchannel.Config{Embed: true}, testLogger())
	if err != nil {
		t.Fatalf("Open channel: %v", err)
	}
	defer ch.Close()

	received := make(chan string, 1)
	sub, err := ch.SubscribeRetentionTrigger(func(level string) {
		received <- level
	})
	if err != nil {
		t.Fatalf("SubscribeRetentionTrigger: %v", err)
	}
	defer sub.Unsubscribe()

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	s := New(cfg, hbProc, orchProc, ch, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	s.startedAt = time.Now().Add(-time.Hour)
	s.tick()

	select {
	case level := <-received:
		if level != msgchannel.RetentionAggressive {
			t.Errorf("got %q, want %q", level, msgchannel.RetentionAggressive)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retention trigger")
	}
}

func TestTickDoesNotRestartOrchestratorBeforeMinUptime(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 50, 10, false, time.Now().Unix())

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	s.startedAt = time.Now()
	s.tick()

	if !orchProc.IsAlive() {
		t.Fatal("orchestrator should not have been stopped before MinUptime elapsed")
	}
}

func TestTickLogsDegradedOnStaleSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 50, 10, true, time.Now().Add(-time.Hour).Unix())
	staleTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(snapPath, staleTime, staleTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	s.startedAt = time.Now()
	s.tick()
}

func TestStatusReflectsLastSnapshotAndOnTickFires(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 42, 7, true, time.Now().Unix())

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	fired := make(chan struct{}, 1)
	s.OnTick(func() { fired <- struct{}{} })

	s.startedAt = time.Now()
	s.tick()

	select {
	case <-fired:
	default:
		t.Fatal("expected OnTick callback to fire")
	}

	st := s.Status()
	if !st.HeartbeatAlive || !st.OrchestratorAlive {
		t.Fatalf("expected both children alive, got %+v", st)
	}
	if st.DiskPercent != 42 || st.CPUPercent != 7 {
		t.Errorf("expected status to reflect last snapshot, got %+v", st)
	}
	if st.SnapshotStale {
		t.Error("fresh snapshot should not be stale")
	}
}

func TestTickLogsFreezeWarningOnStaleRecorderHeartbeat(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 50, 10, true, time.Now().Unix())

	recHbPath := filepath.Join(dir, "recorder.hb")
	if err := os.WriteFile(recHbPath, []byte("100\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	staleTime := time.Now().Add(-time.Minute)
	if err := os.Chtimes(recHbPath, staleTime, staleTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	cfg.RecorderHeartbeatPath = recHbPath
	cfg.RecorderHeartbeatStale = 31 * time.Second
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	s.startedAt = time.Now()
	s.tick()

	st := s.Status()
	if !st.RecorderHeartbeatStale {
		t.Error("expected recorder heartbeat to be reported stale")
	}
	if orchProc.IsAlive() == false {
		t.Fatal("freeze detection must never stop the orchestrator, only log")
	}
}

func TestTickDoesNotFlagFreshRecorderHeartbeat(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "hb.json")
	writeSnapshot(t, snapPath, 50, 10, true, time.Now().Unix())

	recHbPath := filepath.Join(dir, "recorder.hb")
	if err := os.WriteFile(recHbPath, []byte("100\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	cfg.SnapshotPath = snapPath
	cfg.RecorderHeartbeatPath = recHbPath
	cfg.RecorderHeartbeatStale = 31 * time.Second
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	if err := hbProc.Start(); err != nil {
		t.Fatalf("start hb: %v", err)
	}
	if err := orchProc.Start(); err != nil {
		t.Fatalf("start orch: %v", err)
	}
	defer hbProc.Stop(time.Second)
	defer orchProc.Stop(time.Second)

	s.startedAt = time.Now()
	s.tick()

	if s.Status().RecorderHeartbeatStale {
		t.Error("fresh recorder heartbeat should not be reported stale")
	}
}

func TestNoteRestartTriggersCooldownAfterThreshold(t *testing.T) {
	hbProc := process.New("hb", []string{"sleep", "5"}, testLogger())
	orchProc := process.New("orch", []string{"sleep", "5"}, testLogger())

	cfg := testConfig()
	s := New(cfg, hbProc, orchProc, nil, testLogger())

	now := time.Now()
	// The restart that first exceeds MaxRestartsPerWindow triggers the
	// cooldown and resets the counter.
	for i := 0; i < cfg.MaxRestartsPerWindow+1; i++ {
		s.noteRestart(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartCount != 0 {
		t.Errorf("expected restart count reset after flap cooldown, got %d", s.restartCount)
	}
}
