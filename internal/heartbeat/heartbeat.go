// Package heartbeat samples disk, CPU, and memory usage plus orchestrator
// liveness on a fixed interval and publishes the result as a JSON snapshot
// file, atomically replaced on every sample. Grounded on
// original_source/supervisor/heartbeat_daemon.cpp, translated from
// statvfs/sysinfo/proc-stat syscalls into golang.org/x/sys/unix and
// /proc parsing.
package heartbeat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Snapshot is the published system-state document, field names matching
// the donor C++'s hand-rolled JSON emission exactly.
type Snapshot struct {
	TS   int64 `json:"ts"`
	HDD  int   `json:"hdd"`
	CPU  int   `json:"cpu"`
	Mem  int   `json:"mem"`
	Orch bool  `json:"orch"`
	Err  bool  `json:"err"`
}

// Config controls sampling interval and the paths a Daemon watches/writes.
type Config struct {
	Interval          time.Duration
	SnapshotPath      string
	DiskPath          string
	OrchestratorPID   string // path to a PID file
	OrchestratorMatch string // substring expected in /proc/<pid>/cmdline
}

// Daemon samples system state and publishes Snapshot JSON atomically.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	prevCPU cpuSample
	stable  bool
}

// New constructs a Daemon. Call Run to start sampling.
func New(cfg Config, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logger.With("component", "heartbeat"),
	}
}

// Run samples and publishes on cfg.Interval until stop is closed (or
// forever if it never is), as a blocking loop matching the donor's
// while(true). cmd/heartbeat runs it on its own goroutine.
func (d *Daemon) Run(stop <-chan struct{}) {
	d.prevCPU, _ = readCPU()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.sampleAndPublish()
		}
	}
}

func (d *Daemon) sampleAndPublish() {
	snap := d.Sample()
	if err := publish(d.cfg.SnapshotPath, snap); err != nil {
		d.logger.Error("failed to publish heartbeat snapshot", "error", err)
	}
}

// Sample takes one reading. The first CPU sample of a Daemon's lifetime is
// always reported as 0 (warm-up), matching the donor's "stable" flag.
func (d *Daemon) Sample() Snapshot {
	curr, err := readCPU()
	cpuUsage := 0
	if err == nil && d.stable {
		cpuUsage = calculateCPU(d.prevCPU, curr)
	}
	d.prevCPU = curr
	d.stable = true

	hdd, hddErr := diskUsagePercent(d.cfg.DiskPath)
	mem, memErr := memUsagePercent()

	return Snapshot{
		TS:   time.Now().Unix(),
		HDD:  hdd,
		CPU:  cpuUsage,
		Mem:  mem,
		Orch: orchestratorAlive(d.cfg.OrchestratorPID, d.cfg.OrchestratorMatch),
		Err:  d.cfg.DiskPath == "" || hddErr != nil || memErr != nil,
	}
}

func publish(path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("heartbeat: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("heartbeat: rename: %w", err)
	}
	return nil
}

// Read loads the most recently published snapshot, used by the supervisor
// to evaluate staleness and thresholds without re-sampling itself.
func Read(path string) (Snapshot, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("heartbeat: unmarshal snapshot: %w", err)
	}
	return snap, info.ModTime(), nil
}

func diskUsagePercent(path string) (int, error) {
	if path == "" {
		return -1, fmt.Errorf("heartbeat: empty disk path")
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1, fmt.Errorf("heartbeat: statfs: %w", err)
	}
	total := st.Blocks * uint64(st.Bsize)
	avail := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	return int(((total - avail) * 100) / total), nil
}

func memUsagePercent() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return -1, fmt.Errorf("heartbeat: open meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoValue(line)
		}
	}
	if totalKB == 0 {
		return 0, nil
	}
	return int(((totalKB - availKB) * 100) / totalKB), nil
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

type cpuSample struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func readCPU() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, fmt.Errorf("heartbeat: open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, fmt.Errorf("heartbeat: empty /proc/stat")
	}

	var label string
	var s cpuSample
	_, err = fmt.Sscan(scanner.Text(), &label, &s.user, &s.nice, &s.system, &s.idle, &s.iowait, &s.irq, &s.softirq, &s.steal)
	if err != nil {
		return cpuSample{}, fmt.Errorf("heartbeat: parse /proc/stat: %w", err)
	}
	return s, nil
}

func calculateCPU(prev, curr cpuSample) int {
	prevIdle := prev.idle + prev.iowait
	currIdle := curr.idle + curr.iowait

	prevNonIdle := prev.user + prev.nice + prev.system + prev.irq + prev.softirq + prev.steal
	currNonIdle := curr.user + curr.nice + curr.system + curr.irq + curr.softirq + curr.steal

	prevTotal := prevIdle + prevNonIdle
	currTotal := currIdle + currNonIdle

	if currTotal < prevTotal {
		return 0
	}
	totalDiff := currTotal - prevTotal
	idleDiff := currIdle - prevIdle
	if totalDiff == 0 {
		return 0
	}
	return int((totalDiff - idleDiff) * 100 / totalDiff)
}

func orchestratorAlive(pidFile, match string) bool {
	if pidFile == "" {
		return false
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	if unix.Kill(pid, 0) != nil {
		return false
	}
	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	return match != "" && strings.Contains(string(cmdline), match)
}
