// Package process supervises a single child process: start, liveness check,
// and graceful-then-forceful stop. Grounded on
// original_source/supervisor/Process.hpp, translated from fork/exec/kill
// into exec.Cmd with an explicit argv array, never a "/bin/sh -c" shell
// invocation.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Process wraps one supervised child: argv + environment, start/stop/isAlive.
type Process struct {
	Name string
	Argv []string
	Dir  string
	Env  []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	logger *slog.Logger
}

// New creates a Process. argv[0] is the executable; no shell is involved.
func New(name string, argv []string, logger *slog.Logger) *Process {
	return &Process{
		Name:   name,
		Argv:   argv,
		logger: logger.With("component", "process", "child", name),
	}
}

// Start launches the child. Safe to call again after the child has exited.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil && p.isAliveLocked() {
		return nil
	}
	if len(p.Argv) == 0 {
		return fmt.Errorf("process %s: empty argv", p.Name)
	}

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process %s: start: %w", p.Name, err)
	}

	p.cmd = cmd
	p.logger.Info("child started", "pid", cmd.Process.Pid)

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// IsAlive reports whether the child process still exists.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAliveLocked()
}

func (p *Process) isAliveLocked() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	// Signal 0 performs no action but reports ESRCH if the pid no longer
	// exists, matching kill(pid, 0) in the donor C++.
	return unix.Kill(p.cmd.Process.Pid, 0) == nil
}

// PID returns the current child's PID, or 0 if not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop sends SIGTERM, waits up to grace for exit, then SIGKILLs.
func (p *Process) Stop(grace time.Duration) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if unix.Kill(pid, unix.SIGTERM) != nil {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !p.IsAlive() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	if p.IsAlive() {
		p.logger.Warn("child did not exit after SIGTERM, sending SIGKILL", "pid", pid)
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// StopWithContext is Stop but bounded by ctx in addition to grace.
func (p *Process) StopWithContext(ctx context.Context, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.Stop(grace)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
